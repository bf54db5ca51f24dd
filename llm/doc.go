// Copyright 2025-2026 GuardFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package llm 定义聊天补全接口（Provider）及 OpenAI 兼容实现。

下游生成模型与自省（self-reflection）评审模型都通过该接口调用。
OpenAIProvider 可选地经由 resilience.Guard 熔断与重试；错误统一映射为
types.Error，并带有 Retryable 标记。

子包 moderation 提供分类检测器使用的打分后端。
*/
package llm
