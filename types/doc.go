// Copyright (c) GuardFlow Authors.
// Licensed under the project license.

/*
Package types 提供 GuardFlow 各层共享的类型定义。

types 是最底层的公共包，不依赖任何内部包，chunking、guardrails、
orchestrator、api 等上层模块都只通过这里的类型交换数据。

# 核心类型

  - Span / Chunk           文本片段及其在原文中的字符偏移
  - DetectionResult        单个检测器命中（偏移、类型、分数、检测器 ID）
  - ModerationVerdict      一次审核请求的最终结论与状态
  - DetectorConfig         检测器配置（类型、模式、分块器、参数、阈值）
  - ChunkerConfig          分块策略及参数
  - Params                 带类型转换的参数字典（兼容 YAML 与 JSON 数值）
  - AuditEvent             持久化到审计存储的审核记录
  - Error / ErrorCode      结构化错误，含 HTTP 状态码与 Retryable 标记

# Context 传播

WithRequestID / WithTraceID / WithSubject / WithDirection 在中间件与
编排器之间传递请求级元数据，读取函数在值缺失时返回 ok=false。
*/
package types
