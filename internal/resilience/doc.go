// Copyright 2025-2026 GuardFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package resilience 为检测器后端、评审模型与生成模型提供熔断与重试。

  - Breaker     三态熔断器（closed / open / half_open），客户端错误与调用方取消不计入失败
  - Retry       指数退避 + 抖动，默认只重试 types.Error.Retryable 为真的错误
  - Guard / Do  组合二者，熔断打开时不再重试
*/
package resilience
