// Copyright 2026 GuardFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 GuardFlow 测试共享的模拟实现。

# 子包

  - testutil/mocks: MockProvider（llm.Provider），按顺序回放脚本化回复
    （WithResponse / Then / ThenError，最后一条重复），支持自定义
    Completion 函数与延迟，并记录每次调用的请求，
    供评审检测器、编排器与聊天处理器的测试共用

# 使用示例

	judge := mocks.NewMockProvider().WithResponse("NO")
	d, _ := guardrails.NewSelfReflectionDetector("policy", params,
		guardrails.SelfReflectionOptions{Judge: judge})
	...
	req := judge.LastRequest()
*/
package testutil
