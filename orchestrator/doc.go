// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
Package orchestrator 实现审核管线：分块、检测器分发、结果聚合与判定。

# 管线

一次评估经过以下阶段：

  - Registry 在启动时构建全部检测器并编译各自的分块策略；请求只能选择已注册的检测器
  - Dispatcher 对每个不同的分块策略只分块一次，然后按 MaxConcurrency 并发调用检测器
  - Aggregate 按起始偏移合并结果，同一偏移按注册顺序排列，不做去重
  - DecisionPolicy 依据 any / all / count>=k 给出 pass 或 violation

单个检测器失败或超时不会中断请求：fail_open 下记录为 DetectorError，
fail_closed 下额外产生一个 detector_error 类型的检测。

# 对话流程

Chat 先审核最后一条消息；输入被拦截时不调用生成模型。
输入通过后调用生成模型，再逐个审核生成的 choice。请求状态按
RECEIVED → CHUNKED → DETECTING → AGGREGATED_* → GENERATING → OUTPUT_CHECK → FINAL_*
推进，非法转换返回 INVALID_TRANSITION。

monitor 模式的检测器在判定之后异步运行，只产生指标。审计事件通过
协程池异步写入 AuditSink。
*/
package orchestrator
