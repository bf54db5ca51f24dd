// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 metrics 提供基于 Prometheus 的审核链路指标采集能力。

# 概述

Collector 使用 promauto 注册到默认 Registry，所有指标按 namespace
隔离（服务默认为 "guardflow"）。所有 Record 方法对 nil 接收者安全，
未启用指标时调用方无需判空。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 检测器指标：按 detector_id/kind/status 统计调用次数与耗时，
    按 detection_type/direction 统计命中数，以及每次分块的 chunk 数。
  - 判定指标：按 direction/status 统计 verdict，记录请求状态机转换。
  - 监控模式：monitor_detections_total 与 monitor_score_sum，
    监控检测器只记录不拦截。
  - 生成模型：请求数、耗时与 prompt/completion token 用量。
  - 熔断器状态、评审缓存命中率、审计库连接与写入耗时。
*/
package metrics
