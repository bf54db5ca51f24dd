// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
Package main 提供 GuardFlow 编排服务的程序入口。

# 概述

cmd/guardflow 是审核管线的可执行入口，提供 HTTP 编排服务、
审计库迁移、命令行分块、健康检查和版本查询等子命令。程序从 YAML
配置文件、.env 文件与 GUARDFLOW_ 环境变量加载配置（进程环境变量优先），
使用 zap 结构化日志，并在独立端口暴露 Prometheus 指标。子命令返回错误，
由 run 统一映射为退出码：参数错误为 2，其他失败为 1。

# 核心类型

  - Server        组装缓存、审计库、检测器注册表、编排器与 HTTP 路由
  - Middleware    HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、chunk、version、health（resty 探测 /ready）
  - 中间件链：Recovery、RequestID、SecurityHeaders、CORS（middleware.go），
    OTelTracing、RequestLogger、Metrics（observe.go），
    RateLimiter（ratelimit.go，按客户端 IP），APIKeyAuth 或 JWTAuth（auth.go）
  - 熔断状态：所有后端熔断器的状态变化写入指标，并参与就绪检查
  - 优雅关闭：信号监听 → 排空 HTTP → 等待后台审计 → 关闭协程池、
    数据库、缓存、Metrics 服务器与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
