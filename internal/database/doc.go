// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 database 提供审计库的连接、连接池管理与审计事件存储。

# 核心类型

  - Open：按 driver 打开 postgres / mysql / sqlite（纯 Go）连接。
  - PoolManager：封装连接池参数、定期上报连接数指标，
    以及按 resilience.RetryPolicy 重跑的事务（IsTransient 判定死锁、
    序列化失败、连接中断与 sqlite 锁）。
  - AuditStore：把 types.AuditEvent 写入 moderation_events 表，
    并支持按请求、状态、方向与时间过滤查询。表结构由 internal/migration 管理。
*/
package database
