// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
Package handlers 提供 GuardFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把审核管线暴露为 HTTP 端点。所有 Handler 均遵循标准
net/http 接口，路由与中间件在 cmd/guardflow 中组装。

# 核心类型

  - ChunkHandler       文本分块（/api/v1/text/chunk）
  - DetectionHandler   内容检测与检测器列表
  - ChatHandler        带双向检测的聊天补全
  - AuditHandler       审计事件查询
  - HealthHandler      服务健康检查（/health, /healthz, /ready, /version）
  - Response           统一错误信封（success + error + timestamp + request_id）

# 响应约定

检测与聊天端点按对外协议直接返回结果体；违规属于正常业务结果，返回 200。
管理类端点（检测器列表、审计、版本）使用 Response 信封。
错误一律使用 Response 信封，types.ErrorCode 自动映射为 HTTP 状态码。
*/
package handlers
