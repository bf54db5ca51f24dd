// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理。

编排器 API 与指标端点各自使用一个 Manager：Start 非阻塞启动，配置证书时
通过 tlsutil.ServerTLSConfig 加载（证书错误在 Start 时返回）；Shutdown 在
超时内排空请求后按注册的逆序执行具名 ShutdownHook（检测器协程池、评审缓存、
审计数据库），任一钩子失败不影响其余钩子。WaitForShutdown 监听
SIGINT/SIGTERM、上下文结束或服务异常，随后触发优雅关闭。
*/
package server
