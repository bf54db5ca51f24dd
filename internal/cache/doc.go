// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 cache 提供基于 Redis 的字符串缓存，主要用于缓存自省检测器
（self-reflection）评审模型的回答，避免对相同输入重复调用模型。

# 核心类型

  - Manager：持有 go-redis 客户端，提供带命名空间前缀的
    Get/Set/Delete/Ping，以及后台健康检查与优雅关闭。
  - Config：地址、密码、键前缀、默认 TTL 与连接池参数。
  - Stats：本进程的命中/未命中计数。

# 错误语义

未命中返回 ErrCacheMiss，关闭后调用返回 ErrClosed。
调用方应把任何 Get 错误视为未命中。
*/
package cache
