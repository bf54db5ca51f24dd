// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

// Package config 提供 GuardFlow 的配置加载与校验。
//
// 配置按 默认值 → YAML 文件 → 环境变量（GUARDFLOW_ 前缀）的顺序合并。
// 检测器注册表、分类后端和分块参数只能来自 YAML，进程启动后只读；
// Validate 在任何请求处理前报告全部配置错误。
package config
