// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 migration 管理审计库 moderation_events 表的 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下。
DefaultMigrator 提供 Up/Down/Steps/Force/Version/Status/Info，
CLI 将这些操作格式化输出，供 guardflow migrate 子命令使用。
Up 与 Steps 在上下文取消时于当前迁移完成后停止；golang-migrate
的进度日志经 zap 输出。

SQLite 连接使用进程中已注册的纯 Go "sqlite" 驱动，不依赖 cgo。
*/
package migration
