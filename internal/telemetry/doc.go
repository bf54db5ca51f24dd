// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 GuardFlow 的分块、检测器调用与生成调用提供链路追踪。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
