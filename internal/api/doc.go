// Package api 提供 API 模块：按名称分发到端点函数，序列化结果，
// 并在调用前后触发审计钩子。
package api
