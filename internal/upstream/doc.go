// Package upstream 提供把某个 Web 前缀转发到上游 HTTP 源站的模块。
// 上游调用发生在异步解析出的 Handler 中；响应沿用统一的缓存与压缩管线。
package upstream
