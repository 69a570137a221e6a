// Package pipeline 把路由结果写成 HTTP 响应：鉴权、ETag 协商、响应缓存、
// 压缩协商、预压缩透传、HEAD 短路以及 Cache-Control/Vary 头的生成。
package pipeline
