// Package module 定义可插拔模块与其产出的 Handler 能力集合，并提供统一的注册入口。
//
// 模块作者需要：
//  1. 构造 Module（名称、可选路径前缀、同步或异步解析函数之一）；
//  2. 在进程启动阶段通过 Registry.Register 注册，注册后模块不可变；
//  3. 解析函数为每个匹配请求返回一个 Handler，Handler 通过可选接口声明缓存键、
//     ETag、压缩优先级、鉴权要求以及客户端/服务端缓存时长。
//
// 该包不依赖 HTTP 框架，server 与 pipeline 负责把 fiber 请求翻译为 Request。
package module
