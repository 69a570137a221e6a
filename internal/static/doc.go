// Package static 把 Web 路径映射到一个或多个磁盘目录（允许重叠挂载），
// 按注册顺序解析文件，并在启用时优先返回不旧于原文件的预压缩兄弟文件
// （例如 app.js.br），从而跳过即时压缩。
//
// 文件系统内容可能随时变化，每次请求都会重新检查，仅受 Resolver 自身
// 短时 stat 缓存的影响。未找到与无权限对调用方一律表现为 ErrNotFound，
// 以免泄露目录结构，但日志中会区分两者。
package static
