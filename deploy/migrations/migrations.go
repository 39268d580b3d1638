// Package migrations 内嵌插件宿主的 SQL 迁移脚本,
// 文件名前缀即版本号,连接建立时按版本顺序执行。
package migrations

import "embed"

// Files 包含全部迁移文件。
//
//go:embed *.sql
var Files embed.FS
