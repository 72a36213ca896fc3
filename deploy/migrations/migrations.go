package migrations

import "embed"

// Files 按方言暴露 SQL 迁移文件，子目录名即 database/sql 驱动名。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
