// Package db はポータルのSQLiteスキーマ定義（マイグレーションファイル）を埋め込む。
package db

import "embed"

// Migrations はマイグレーションファイル群。pkg/migration.Run に "migrations" ディレクトリとして渡す。
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir はMigrations内のマイグレーションディレクトリ名。
const MigrationsDir = "migrations"
