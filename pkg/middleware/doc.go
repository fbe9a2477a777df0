// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ファーストパーティ呼び出し元のプリンシパル解決（JWT）、トークン発行、
// アクセスログ、パニックリカバリ、CORS設定を含む。
package middleware
