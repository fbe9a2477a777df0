// Package gateway はポータルのHTTPサーバーを組み立てる。
//
// 設定から各部品（データソース、監査ロガー、クライアントディレクトリ、
// レートリミッタ、サードパーティゲートウェイ）を生成し、Ginのルーターに配線する。
// サードパーティ向けの接頭辞配下はゲートウェイを通過したリクエストだけが
// 上流APIへ転送される。/api/v1 配下はJWTでプリンシパルを解決する。
package gateway
