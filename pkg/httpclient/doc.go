// Package httpclient は保護対象の上流APIへリクエストを転送するHTTPクライアントを提供する。
//
// サードパーティゲートウェイを通過したリクエストを上流へ中継し、
// ステータスコードとボディを加工せずに返す。
package httpclient
