// Package audit はサードパーティゲートウェイの監査証跡を提供する。
//
// 監査レコード（Record）はゲートウェイが処理した1リクエストにつき1件だけ
// 作成され、一度書き込まれたら変更されない（追記のみ）。ファーストパーティの
// 認証失敗はセキュリティイベント（SecurityEvent）として別テーブルに記録する。
//
// Logger は永続化の失敗を呼び出し元に返さず、ログとメトリクスにのみ出力する。
package audit
