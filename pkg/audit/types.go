package audit

import "time"

// Outcome は監査レコードの結果タグ。
type Outcome string

const (
	// OutcomeSuccess は転送先ハンドラが2xx/3xxを返したことを表す。
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailed は認証失敗、または転送先ハンドラが失敗ステータスを返したことを表す。
	OutcomeFailed Outcome = "FAILED"
	// OutcomeRateLimited はレート制限により拒否されたことを表す。
	OutcomeRateLimited Outcome = "RATE_LIMITED"
	// OutcomeUnauthorizedEndpoint は許可されていないエンドポイントへのアクセスを表す。
	OutcomeUnauthorizedEndpoint Outcome = "UNAUTHORIZED_ENDPOINT"
	// OutcomeAborted は転送中に呼び出し元が切断したことを表す。
	OutcomeAborted Outcome = "ABORTED"
)

// UnknownClientID は認証情報が欠落・無効な場合に記録するクライアントID。
const UnknownClientID = "unknown"

// UnknownClientName は認証情報が欠落・無効な場合に記録するクライアント名。
const UnknownClientName = "Unknown"

// Record はゲートウェイを通過した1リクエストの不変な監査レコード。
// フィールドの並びは外部レポートとの互換性のため変更しないこと。
type Record struct {
	// ID はレコードの一意識別子（UUID）。
	ID string `json:"id"`
	// ClientID はクライアントID。不明な場合は UnknownClientID。
	ClientID string `json:"client_id"`
	// ClientName はクライアントの表示名。
	ClientName string `json:"client_name"`
	// Endpoint はリクエストパス。
	Endpoint string `json:"endpoint"`
	// Method はHTTPメソッド。
	Method string `json:"http_method"`
	// RequestPayload はリクエストボディ。
	RequestPayload string `json:"request_payload"`
	// ResponsePayload はレスポンスボディ。早期拒否の場合はnil。
	ResponsePayload *string `json:"response_payload"`
	// StatusCode は呼び出し元に返したHTTPステータスコード。
	StatusCode int `json:"status_code"`
	// CallerAddress は呼び出し元のアドレス。
	CallerAddress string `json:"caller_address"`
	// RequestTimestamp はリクエスト受付時刻。
	RequestTimestamp time.Time `json:"request_timestamp"`
	// ResponseTimestamp はハンドラ完了（または拒否）時刻。RequestTimestamp以上。
	ResponseTimestamp time.Time `json:"response_timestamp"`
	// DurationMs はパイプライン全体の所要時間（ミリ秒）。
	DurationMs int64 `json:"duration_ms"`
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// ErrorMessage は失敗時のエラーメッセージ。
	ErrorMessage *string `json:"error_message"`
	// Outcome は結果タグ。
	Outcome Outcome `json:"outcome"`
}

// Category はセキュリティイベントの分類。
type Category string

// CategoryAuthentication は認証に関するイベント。
const CategoryAuthentication Category = "Authentication"

// RiskLevel はセキュリティイベントのリスクレベル。
type RiskLevel string

const (
	// RiskLow は低リスク。
	RiskLow RiskLevel = "Low"
	// RiskMedium は中リスク。
	RiskMedium RiskLevel = "Medium"
	// RiskHigh は高リスク。
	RiskHigh RiskLevel = "High"
)

// SecurityEvent はファーストパーティ呼び出し元に関するセキュリティイベント。
type SecurityEvent struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Category はイベントの分類。
	Category Category `json:"category"`
	// RiskLevel はリスクレベル。
	RiskLevel RiskLevel `json:"risk_level"`
	// Description はイベントの説明。
	Description string `json:"description"`
	// CallerAddress は呼び出し元のアドレス。
	CallerAddress string `json:"caller_address"`
	// Endpoint はリクエストパス。
	Endpoint string `json:"endpoint"`
	// Method はHTTPメソッド。
	Method string `json:"http_method"`
	// OccurredAt はイベント発生時刻。
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordFilter は監査レコード検索の条件。
type RecordFilter struct {
	// ClientID が空でなければクライアントIDで絞り込む。
	ClientID string
	// Outcome が空でなければ結果タグで絞り込む。
	Outcome Outcome
	// Limit は最大件数。0以下の場合は DefaultListLimit。
	Limit int
}

// DefaultListLimit は検索件数の既定値。
const DefaultListLimit = 100

// MaxListLimit は検索件数の上限。
const MaxListLimit = 1000
