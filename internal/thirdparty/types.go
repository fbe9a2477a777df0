package thirdparty

import (
	"net/http"
	"time"

	"github.com/nao1215/portal/pkg/audit"
)

// RateLimitPolicy はクライアントごとのレート制限。Window内にCapacity件まで許可する。
type RateLimitPolicy struct {
	// Capacity はウィンドウあたりの最大リクエスト数。
	Capacity int `json:"capacity"`
	// Window はウィンドウの長さ。
	Window time.Duration `json:"window"`
}

// Unlimited はポリシーが制限なしかどうかを返す。CapacityかWindowが0以下なら制限しない。
func (p RateLimitPolicy) Unlimited() bool {
	return p.Capacity <= 0 || p.Window <= 0
}

// ClientIdentity は登録済みのサードパーティクライアント。ゲートウェイからは読み取り専用。
type ClientIdentity struct {
	// ID はクライアントの一意識別子。
	ID string `json:"id"`
	// Name はクライアントの表示名。
	Name string `json:"name"`
	// CredentialHash はセキュリティキーのハッシュ（sha256:<hex> またはbcrypt）。
	CredentialHash string `json:"-"`
	// AllowedEndpoints は呼び出しを許可するパスパターン。
	AllowedEndpoints []string `json:"allowed_endpoints"`
	// RateLimit はレート制限ポリシー。
	RateLimit RateLimitPolicy `json:"rate_limit"`
	// Active が false のクライアントは認証に失敗する。
	Active bool `json:"active"`
	// AllowedAddresses は呼び出し元として許可するIPアドレスまたはCIDR。空なら制限しない。
	AllowedAddresses []string `json:"allowed_addresses"`
}

// ValidationOutcome は資格情報の検証結果。リクエストごとに生成され、永続化されない。
type ValidationOutcome struct {
	// IsValid は資格情報が有効かどうか。
	IsValid bool `json:"is_valid"`
	// ClientID は検証で特定できたクライアントID。特定できなければ空。
	ClientID string `json:"client_id,omitempty"`
	// ClientName は検証で特定できたクライアント名。
	ClientName string `json:"client_name,omitempty"`
	// Message は検証失敗の理由。
	Message string `json:"message,omitempty"`
}

// Rejection はゲートウェイがリクエストを拒否した理由。
type Rejection int

const (
	// NotRejected はリクエストが拒否されていないことを表す。
	NotRejected Rejection = iota
	// MissingCredentials はX-Client-IDまたはX-Security-Keyが無いことを表す。
	MissingCredentials
	// InvalidCredentials は資格情報が無効であることを表す。
	InvalidCredentials
	// RateLimited はレート制限を超えたことを表す。
	RateLimited
	// EndpointForbidden は許可されていないエンドポイントへのアクセスを表す。
	EndpointForbidden
	// DownstreamFailure は転送先ハンドラがパニックしたことを表す。
	DownstreamFailure
)

type rejectionRule struct {
	name    string
	status  int
	outcome audit.Outcome
	message string
}

var rejectionRules = map[Rejection]rejectionRule{
	MissingCredentials: {"MissingCredentials", http.StatusUnauthorized, audit.OutcomeFailed, "missing client credentials"},
	InvalidCredentials: {"InvalidCredentials", http.StatusForbidden, audit.OutcomeFailed, "invalid client credentials"},
	RateLimited:        {"RateLimited", http.StatusTooManyRequests, audit.OutcomeRateLimited, "rate limit exceeded"},
	EndpointForbidden:  {"EndpointForbidden", http.StatusForbidden, audit.OutcomeUnauthorizedEndpoint, "endpoint not allowed for this client"},
	DownstreamFailure:  {"DownstreamFailure", http.StatusInternalServerError, audit.OutcomeFailed, "downstream handler failed"},
}

// String は拒否理由の名前を返す。
func (r Rejection) String() string {
	if s, ok := rejectionRules[r]; ok {
		return s.name
	}
	return "NotRejected"
}

// StatusCode は呼び出し元に返すHTTPステータスコードを返す。
func (r Rejection) StatusCode() int {
	return rejectionRules[r].status
}

// Outcome は監査レコードに記録する結果タグを返す。
func (r Rejection) Outcome() audit.Outcome {
	return rejectionRules[r].outcome
}

// Message は呼び出し元に返すエラーメッセージを返す。
func (r Rejection) Message() string {
	return rejectionRules[r].message
}
