package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/portal/pkg/audit"
)

// Principal はファーストパーティ呼び出し元の認証済みアイデンティティ。
type Principal struct {
	// UserID はユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// TokenValidator はBearerトークンを検証する外部コンポーネント。
// 検証に失敗した場合はnilとエラーを返す。
type TokenValidator interface {
	Validate(tokenString string) (*Principal, error)
}

// SecurityAuditor はセキュリティイベントの記録先。
type SecurityAuditor interface {
	RecordSecurityEvent(ctx context.Context, ev audit.SecurityEvent)
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeyPrincipal はGinコンテキストとcontext.Contextでのプリンシパルのキー。
const contextKeyPrincipal = "principal"

type principalKey struct{}

// ResolvePrincipal はBearerトークンからプリンシパルを解決するGinミドルウェアを返す。
//
// Authorizationヘッダーがなければ何もしない。トークンが不正な場合は
// セキュリティイベントを1件記録し、未認証のままリクエストを続行する。
// 拒否の判断は後続のハンドラが行う。
func ResolvePrincipal(validator TokenValidator, auditor SecurityAuditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		principal, reason := resolve(validator, authHeader)
		if principal == nil {
			auditor.RecordSecurityEvent(context.WithoutCancel(c.Request.Context()), audit.SecurityEvent{
				Category:      audit.CategoryAuthentication,
				RiskLevel:     audit.RiskMedium,
				Description:   reason,
				CallerAddress: c.ClientIP(),
				Endpoint:      c.Request.URL.Path,
				Method:        c.Request.Method,
			})
			c.Next()
			return
		}

		c.Set(contextKeyPrincipal, principal)
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), principal))
		c.Header(headerKeyUserID, principal.UserID)
		c.Next()
	}
}

// resolve はヘッダー値を検証する。失敗時は記録用の理由を返す。
func resolve(validator TokenValidator, authHeader string) (*Principal, string) {
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || strings.TrimSpace(tokenString) == "" {
		return nil, "malformed bearer credential"
	}

	principal, err := validator.Validate(tokenString)
	if err != nil || principal == nil {
		return nil, "invalid bearer token"
	}
	return principal, ""
}

// WithPrincipal はコンテキストにプリンシパルを設定する。
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext はコンテキストからプリンシパルを取得する。
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// GetPrincipal はGinコンテキストからプリンシパルを取得する。
// 未認証の場合はnilを返す。
func GetPrincipal(c *gin.Context) *Principal {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// GetUserID はGinコンテキストからユーザーIDを取得する。未認証なら空文字列。
func GetUserID(c *gin.Context) string {
	if p := GetPrincipal(c); p != nil {
		return p.UserID
	}
	return ""
}
