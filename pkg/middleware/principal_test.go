package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/portal/pkg/audit"
)

// recordingAuditor はセキュリティイベントをメモリに保持するテスト用の記録先。
type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *recordingAuditor) RecordSecurityEvent(_ context.Context, ev audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// newPrincipalRouter はResolvePrincipalを適用し、解決結果を返すルーターを生成する。
func newPrincipalRouter(auditor SecurityAuditor) *gin.Engine {
	router := gin.New()
	router.Use(ResolvePrincipal(NewJWTValidator(testSecret), auditor))
	router.GET("/whoami", func(c *gin.Context) {
		ctxPrincipal, _ := PrincipalFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"user_id":     GetUserID(c),
			"ctx_user_id": userIDOf(ctxPrincipal),
		})
	})
	return router
}

func userIDOf(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.UserID
}

func TestResolvePrincipal(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでプリンシパルが設定され監査イベントが出ないこと", func(t *testing.T) {
		t.Parallel()

		auditor := &recordingAuditor{}
		router := newPrincipalRouter(auditor)

		token, err := GenerateJWT(testSecret, "user-123", "test@example.com")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user_id":"user-123","ctx_user_id":"user-123"}`, w.Body.String())
		assert.Equal(t, "user-123", w.Header().Get(headerKeyUserID))
		assert.Empty(t, auditor.events)
	})

	t.Run("Authorizationヘッダーが無い場合は何もせず続行すること", func(t *testing.T) {
		t.Parallel()

		auditor := &recordingAuditor{}
		router := newPrincipalRouter(auditor)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user_id":"","ctx_user_id":""}`, w.Body.String())
		assert.Empty(t, auditor.events)
	})

	invalid := []struct {
		name   string
		header string
		reason string
	}{
		{name: "無効なトークン", header: "Bearer invalid.token.here", reason: "invalid bearer token"},
		{name: "Bearer接頭辞なし", header: "Token abc", reason: "malformed bearer credential"},
		{name: "空のBearer", header: "Bearer ", reason: "malformed bearer credential"},
	}

	for _, tt := range invalid {
		t.Run(tt.name+"の場合は監査イベントを1件記録し未認証で続行すること", func(t *testing.T) {
			t.Parallel()

			auditor := &recordingAuditor{}
			router := newPrincipalRouter(auditor)

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"user_id":"","ctx_user_id":""}`, w.Body.String())

			require.Len(t, auditor.events, 1)
			ev := auditor.events[0]
			assert.Equal(t, audit.CategoryAuthentication, ev.Category)
			assert.Equal(t, audit.RiskMedium, ev.RiskLevel)
			assert.Equal(t, tt.reason, ev.Description)
			assert.Equal(t, "/whoami", ev.Endpoint)
			assert.Equal(t, http.MethodGet, ev.Method)
		})
	}
}

func TestGetPrincipal(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合はnilと空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		assert.Nil(t, GetPrincipal(c))
		assert.Empty(t, GetUserID(c))
	})

	t.Run("型が異なる値の場合はnilが返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(contextKeyPrincipal, "not-a-principal")
		assert.Nil(t, GetPrincipal(c))
	})
}
