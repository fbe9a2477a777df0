package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/portal/internal/thirdparty"
	"github.com/nao1215/portal/pkg/audit"
	"github.com/nao1215/portal/pkg/httpclient"
	"github.com/nao1215/portal/pkg/middleware"
)

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := uuid.New().String()

		// 開発用ユーザーが存在しなければ作成
		existing, err := s.users.getByProvider(ctx, "dev", "dev-user")
		switch {
		case errors.Is(err, errUserNotFound):
			if err := s.users.create(ctx, user{
				ID:             userID,
				Provider:       "dev",
				ProviderUserID: "dev-user",
				Email:          "dev@localhost",
				DisplayName:    "開発ユーザー",
			}); err != nil {
				s.logger.Error("開発ユーザー作成エラー", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー作成に失敗しました"})
				return
			}
		case err != nil:
			s.logger.Error("開発ユーザー取得エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			return
		default:
			userID = existing.ID
			if err := s.users.updateLastLogin(ctx, userID); err != nil {
				s.logger.Warn("最終ログイン時刻の更新に失敗", zap.String("user_id", userID), zap.Error(err))
			}
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, userID, "dev@localhost")
		if err != nil {
			s.logger.Error("JWT生成エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": userID,
		})
	}
}

// requirePrincipal は未認証のリクエストを401で拒否する。
func (s *Server) requirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetPrincipal(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}
		c.Next()
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		u, err := s.users.getByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":           u.ID,
			"email":        u.Email,
			"display_name": u.DisplayName,
			"avatar_url":   u.AvatarURL,
			"provider":     u.Provider,
		})
	}
}

// registerClientRequest はクライアント登録のリクエストボディ。
type registerClientRequest struct {
	// ID は省略するとUUIDを採番する。
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	AllowedEndpoints []string `json:"allowed_endpoints"`
	AllowedAddresses []string `json:"allowed_addresses"`
	RateLimit        struct {
		Capacity int    `json:"capacity"`
		Window   string `json:"window"`
	} `json:"rate_limit"`
}

// toIdentity はリクエストを検証してClientIdentityに変換する。
func (r registerClientRequest) toIdentity() (thirdparty.ClientIdentity, error) {
	ident := thirdparty.ClientIdentity{
		ID:               strings.TrimSpace(r.ID),
		Name:             strings.TrimSpace(r.Name),
		AllowedEndpoints: r.AllowedEndpoints,
		AllowedAddresses: r.AllowedAddresses,
		RateLimit:        thirdparty.RateLimitPolicy{Capacity: r.RateLimit.Capacity},
		Active:           true,
	}
	if ident.Name == "" {
		return ident, errors.New("name は必須です")
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if r.RateLimit.Window != "" {
		w, err := time.ParseDuration(r.RateLimit.Window)
		if err != nil {
			return ident, errors.New("rate_limit.window が不正です")
		}
		ident.RateLimit.Window = w
	}
	for _, p := range ident.AllowedEndpoints {
		if p != "*" && !strings.HasPrefix(p, "/") {
			return ident, errors.New("allowed_endpoints は \"/\" で始まるパスか \"*\" を指定してください")
		}
	}
	for _, a := range ident.AllowedAddresses {
		if _, err := netip.ParsePrefix(a); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(a); err != nil {
			return ident, errors.New("allowed_addresses にはIPアドレスかCIDRを指定してください")
		}
	}
	return ident, nil
}

// handleRegisterClient はサードパーティクライアントを登録するハンドラを返す。
// セキュリティキーはこの応答でのみ返し、保存するのはハッシュだけ。
func (s *Server) handleRegisterClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerClientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		ident, err := req.toIdentity()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		key, err := thirdparty.GenerateSecurityKey()
		if err != nil {
			s.logger.Error("セキュリティキー生成エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セキュリティキーの生成に失敗しました"})
			return
		}
		ident.CredentialHash = thirdparty.HashSecurityKey(key)

		if err := s.clients.Register(c.Request.Context(), ident); err != nil {
			if errors.Is(err, thirdparty.ErrClientExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "同じIDのクライアントが既に存在します"})
				return
			}
			s.logger.Error("クライアント登録エラー", zap.String("client_id", ident.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "クライアントの登録に失敗しました"})
			return
		}
		s.directory.Invalidate(ident.ID)

		s.logger.Info("クライアントを登録",
			zap.String("client_id", ident.ID),
			zap.String("registered_by", middleware.GetUserID(c)),
		)
		c.JSON(http.StatusCreated, gin.H{
			"id":                ident.ID,
			"name":              ident.Name,
			"security_key":      key,
			"allowed_endpoints": ident.AllowedEndpoints,
			"allowed_addresses": ident.AllowedAddresses,
			"rate_limit": gin.H{
				"capacity": ident.RateLimit.Capacity,
				"window":   ident.RateLimit.Window.String(),
			},
		})
	}
}

// parseLimit はクエリパラメータ limit を読み取る。未指定なら0。
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handleListAuditRecords は監査証跡を検索するハンドラを返す。
func (s *Server) handleListAuditRecords() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit が不正です"})
			return
		}

		records, err := s.auditStore.ListRecords(c.Request.Context(), audit.RecordFilter{
			ClientID: c.Query("client_id"),
			Outcome:  audit.Outcome(strings.ToUpper(c.Query("outcome"))),
			Limit:    limit,
		})
		if err != nil {
			s.logger.Error("監査レコード取得エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "監査レコードの取得に失敗しました"})
			return
		}
		if records == nil {
			records = []audit.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}

// handleListSecurityEvents は最近のセキュリティイベントを返すハンドラを返す。
func (s *Server) handleListSecurityEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit が不正です"})
			return
		}

		events, err := s.auditStore.ListSecurityEvents(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("セキュリティイベント取得エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セキュリティイベントの取得に失敗しました"})
			return
		}
		if events == nil {
			events = []audit.SecurityEvent{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// handleThirdPartyForward はゲートウェイを通過したリクエストを上流APIへ転送するハンドラを返す。
// 上流のステータスコードとボディはそのまま返す。
func (s *Server) handleThirdPartyForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.upstream == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "上流サービスが設定されていません"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み取りに失敗しました"})
			return
		}

		ctx := c.Request.Context()
		if v, ok := thirdparty.ValidationFromContext(ctx); ok {
			ctx = httpclient.WithClientID(ctx, v.ClientID)
		}

		resp, err := s.upstream.Forward(ctx, httpclient.ForwardRequest{
			Method:   c.Request.Method,
			Path:     c.Param("path"),
			RawQuery: c.Request.URL.RawQuery,
			Header:   c.Request.Header,
			Body:     body,
		})
		if err != nil {
			s.logger.Error("上流サービスとの通信に失敗", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "上流サービスとの通信に失敗しました"})
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(resp.StatusCode, contentType, resp.Body)
	}
}
