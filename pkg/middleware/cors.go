package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// defaultCORSHeaders はブラウザからの送信を許可するリクエストヘッダー。
var defaultCORSHeaders = []string{"Authorization", "Content-Type", "X-Client-ID", "X-Security-Key"}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// allowedHeadersが空の場合はdefaultCORSHeadersを使用する。
func CORS(allowedOrigins []string, allowedHeaders ...string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "" {
			continue
		}
		originsSet[o] = struct{}{}
	}
	if len(allowedHeaders) == 0 {
		allowedHeaders = defaultCORSHeaders
	}
	headers := strings.Join(allowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
