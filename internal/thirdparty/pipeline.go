package thirdparty

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/portal/pkg/audit"
)

const (
	// HeaderClientID はクライアントIDを渡すリクエストヘッダー。
	HeaderClientID = "X-Client-ID"
	// HeaderSecurityKey はセキュリティキーを渡すリクエストヘッダー。
	HeaderSecurityKey = "X-Security-Key"
)

// AuditRecorder は監査レコードの記録先。Recordはエラーを返さない。
type AuditRecorder interface {
	Record(ctx context.Context, rec audit.Record)
}

// Gateway は保護対象の接頭辞配下のリクエストを検査するパイプライン。
type Gateway struct {
	prefix     string
	validator  CredentialValidator
	limiter    RateLimiter
	authorizer EndpointAuthorizer
	recorder   AuditRecorder
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option はGatewayの設定を変更する。
type Option func(*Gateway)

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithClock は時刻の取得方法を差し替える。経過時間の計測にも使う。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New は新しいGatewayを生成する。prefixの末尾の "/" や "/*" は取り除く。
func New(
	prefix string,
	validator CredentialValidator,
	limiter RateLimiter,
	authorizer EndpointAuthorizer,
	recorder AuditRecorder,
	opts ...Option,
) *Gateway {
	prefix = strings.TrimSuffix(prefix, "*")
	for len(prefix) > 1 && strings.HasSuffix(prefix, "/") {
		prefix = strings.TrimSuffix(prefix, "/")
	}

	g := &Gateway{
		prefix:     prefix,
		validator:  validator,
		limiter:    limiter,
		authorizer: authorizer,
		recorder:   recorder,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prefix は保護対象の接頭辞を返す。
func (g *Gateway) Prefix() string {
	return g.prefix
}

// Covers はパスがゲートウェイの保護対象かどうかを返す。
func (g *Gateway) Covers(p string) bool {
	return p == g.prefix || strings.HasPrefix(p, g.prefix+"/")
}

// Handler はゲートウェイのGinミドルウェアを返す。
// 保護対象外のパスは何もせずに後続へ渡す。
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Covers(c.Request.URL.Path) {
			c.Next()
			return
		}
		g.serve(c)
	}
}

// state はパイプラインの状態。
type state int

const (
	stateStart state = iota
	stateCredentialsPresent
	stateValidated
	stateRateLimitOK
	stateEndpointAllowed
	stateForwarded
	stateCompleted
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "Start"
	case stateCredentialsPresent:
		return "CredentialsPresent"
	case stateValidated:
		return "Validated"
	case stateRateLimitOK:
		return "RateLimitOk"
	case stateEndpointAllowed:
		return "EndpointAllowed"
	case stateForwarded:
		return "Forwarded"
	case stateCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// exchange は1リクエスト分のパイプラインの状態を保持する。
type exchange struct {
	c         *gin.Context
	started   time.Time
	clientID  string
	key       string
	rejection Rejection
	rec       audit.Record
	// respond は監査レコードの記録後に呼び出し元へ応答を書き出す。
	respond func()
}

func (g *Gateway) serve(c *gin.Context) {
	started := g.now()
	ex := &exchange{
		c:       c,
		started: started,
		rec: audit.Record{
			ClientID:         audit.UnknownClientID,
			ClientName:       audit.UnknownClientName,
			Endpoint:         c.Request.URL.Path,
			Method:           c.Request.Method,
			CallerAddress:    c.ClientIP(),
			RequestTimestamp: started,
		},
	}

	for st := stateStart; st != stateCompleted; {
		next := g.step(st, ex)
		g.logger.Debug("ゲートウェイの状態遷移", zap.Stringer("from", st), zap.Stringer("to", next))
		st = next
	}
	g.complete(ex)
}

// step は1つの状態を処理し、次の状態を返す。拒否した場合は stateCompleted を返す。
func (g *Gateway) step(st state, ex *exchange) state {
	c := ex.c
	switch st {
	case stateStart:
		body, err := ReadRequestBody(c.Request)
		if err != nil {
			g.logger.Warn("リクエストボディの読み込みに失敗", zap.String("path", ex.rec.Endpoint), zap.Error(err))
		}
		ex.rec.RequestPayload = body

		ex.clientID = c.GetHeader(HeaderClientID)
		ex.key = c.GetHeader(HeaderSecurityKey)
		if ex.clientID == "" || ex.key == "" {
			return g.reject(ex, MissingCredentials)
		}
		return stateCredentialsPresent

	case stateCredentialsPresent:
		outcome := g.validator.Validate(c.Request.Context(), ex.clientID, ex.key, ex.rec.CallerAddress)
		if outcome.ClientID != "" {
			ex.rec.ClientID = outcome.ClientID
			ex.rec.ClientName = outcome.ClientName
		}
		if !outcome.IsValid {
			return g.reject(ex, InvalidCredentials)
		}
		setValidation(c, outcome)
		return stateValidated

	case stateValidated:
		if !g.limiter.CheckAndConsume(c.Request.Context(), ex.rec.ClientID) {
			return g.reject(ex, RateLimited)
		}
		return stateRateLimitOK

	case stateRateLimitOK:
		if !g.authorizer.IsAllowed(c.Request.Context(), ex.rec.ClientID, ex.rec.Endpoint) {
			return g.reject(ex, EndpointForbidden)
		}
		return stateEndpointAllowed

	case stateEndpointAllowed:
		g.forward(ex)
		return stateForwarded

	default:
		return stateCompleted
	}
}

// reject は拒否理由を監査レコードに反映し、応答を用意する。
func (g *Gateway) reject(ex *exchange, r Rejection) state {
	ex.rejection = r
	msg := r.Message()

	ex.rec.StatusCode = r.StatusCode()
	ex.rec.Outcome = r.Outcome()
	ex.rec.Success = false
	ex.rec.ErrorMessage = &msg

	c := ex.c
	ex.respond = func() {
		c.AbortWithStatusJSON(r.StatusCode(), gin.H{"error": msg})
	}
	return stateCompleted
}

// forward はレスポンスをバッファに溜めながら後続のハンドラを実行する。
func (g *Gateway) forward(ex *exchange) {
	c := ex.c
	original := c.Writer
	capture := NewResponseCapture(original)
	c.Writer = capture

	recovered := runHandlers(c)
	c.Writer = original

	if recovered != nil {
		g.logger.Error("転送先ハンドラでパニックが発生",
			zap.String("client_id", ex.rec.ClientID),
			zap.String("path", ex.rec.Endpoint),
			zap.Any("panic", recovered),
		)
		c.Abort()
		g.reject(ex, DownstreamFailure)
		return
	}

	payload := capture.Captured()
	status := capture.Status()
	ex.rec.ResponsePayload = &payload
	ex.rec.StatusCode = status
	ex.rec.Success = status >= http.StatusOK && status < http.StatusBadRequest

	switch {
	case c.Request.Context().Err() != nil:
		msg := fmt.Sprintf("caller disconnected: %v", c.Request.Context().Err())
		ex.rec.Outcome = audit.OutcomeAborted
		ex.rec.Success = false
		ex.rec.ErrorMessage = &msg
	case ex.rec.Success:
		ex.rec.Outcome = audit.OutcomeSuccess
	default:
		msg := fmt.Sprintf("downstream responded with status %d", status)
		if len(c.Errors) > 0 {
			msg = c.Errors.Last().Error()
		}
		ex.rec.Outcome = audit.OutcomeFailed
		ex.rec.ErrorMessage = &msg
	}

	ex.respond = func() {
		if err := capture.Replay(); err != nil {
			g.logger.Debug("レスポンスの書き出しに失敗", zap.String("path", ex.rec.Endpoint), zap.Error(err))
		}
	}
}

// runHandlers は後続のハンドラを実行し、パニックした場合はその値を返す。
func runHandlers(c *gin.Context) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	c.Next()
	return nil
}

// complete は時刻を確定して監査レコードを1件記録し、呼び出し元へ応答する。
func (g *Gateway) complete(ex *exchange) {
	finished := g.now()
	if finished.Before(ex.started) {
		finished = ex.started
	}
	elapsed := finished.Sub(ex.started)

	ex.rec.ResponseTimestamp = finished
	ex.rec.DurationMs = elapsed.Milliseconds()

	g.recorder.Record(context.WithoutCancel(ex.c.Request.Context()), ex.rec)
	g.metrics.observeRequest(ex.rec.Outcome, elapsed.Seconds())

	if ex.rejection != NotRejected {
		g.logger.Info("ゲートウェイがリクエストを拒否",
			zap.String("client_id", ex.rec.ClientID),
			zap.String("path", ex.rec.Endpoint),
			zap.Stringer("reason", ex.rejection),
			zap.Int("status", ex.rec.StatusCode),
		)
	}
	if ex.respond != nil {
		ex.respond()
	}
}
