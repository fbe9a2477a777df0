package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/portal/db"
	"github.com/nao1215/portal/internal/thirdparty"
	"github.com/nao1215/portal/pkg/audit"
	"github.com/nao1215/portal/pkg/config"
	"github.com/nao1215/portal/pkg/database"
	"github.com/nao1215/portal/pkg/httpclient"
	"github.com/nao1215/portal/pkg/middleware"
	"github.com/nao1215/portal/pkg/migration"
)

const (
	// pruneInterval はレート制限カウンタを掃除する間隔。
	pruneInterval = 10 * time.Minute
	// pruneMaxIdle はカウンタを破棄するまでの時間。登録されるウィンドウより長くする。
	pruneMaxIdle = 24 * time.Hour
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 10 * time.Second
	// redisPingTimeout は起動時のRedis疎通確認のタイムアウト。
	redisPingTimeout = 3 * time.Second
)

// Server はポータルのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg *config.Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// db はPrimary/Secondaryのデータソース。
	db *database.Manager
	// ownsDB はCloseでdbを閉じるかどうか。
	ownsDB bool
	// redis はレート制限状態の共有先。未設定ならnil。
	redis *redis.Client
	// registry は /metrics で公開するメトリクスの登録先。
	registry *prometheus.Registry
	// users はファーストパーティユーザーのストア。
	users *userStore
	// clients はクライアントの登録先。
	clients *thirdparty.SQLDirectory
	// directory はゲートウェイが参照するキャッシュ付きディレクトリ。
	directory *thirdparty.CachedDirectory
	// memoryLimiter はプロセス内のレート制限カウンタ。Redis使用時はフォールバック。
	memoryLimiter *thirdparty.MemoryLimiter
	// auditStore は監査証跡の参照先。
	auditStore audit.Store
	// auditLogger は監査レコードとセキュリティイベントの記録先。
	auditLogger *audit.Logger
	// gateway はサードパーティゲートウェイ。
	gateway *thirdparty.Gateway
	// upstream は保護対象APIへの転送クライアント。未設定ならnil。
	upstream *httpclient.Client
}

// NewServer は設定からサーバーを生成する。データソースを開き、マイグレーションを適用する。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m, err := database.Open(ctx, cfg.Database.PrimaryDSN, cfg.Database.SecondaryDSN)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, m, logger); err != nil {
		_ = m.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// 起動後に復旧すればRedisを使う。それまではプロセス内で判定する
			logger.Warn("Redisに接続できません", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	s := newServer(cfg, logger, m, rdb)
	s.ownsDB = true
	return s, nil
}

// migrate はすべての一意なデータソースにマイグレーションを適用する。
func migrate(ctx context.Context, m *database.Manager, logger *zap.Logger) error {
	for _, conn := range m.Sources() {
		if err := migration.Run(ctx, conn, db.Migrations, db.MigrationsDir, logger); err != nil {
			return fmt.Errorf("マイグレーションに失敗: %w", err)
		}
	}
	return nil
}

// newServer は生成済みの接続から部品を組み立てる。rdbがnilならプロセス内でレート制限する。
func newServer(cfg *config.Config, logger *zap.Logger, m *database.Manager, rdb *redis.Client) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := thirdparty.NewMetrics(registry)

	auditStore := audit.NewSQLiteStore(m)
	auditLogger := audit.NewLogger(auditStore,
		audit.WithZapLogger(logger.Named("audit")),
		audit.WithRegisterer(registry),
	)

	clients := thirdparty.NewSQLDirectory(m)
	directory := thirdparty.NewCachedDirectory(clients, cfg.ThirdParty.DirectoryCacheSize, cfg.ThirdParty.DirectoryCacheTTL)

	limiterLogger := logger.Named("ratelimit")
	memoryLimiter := thirdparty.NewMemoryLimiter(directory, thirdparty.WithLimiterLogger(limiterLogger))
	var limiter thirdparty.RateLimiter = memoryLimiter
	if rdb != nil {
		limiter = thirdparty.NewRedisLimiter(rdb, directory, thirdparty.RedisLimiterConfig{
			Prefix:   cfg.Redis.Prefix,
			Fallback: memoryLimiter,
			Metrics:  metrics,
			Logger:   limiterLogger,
		})
	}

	gw := thirdparty.New(cfg.ThirdParty.PathPrefix,
		thirdparty.NewValidator(directory, logger.Named("validator")),
		limiter,
		thirdparty.NewAuthorizer(directory, logger.Named("authorizer")),
		auditLogger,
		thirdparty.WithLogger(logger.Named("thirdparty")),
		thirdparty.WithMetrics(metrics),
	)

	var upstream *httpclient.Client
	if cfg.ThirdParty.UpstreamURL != "" {
		upstream = httpclient.New(cfg.ThirdParty.UpstreamURL)
	}

	router := gin.New()
	// 接頭辞そのものへのリクエストもゲートウェイで監査するため、リダイレクトしない
	router.RedirectTrailingSlash = false
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AccessLog(logger.Named("access")))
	// 接頭辞配下はプリフライトも含めてすべてゲートウェイで検査・監査する
	router.Use(gw.Handler())
	router.Use(unlessCovered(gw, middleware.CORS([]string{cfg.FrontendURL})))

	s := &Server{
		router:        router,
		cfg:           cfg,
		logger:        logger,
		db:            m,
		redis:         rdb,
		registry:      registry,
		users:         &userStore{db: m},
		clients:       clients,
		directory:     directory,
		memoryLimiter: memoryLimiter,
		auditStore:    auditStore,
		auditLogger:   auditLogger,
		gateway:       gw,
		upstream:      upstream,
	}
	s.setupRoutes()
	return s
}

// unlessCovered はゲートウェイの接頭辞配下ではnextを実行しないミドルウェアを返す。
func unlessCovered(gw *thirdparty.Gateway, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gw.Covers(c.Request.URL.Path) {
			c.Next()
			return
		}
		next(c)
	}
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("HTTPサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// pruneLoop は使われなくなったレート制限カウンタを定期的に破棄する。
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.memoryLimiter.Prune(pruneMaxIdle); n > 0 {
				s.logger.Debug("レート制限カウンタを破棄", zap.Int("count", n))
			}
		}
	}
}

// Close はサーバーが保持する接続を閉じる。
func (s *Server) Close() error {
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Redis接続のクローズに失敗: %w", err))
		}
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("データベースのクローズに失敗: %w", err))
		}
	}
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.ResolvePrincipal(middleware.NewJWTValidator(s.cfg.JWTSecret), s.auditLogger))
	{
		api.GET("/me", s.handleGetCurrentUser())
		api.POST("/clients", s.requirePrincipal(), s.handleRegisterClient())
		api.GET("/audit-records", s.requirePrincipal(), s.handleListAuditRecords())
		api.GET("/security-events", s.requirePrincipal(), s.handleListSecurityEvents())
	}

	// ゲートウェイを通過したリクエストのみ到達する
	s.router.Any(s.gateway.Prefix()+"/*path", s.handleThirdPartyForward())

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "portal"})
	})
}
