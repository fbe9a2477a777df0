package thirdparty

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// checkAndConsumeScript はカウンタが上限未満のときだけINCRする。
// 最初のINCRでウィンドウ長のPEXPIREを設定するため、ウィンドウは最初に許可した時刻から始まる。
// KEYS[1] = key
// ARGV[1] = capacity
// ARGV[2] = window (ms)
var checkAndConsumeScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return 0
	end
	current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
`)

// RedisLimiterConfig はRedisLimiterの設定。
type RedisLimiterConfig struct {
	// Prefix はカウンタのキー接頭辞。
	Prefix string
	// Fallback はRedisが使えない間に判定を行うプロセス内リミッタ。nilなら生成する。
	Fallback *MemoryLimiter
	// FailureThreshold はサーキットを開く連続失敗回数。
	FailureThreshold uint32
	// OpenTimeout はサーキットが開いている時間。
	OpenTimeout time.Duration
	// Metrics はフォールバック回数の記録先。
	Metrics *Metrics
	// Logger はロガー。
	Logger *zap.Logger
}

// RedisLimiter はRedisでカウンタを共有する固定ウィンドウ方式のRateLimiter。
// 複数のゲートウェイプロセスで同じ上限を共有できる。
// Redisのエラーが続くとサーキットブレーカーが開き、Fallbackで判定する。
type RedisLimiter struct {
	client   redis.UniversalClient
	dir      ClientDirectory
	prefix   string
	fallback *MemoryLimiter
	breaker  *gobreaker.CircuitBreaker
	metrics  *Metrics
	logger   *zap.Logger
}

var _ RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter は新しいRedisLimiterを生成する。
func NewRedisLimiter(client redis.UniversalClient, dir ClientDirectory, cfg RedisLimiterConfig) *RedisLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "portal:ratelimit:"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.Fallback == nil {
		cfg.Fallback = NewMemoryLimiter(dir, WithLimiterLogger(logger))
	}

	threshold := cfg.FailureThreshold
	l := &RedisLimiter{
		client:   client,
		dir:      dir,
		prefix:   cfg.Prefix,
		fallback: cfg.Fallback,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 呼び出し元の切断やタイムアウトはRedisの障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return l
}

// CheckAndConsume はRedis上のカウンタで1件分の枠を消費する。
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, clientID string) bool {
	policy, ok := lookupPolicy(ctx, l.dir, clientID, l.logger)
	if !ok {
		return false
	}
	if policy.Unlimited() {
		return true
	}

	res, err := l.breaker.Execute(func() (interface{}, error) {
		return checkAndConsumeScript.Run(ctx, l.client,
			[]string{l.prefix + clientID},
			policy.Capacity, max(policy.Window.Milliseconds(), 1),
		).Int()
	})
	if err != nil {
		l.metrics.incFallback()
		l.logger.Warn("Redisでのレート制限判定に失敗、プロセス内で判定",
			zap.String("client_id", clientID), zap.Error(err))
		return l.fallback.consume(clientID, policy)
	}
	return res.(int) == 1
}

// State はサーキットブレーカーの状態を返す。
func (l *RedisLimiter) State() gobreaker.State {
	return l.breaker.State()
}
