package thirdparty

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter はクライアントごとのリクエスト数を数え、許可するかどうかを返す。
// 拒否したリクエストはカウントしない。
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, clientID string) bool
}

// windowCounter は1クライアント分の固定ウィンドウのカウンタ。
type windowCounter struct {
	mu    sync.Mutex
	start time.Time
	count int
	// pruned はPruneでマップから外されたことを表す。
	pruned bool
}

// MemoryLimiter はプロセス内でカウンタを保持する固定ウィンドウ方式のRateLimiter。
// ウィンドウは最初に許可したリクエストの時刻から始まり、Window経過で切り替わる。
// ロックはクライアント単位で、他のクライアントとは競合しない。
type MemoryLimiter struct {
	dir      ClientDirectory
	counters sync.Map // map[string]*windowCounter
	now      func() time.Time
	logger   *zap.Logger
}

var _ RateLimiter = (*MemoryLimiter)(nil)

// LimiterOption はMemoryLimiterの設定を変更する。
type LimiterOption func(*MemoryLimiter)

// WithLimiterClock は現在時刻の取得方法を差し替える。
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// WithLimiterLogger はロガーを設定する。
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(l *MemoryLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewMemoryLimiter は新しいMemoryLimiterを生成する。ポリシーはdirから取得する。
func NewMemoryLimiter(dir ClientDirectory, opts ...LimiterOption) *MemoryLimiter {
	l := &MemoryLimiter{
		dir:    dir,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume はクライアントのポリシーに従って1件分の枠を消費する。
// ポリシーが取得できない場合は拒否する。
func (l *MemoryLimiter) CheckAndConsume(ctx context.Context, clientID string) bool {
	policy, ok := lookupPolicy(ctx, l.dir, clientID, l.logger)
	if !ok {
		return false
	}
	return l.consume(clientID, policy)
}

func (l *MemoryLimiter) consume(clientID string, policy RateLimitPolicy) bool {
	if policy.Unlimited() {
		return true
	}

	for {
		v, _ := l.counters.LoadOrStore(clientID, &windowCounter{})
		c := v.(*windowCounter)
		if allowed, ok := l.consumeCounter(c, policy); ok {
			return allowed
		}
	}
}

// consumeCounter はカウンタを1件進める。カウンタが破棄済みの場合はokがfalse。
func (l *MemoryLimiter) consumeCounter(c *windowCounter, policy RateLimitPolicy) (allowed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pruned {
		return false, false
	}
	now := l.now()
	if c.start.IsZero() || now.Sub(c.start) >= policy.Window {
		c.start = now
		c.count = 0
	}
	if c.count >= policy.Capacity {
		return false, true
	}
	c.count++
	return true, true
}

// Prune はウィンドウ開始から maxIdle 以上経過したカウンタを破棄し、破棄した数を返す。
// maxIdle は最も長いポリシーのWindow以上にすること。
func (l *MemoryLimiter) Prune(maxIdle time.Duration) int {
	now := l.now()
	removed := 0
	l.counters.Range(func(key, value any) bool {
		c := value.(*windowCounter)
		c.mu.Lock()
		defer c.mu.Unlock()
		if now.Sub(c.start) >= maxIdle {
			c.pruned = true
			l.counters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func lookupPolicy(ctx context.Context, dir ClientDirectory, clientID string, logger *zap.Logger) (RateLimitPolicy, bool) {
	ident, err := dir.Lookup(ctx, clientID)
	if err != nil {
		logger.Warn("レート制限ポリシーの取得に失敗", zap.String("client_id", clientID), zap.Error(err))
		return RateLimitPolicy{}, false
	}
	return ident.RateLimit, true
}
