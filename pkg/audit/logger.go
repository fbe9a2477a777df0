package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Logger は監査レコードを永続化する。Recordは呼び出し元にエラーを返さない。
// 書き込み失敗はログとメトリクス（二次アラート）にのみ現れる。
type Logger struct {
	store    Store
	logger   *zap.Logger
	failures *prometheus.CounterVec
	now      func() time.Time
}

// LoggerOption はLoggerの設定を変更する関数。
type LoggerOption func(*Logger)

// WithZapLogger は書き込み失敗の出力先ロガーを設定する。
func WithZapLogger(l *zap.Logger) LoggerOption {
	return func(lg *Logger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithRegisterer は書き込み失敗カウンタの登録先を設定する。
func WithRegisterer(reg prometheus.Registerer) LoggerOption {
	return func(lg *Logger) {
		if reg != nil {
			_ = reg.Register(lg.failures)
		}
	}
}

// NewLogger は新しい監査ロガーを生成する。
func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{
		store:  store,
		logger: zap.NewNop(),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Total number of audit entries that could not be persisted",
			},
			[]string{"kind"},
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record は監査レコードを永続化する。IDが空の場合は採番する。
// 永続化に失敗しても（パニックを含め）呼び出し元には伝播しない。
func (l *Logger) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	l.guard("record", rec.ID, func() error {
		return l.store.AppendRecord(ctx, rec)
	}, zap.String("client_id", rec.ClientID), zap.String("outcome", string(rec.Outcome)))
}

// RecordSecurityEvent はセキュリティイベントを永続化する。
func (l *Logger) RecordSecurityEvent(ctx context.Context, ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now()
	}
	l.guard("security_event", ev.ID, func() error {
		return l.store.AppendSecurityEvent(ctx, ev)
	}, zap.String("category", string(ev.Category)), zap.String("risk_level", string(ev.RiskLevel)))
}

func (l *Logger) guard(kind, id string, write func() error, fields ...zap.Field) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return write()
	}()
	if err == nil {
		return
	}

	l.failures.WithLabelValues(kind).Inc()
	l.logger.Error("監査ログの書き込みに失敗",
		append(fields, zap.String("kind", kind), zap.String("id", id), zap.Error(err))...,
	)
}
