package thirdparty

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/portal/pkg/audit"
)

// Metrics はゲートウェイのPrometheusメトリクス。
type Metrics struct {
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	ratelimitFallback prometheus.Counter
}

// NewMetrics はメトリクスを生成し、regがnilでなければ登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total number of third-party gateway requests by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "portal",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Duration of the whole gateway pipeline in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		ratelimitFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "portal",
				Subsystem: "gateway",
				Name:      "ratelimit_fallback_total",
				Help:      "Total number of rate limit decisions answered by the in-process limiter because Redis was unavailable",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.ratelimitFallback)
	}
	return m
}

func (m *Metrics) observeRequest(outcome audit.Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(outcome)).Inc()
	m.duration.WithLabelValues(string(outcome)).Observe(seconds)
}

func (m *Metrics) incFallback() {
	if m == nil {
		return
	}
	m.ratelimitFallback.Inc()
}
