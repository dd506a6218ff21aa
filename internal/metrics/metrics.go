package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RelayTurns        *prometheus.CounterVec
	ProviderRequests  *prometheus.CounterVec
	ProviderLatency   prometheus.Histogram
	RateLimitDenied   prometheus.Counter
	RateLimitFailOpen prometheus.Counter
	CSRFRejected      prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.RelayTurns,
			global.ProviderRequests,
			global.ProviderLatency,
			global.RateLimitDenied,
			global.RateLimitFailOpen,
			global.CSRFRejected,
		)
	})
	return global
}

// New returns an unregistered set, for tests and for callers with their own registry.
func New() *Metrics {
	return &Metrics{
		RelayTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "relay_turns_total",
			Help:      "Chat turns handled by the relay, by outcome",
		}, []string{"outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "provider_requests_total",
			Help:      "Provider calls, by result kind",
		}, []string{"result"}),
		ProviderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "provider_request_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "rate_limit_denied_total",
			Help:      "Turns rejected by the hourly rate limit",
		}),
		RateLimitFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "rate_limit_fail_open_total",
			Help:      "Rate limit checks resolved by policy because the turn count was unavailable",
		}),
		CSRFRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "csrf_rejected_total",
			Help:      "Requests rejected for a missing or wrong anti-forgery token",
		}),
	}
}
