// Package metrics exposes the SLM's counters and gauges over Prometheus,
// in the idiom used by chidi150c-coinbase's metrics.go: a small set of
// package-level CounterVec/GaugeVec registered against a dedicated
// registry and served via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the SLM's metrics so callers don't reach for the global
// default registry (keeping the SLM embeddable in a larger process).
type Registry struct {
	reg *prometheus.Registry

	UpdatesApplied   *prometheus.CounterVec
	UpdatesFailed    *prometheus.CounterVec
	VerifyMismatch   prometheus.Counter
	RelaxedAccepted  prometheus.Counter
	LockContention   prometheus.Counter
	RateLimitDenied  prometheus.Counter
	WorkerIterationSeconds prometheus.Histogram
}

// New registers and returns a fresh metrics registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		UpdatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slm_updates_applied_total",
			Help: "Stop-loss updates successfully applied and verified, by reason.",
		}, []string{"reason"}),
		UpdatesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slm_updates_failed_total",
			Help: "Stop-loss updates that failed after exhausting retries, by reason.",
		}, []string{"reason"}),
		VerifyMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slm_verify_price_mismatch_total",
			Help: "Apply-and-verify passes where the broker-reported SL did not match the target.",
		}),
		RelaxedAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slm_verify_relaxed_accepted_total",
			Help: "Apply-and-verify passes accepted under the relaxed effective-USD tolerance.",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slm_lock_contention_total",
			Help: "Times a ticket lock acquire had to wait for another holder.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slm_rate_limit_denied_total",
			Help: "Broker calls denied by the global rate limiter's sliding window.",
		}),
		WorkerIterationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slm_worker_iteration_seconds",
			Help:    "Duration of each worker-loop scan iteration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.UpdatesApplied,
		r.UpdatesFailed,
		r.VerifyMismatch,
		r.RelaxedAccepted,
		r.LockContention,
		r.RateLimitDenied,
		r.WorkerIterationSeconds,
	)
	return r
}

// Handler returns the HTTP handler to serve this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
