// Package metrics holds the Prometheus collectors shared by the revalidation
// control plane, the warming engine and the caching proxy.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revalidator"

type Metrics struct {
	// Labels: kind (manual, webhook, scheduled), result (success, partial, failed)
	RevalidationsTotal *prometheus.CounterVec
	// Labels: target_type (path, tag, selective, all)
	RevalidationDuration *prometheus.HistogramVec
	// Labels: op (path, tag, warm, system)
	TargetFailuresTotal *prometheus.CounterVec
	// Labels: class (manual, webhook, admin)
	RateLimitedTotal *prometheus.CounterVec
	// Labels: kind, priority, outcome (success, failure)
	WarmingProbesTotal *prometheus.CounterVec
	// Labels: kind
	WarmingProbeDuration *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
	// Labels: status (hit, miss, stale, bypass, refresh, ignore-by-status)
	CacheResponsesTotal *prometheus.CounterVec
}

// New registers every collector with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RevalidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revalidation",
			Name:      "requests_total",
			Help:      "Revalidation requests processed by kind and outcome",
		}, []string{"kind", "result"}),
		RevalidationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "revalidation",
			Name:      "duration_seconds",
			Help:      "Wall-clock time to process one revalidation request",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"target_type"}),
		TargetFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revalidation",
			Name:      "target_failures_total",
			Help:      "Failed target operations by operation type",
		}, []string{"op"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the rate limiter by request class",
		}, []string{"class"}),
		WarmingProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warming",
			Name:      "targets_total",
			Help:      "Warming target executions by kind, priority and outcome",
		}, []string{"kind", "priority", "outcome"}),
		WarmingProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "warming",
			Name:      "target_duration_seconds",
			Help:      "Time to warm one target including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Revalidation requests waiting in the async queue",
		}),
		CacheResponsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "responses_total",
			Help:      "Proxy responses by cache status",
		}, []string{"status"}),
	}
}

func (m *Metrics) ObserveRevalidation(kind, targetType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RevalidationsTotal.WithLabelValues(kind, result).Inc()
	m.RevalidationDuration.WithLabelValues(targetType).Observe(d.Seconds())
}

func (m *Metrics) TargetFailure(op string) {
	if m == nil {
		return
	}
	m.TargetFailuresTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveWarming(kind, priority string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.WarmingProbesTotal.WithLabelValues(kind, priority, outcome).Inc()
	m.WarmingProbeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) CacheResponse(status string) {
	if m == nil {
		return
	}
	m.CacheResponsesTotal.WithLabelValues(status).Inc()
}
