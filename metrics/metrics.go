// Package metrics instruments strategy admission decisions and storage
// round-trips with Prometheus collectors, using prometheus/client_golang
// as an instrumentation client rather than a query client, since the core
// emits metrics rather than reading them back from a server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records strategy and storage observations. The zero value is not
// usable; construct with NewRecorder. A nil *Recorder is safe to call every
// method on (it no-ops), so instrumentation is always optional.
type Recorder struct {
	hits            *prometheus.CounterVec
	remaining       *prometheus.GaugeVec
	backendLatency  *prometheus.HistogramVec
	healthLatencyMs *prometheus.GaugeVec
	healthDegraded  *prometheus.GaugeVec
}

// NewRecorder creates a Recorder and registers its collectors with reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "hits_total",
			Help:      "Total Hit() calls by strategy and outcome (admitted|denied|error).",
		}, []string{"strategy", "outcome"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratelimit",
			Name:      "remaining",
			Help:      "Most recently observed remaining quota by strategy.",
		}, []string{"strategy"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimit",
			Name:      "backend_round_trip_seconds",
			Help:      "Round-trip latency of storage capability calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		healthLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratelimit",
			Name:      "backend_health_latency_ms",
			Help:      "Most recent health-probe latency by backend, in milliseconds.",
		}, []string{"backend"}),
		healthDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratelimit",
			Name:      "backend_health_degraded",
			Help:      "1 if the backend's latest health probe exceeded its configured thresholds, else 0.",
		}, []string{"backend"}),
	}
	reg.MustRegister(r.hits, r.remaining, r.backendLatency, r.healthLatencyMs, r.healthDegraded)
	return r
}

// ObserveHit records the outcome of a Hit call.
func (r *Recorder) ObserveHit(strategy string, admitted bool, err error) {
	if r == nil {
		return
	}
	outcome := "denied"
	switch {
	case err != nil:
		outcome = "error"
	case admitted:
		outcome = "admitted"
	}
	r.hits.WithLabelValues(strategy, outcome).Inc()
}

// ObserveRemaining records the most recently computed remaining quota.
func (r *Recorder) ObserveRemaining(strategy string, remaining int64) {
	if r == nil {
		return
	}
	r.remaining.WithLabelValues(strategy).Set(float64(remaining))
}

// ObserveBackendCall records how long a storage capability call took.
func (r *Recorder) ObserveBackendCall(backend, op string, d time.Duration) {
	if r == nil {
		return
	}
	r.backendLatency.WithLabelValues(backend, op).Observe(d.Seconds())
}

// ObserveBackendHealth records the outcome of a health.Monitor probe.
func (r *Recorder) ObserveBackendHealth(backend string, latency time.Duration, degraded bool) {
	if r == nil {
		return
	}
	r.healthLatencyMs.WithLabelValues(backend).Set(float64(latency.Milliseconds()))
	d := 0.0
	if degraded {
		d = 1.0
	}
	r.healthDegraded.WithLabelValues(backend).Set(d)
}
