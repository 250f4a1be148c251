// Package health repurposes the pkg/adaptive/monitor.go + pkg/health
// adapter pattern. That pattern polled an external Prometheus server for
// CPU/latency/error-rate and used the result to throttle its own outbound
// call rate. There is no outbound call rate here to throttle, so the
// adapter is pointed inward instead: a Source issues a cheap probe
// operation against one storage backend and reports how long it took and
// whether it failed, and a Monitor polls every configured Source on an
// interval, logs a warning and flips a gauge when a backend looks
// unhealthy.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omd02/ratelimit/metrics"
)

// Sample is a single health observation for one backend.
type Sample struct {
	Backend   string
	Latency   time.Duration
	ErrorRate float64
}

// Source is the adapter interface every backend health probe implements,
// carried over from pkg/health's HealthSource/FetchMetrics shape.
type Source interface {
	FetchMetrics(ctx context.Context) (Sample, error)
}

// Prober is the narrowest capability a storage backend needs to support a
// health probe: any cheap, side-effect-free round trip. storage.Counter's
// Get satisfies this for every backend in this module.
type Prober interface {
	Get(ctx context.Context, key string) (int64, error)
}

// ProbeSource is a Source backed by a Prober, sampling round-trip latency
// and maintaining a rolling error rate over the last windowSize probes.
type ProbeSource struct {
	backend string
	prober  Prober
	key     string

	mu      sync.Mutex
	results []bool // true = success, ring buffer of the last len(results) probes
	next    int
	filled  bool
	window  int
}

// NewProbeSource builds a ProbeSource that probes key (any key is fine;
// Get on a missing key is still a valid, cheap round trip) against prober,
// keeping an error-rate window of windowSize probes.
func NewProbeSource(backend string, prober Prober, key string, windowSize int) *ProbeSource {
	if windowSize < 1 {
		windowSize = 1
	}
	return &ProbeSource{
		backend: backend,
		prober:  prober,
		key:     key,
		results: make([]bool, windowSize),
		window:  windowSize,
	}
}

// FetchMetrics implements Source.
func (p *ProbeSource) FetchMetrics(ctx context.Context) (Sample, error) {
	start := time.Now()
	_, err := p.prober.Get(ctx, p.key)
	latency := time.Since(start)

	p.record(err == nil)

	return Sample{
		Backend:   p.backend,
		Latency:   latency,
		ErrorRate: p.errorRate(),
	}, err
}

func (p *ProbeSource) record(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[p.next] = success
	p.next = (p.next + 1) % p.window
	if p.next == 0 {
		p.filled = true
	}
}

func (p *ProbeSource) errorRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.window
	if !p.filled {
		n = p.next
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !p.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// Thresholds bounds what FetchMetrics can return before a backend is
// considered degraded.
type Thresholds struct {
	MaxLatency   time.Duration
	MaxErrorRate float64
}

// degraded reports whether s exceeds t.
func (t Thresholds) degraded(s Sample) bool {
	return s.Latency > t.MaxLatency || s.ErrorRate > t.MaxErrorRate
}

// DefaultThresholds matches pkg/adaptive/monitor.go's calculateFactor SLO
// targets (500ms P95 latency, 1% error rate), repointed at a single
// storage round trip instead of an aggregate HTTP service.
var DefaultThresholds = Thresholds{
	MaxLatency:   500 * time.Millisecond,
	MaxErrorRate: 0.01,
}

// Monitor polls a set of named Sources on an interval and reports
// degradation through logging and metrics, the same run loop shape as
// pkg/adaptive/monitor.go's Monitor.StartMonitoring, made
// context-cancellable.
type Monitor struct {
	sources    map[string]Source
	thresholds Thresholds
	interval   time.Duration
	log        *zap.SugaredLogger
	recorder   *metrics.Recorder
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger attaches a logger; nil is treated as a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics attaches a Recorder; nil disables instrumentation.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// NewMonitor builds a Monitor over the given backend-name-to-Source map,
// polling every interval.
func NewMonitor(sources map[string]Source, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		sources:    sources,
		thresholds: DefaultThresholds,
		interval:   interval,
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls every source once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.log.Info("backend health monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info("backend health monitor stopped")
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	for backend, source := range m.sources {
		sample, err := source.FetchMetrics(ctx)
		if err != nil {
			m.log.Warnw("backend health probe failed", "backend", backend, "error", err)
			m.recorder.ObserveBackendHealth(backend, sample.Latency, true)
			continue
		}

		degraded := m.thresholds.degraded(sample)
		if degraded {
			m.log.Warnw("backend looks degraded",
				"backend", backend,
				"latency", sample.Latency,
				"error_rate", sample.ErrorRate,
			)
		}
		m.recorder.ObserveBackendHealth(backend, sample.Latency, degraded)
	}
}
