// Package fixedwindow implements the Fixed Window rate-limit strategy
// a single counter bucketed by wall-clock window start.
package fixedwindow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omd02/ratelimit/limit"
	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
	"github.com/omd02/ratelimit/strategy"
)

// Strategy admits/denies using a single counter per window, self-segregating
// by encoding the window's start epoch into the storage key.
type Strategy struct {
	store    storage.Counter
	log      *zap.SugaredLogger
	recorder *metrics.Recorder
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithLogger attaches a logger; nil is treated as a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Strategy) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a Recorder; nil disables instrumentation.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Strategy) { s.recorder = r }
}

// New constructs a Strategy bound to store. It returns
// storage.ErrCapabilityMismatch if store does not implement storage.Counter.
func New(store any, opts ...Option) (*Strategy, error) {
	counter, ok := store.(storage.Counter)
	if !ok {
		return nil, fmt.Errorf("fixedwindow: %w", storage.ErrCapabilityMismatch)
	}
	s := &Strategy{store: counter, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func windowStart(now time.Time, windowSeconds int64) int64 {
	nowSec := now.Unix()
	return (nowSec / windowSeconds) * windowSeconds
}

func (s *Strategy) key(l limit.Limit, now time.Time, identity ...string) (string, int64) {
	ws := windowStart(now, l.WindowSeconds())
	return fmt.Sprintf("%s%s%d", l.Key(identity...), "\x1f", ws), ws
}

// Hit admits iff the post-increment counter is ≤ l.Amount. Over-increment
// beyond Amount is tolerated: the extra hit is counted but reported denied,
// and subsequent hits in the same window stay denied because the counter
// remains above Amount (avoids a decrement round-trip that would
// reintroduce a race).
func (s *Strategy) Hit(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key, _ := s.key(l, time.Now(), identity...)
	v, err := s.store.Incr(ctx, key, time.Duration(l.ExpirySeconds())*time.Second, 1, false)
	if err != nil {
		s.log.Warnw("fixedwindow: hit failed, treating as denied", "key", key, "error", err)
		s.recorder.ObserveHit("fixedwindow", false, err)
		return false, fmt.Errorf("fixedwindow: %w", err)
	}
	admitted := v <= l.Amount
	s.log.Debugw("fixedwindow: hit", "key", key, "count", v, "amount", l.Amount, "admitted", admitted)
	s.recorder.ObserveHit("fixedwindow", admitted, nil)
	s.recorder.ObserveRemaining("fixedwindow", max0(l.Amount-v))
	return admitted, nil
}

// Test reports count < l.Amount without mutating state.
func (s *Strategy) Test(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key, _ := s.key(l, time.Now(), identity...)
	v, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("fixedwindow: %w", err)
	}
	return v < l.Amount, nil
}

// GetWindowStats returns remaining = max(0, amount - count) and
// reset_time = window_start + window_seconds.
func (s *Strategy) GetWindowStats(ctx context.Context, l limit.Limit, identity ...string) (strategy.WindowStats, error) {
	now := time.Now()
	key, ws := s.key(l, now, identity...)
	v, err := s.store.Get(ctx, key)
	if err != nil {
		return strategy.WindowStats{}, fmt.Errorf("fixedwindow: %w", err)
	}
	return strategy.WindowStats{
		Remaining: max0(l.Amount - v),
		ResetTime: time.Unix(ws+l.WindowSeconds(), 0),
	}, nil
}

// Clear deletes the current window's counter for l and identity.
func (s *Strategy) Clear(ctx context.Context, l limit.Limit, identity ...string) error {
	key, _ := s.key(l, time.Now(), identity...)
	if err := s.store.Clear(ctx, key); err != nil {
		return fmt.Errorf("fixedwindow: %w", err)
	}
	return nil
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

var _ strategy.Strategy = (*Strategy)(nil)
