// Package movingwindow implements the Moving Window rate-limit strategy
// admission against a timestamped log of hits within the last
// window-length.
package movingwindow

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

// Strategy admits/denies using a pruned, timestamped entry log with no
// window-suffixed key — the log itself spans arbitrary times.
type Strategy struct {
	store    storage.MovingWindow
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
// storage.ErrCapabilityMismatch if store does not implement
// storage.MovingWindow.
func New(store any, opts ...Option) (*Strategy, error) {
	mw, ok := store.(storage.MovingWindow)
	if !ok {
		return nil, fmt.Errorf("movingwindow: %w", storage.ErrCapabilityMismatch)
	}
	s := &Strategy{store: mw, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Hit calls AcquireEntry and returns whether the entry was admitted.
func (s *Strategy) Hit(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key := l.Key(identity...)
	now := time.Now()
	acquired, _, err := s.store.AcquireEntry(ctx, key, l.Amount, time.Duration(l.WindowSeconds())*time.Second, now)
	if err != nil {
		s.log.Warnw("movingwindow: hit failed, treating as denied", "key", key, "error", err)
		s.recorder.ObserveHit("movingwindow", false, err)
		return false, fmt.Errorf("movingwindow: %w", err)
	}
	s.log.Debugw("movingwindow: hit", "key", key, "admitted", acquired)
	s.recorder.ObserveHit("movingwindow", acquired, nil)
	return acquired, nil
}

// Test reports count < l.Amount. Racy with concurrent hits, by design (spec
// §4.D).
func (s *Strategy) Test(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key := l.Key(identity...)
	count, _, err := s.store.GetMovingWindow(ctx, key, time.Duration(l.WindowSeconds())*time.Second, time.Now())
	if err != nil {
		return false, fmt.Errorf("movingwindow: %w", err)
	}
	return count < l.Amount, nil
}

// GetWindowStats returns remaining = max(0, amount - count) and reset_time =
// oldest + window_seconds, or now if the window is already empty.
func (s *Strategy) GetWindowStats(ctx context.Context, l limit.Limit, identity ...string) (strategy.WindowStats, error) {
	key := l.Key(identity...)
	now := time.Now()
	count, oldest, err := s.store.GetMovingWindow(ctx, key, time.Duration(l.WindowSeconds())*time.Second, now)
	if err != nil {
		return strategy.WindowStats{}, fmt.Errorf("movingwindow: %w", err)
	}
	remaining := l.Amount - count
	if remaining < 0 {
		remaining = 0
	}
	resetTime := now
	if count > 0 {
		resetTime = oldest.Add(time.Duration(l.WindowSeconds()) * time.Second)
	}
	s.recorder.ObserveRemaining("movingwindow", remaining)
	return strategy.WindowStats{Remaining: remaining, ResetTime: resetTime}, nil
}

// Clear deletes the entry log for l and identity.
func (s *Strategy) Clear(ctx context.Context, l limit.Limit, identity ...string) error {
	if err := s.store.Clear(ctx, l.Key(identity...)); err != nil {
		return fmt.Errorf("movingwindow: %w", err)
	}
	return nil
}

var _ strategy.Strategy = (*Strategy)(nil)
