// Package slidingwindowcounter implements the Sliding Window Counter
// rate-limit strategy: admission based on a weighted sum of the previous
// and current fixed-window counts. Generalizes the hardcoded
// token-bucket-adjacent weighted-usage arithmetic in
// pkg/static_limiter/limiter.go's Allow into a Limit-parameterized
// strategy.
package slidingwindowcounter

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/omd02/ratelimit/limit"
	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
	"github.com/omd02/ratelimit/strategy"
)

// Strategy admits/denies using the weighted usage of two adjacent
// fixed-window buckets.
type Strategy struct {
	store    storage.SlidingWindow
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
// storage.SlidingWindow.
func New(store any, opts ...Option) (*Strategy, error) {
	sw, ok := store.(storage.SlidingWindow)
	if !ok {
		return nil, fmt.Errorf("slidingwindowcounter: %w", storage.ErrCapabilityMismatch)
	}
	s := &Strategy{store: sw, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// weight computes (window_seconds - elapsed) / window_seconds for now within
// the fixed window starting at currentStart.
func weight(now, currentStart time.Time, windowSeconds int64) float64 {
	elapsed := now.Sub(currentStart).Seconds()
	return (float64(windowSeconds) - elapsed) / float64(windowSeconds)
}

func currentWindowStart(now time.Time, windowSeconds int64) time.Time {
	return time.Unix((now.Unix()/windowSeconds)*windowSeconds, 0)
}

// Hit admits iff U+1 ≤ l.Amount, where U is the weighted usage of the
// previous and current buckets; on admission the current bucket is
// incremented atomically by the storage layer.
func (s *Strategy) Hit(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key := l.Key(identity...)
	acquired, _, _, _, _, err := s.store.AcquireSlidingWindow(ctx, key, l.Amount, time.Duration(l.WindowSeconds())*time.Second, time.Now())
	if err != nil {
		s.log.Warnw("slidingwindowcounter: hit failed, treating as denied", "key", key, "error", err)
		s.recorder.ObserveHit("slidingwindowcounter", false, err)
		return false, fmt.Errorf("slidingwindowcounter: %w", err)
	}
	s.log.Debugw("slidingwindowcounter: hit", "key", key, "admitted", acquired)
	s.recorder.ObserveHit("slidingwindowcounter", acquired, nil)
	return acquired, nil
}

// Test reports U < l.Amount without mutating state.
func (s *Strategy) Test(ctx context.Context, l limit.Limit, identity ...string) (bool, error) {
	key := l.Key(identity...)
	now := time.Now()
	prev, _, cur, _, err := s.store.GetSlidingWindow(ctx, key, time.Duration(l.WindowSeconds())*time.Second, now)
	if err != nil {
		return false, fmt.Errorf("slidingwindowcounter: %w", err)
	}
	u := usage(prev, cur, now, l.WindowSeconds())
	return u < float64(l.Amount), nil
}

func usage(previousCount, currentCount int64, now time.Time, windowSeconds int64) float64 {
	cs := currentWindowStart(now, windowSeconds)
	w := weight(now, cs, windowSeconds)
	return float64(previousCount)*w + float64(currentCount)
}

// GetWindowStats returns remaining = max(0, floor(amount - U)) and a
// reset_time clamped to [now, current_start + window_seconds].
func (s *Strategy) GetWindowStats(ctx context.Context, l limit.Limit, identity ...string) (strategy.WindowStats, error) {
	key := l.Key(identity...)
	now := time.Now()
	windowSeconds := l.WindowSeconds()
	prev, _, cur, _, err := s.store.GetSlidingWindow(ctx, key, time.Duration(windowSeconds)*time.Second, now)
	if err != nil {
		return strategy.WindowStats{}, fmt.Errorf("slidingwindowcounter: %w", err)
	}

	u := usage(prev, cur, now, windowSeconds)
	remaining := int64(math.Floor(float64(l.Amount) - u))
	if remaining < 0 {
		remaining = 0
	}

	cs := currentWindowStart(now, windowSeconds)
	windowEnd := cs.Add(time.Duration(windowSeconds) * time.Second)

	var resetTime time.Time
	if prev == 0 {
		resetTime = windowEnd
	} else {
		frac := 1 - (float64(l.Amount-cur) / float64(prev))
		resetTime = cs.Add(time.Duration(float64(windowSeconds) * frac * float64(time.Second)))
		if resetTime.Before(now) {
			resetTime = now
		}
		if resetTime.After(windowEnd) {
			resetTime = windowEnd
		}
	}

	s.recorder.ObserveRemaining("slidingwindowcounter", remaining)
	return strategy.WindowStats{Remaining: remaining, ResetTime: resetTime}, nil
}

// Clear deletes both buckets backing l and identity.
func (s *Strategy) Clear(ctx context.Context, l limit.Limit, identity ...string) error {
	if err := s.store.Clear(ctx, l.Key(identity...)); err != nil {
		return fmt.Errorf("slidingwindowcounter: %w", err)
	}
	return nil
}

var _ strategy.Strategy = (*Strategy)(nil)
