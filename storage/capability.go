package storage

import (
	"context"
	"time"
)

// Counter is the atomic increment-with-TTL capability required by Fixed
// Window and Sliding Window Counter.
type Counter interface {
	// Incr atomically increments the counter at key by amount, creating it
	// with the given expiry if absent. If the key already existed, its
	// expiry is reset only when elastic is true; otherwise the original
	// expiry is preserved. Returns the counter's new value.
	Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error)

	// Get returns the counter's current value, or 0 if absent.
	Get(ctx context.Context, key string) (int64, error)

	// GetExpiry returns the key's absolute expiry time. ok is false when the
	// expiry is unknown or the key never expires.
	GetExpiry(ctx context.Context, key string) (expiry time.Time, ok bool, err error)

	// Clear deletes key.
	Clear(ctx context.Context, key string) error
}

// MovingWindow is the prune-and-append log capability required by Moving
// Window.
type MovingWindow interface {
	// AcquireEntry atomically prunes entries at key older than
	// now-expiry, and if the remaining count is below limitAmount appends
	// now and reports acquired=true. oldest is the timestamp of the oldest
	// retained entry after the operation (or now if the log ended up
	// empty).
	AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (acquired bool, oldest time.Time, err error)

	// GetMovingWindow is the read-only counterpart of AcquireEntry: it
	// prunes and reports the resulting count and oldest timestamp without
	// appending.
	GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (count int64, oldest time.Time, err error)

	// Clear deletes the entry log at key.
	Clear(ctx context.Context, key string) error
}

// SlidingWindow is the two-bucket weighted-read capability required by
// Sliding Window Counter.
type SlidingWindow interface {
	// AcquireSlidingWindow atomically reads the previous and current
	// window buckets at key, computes the weighted usage, and if
	// admission is allowed increments the current bucket before
	// returning.
	AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, windowSeconds time.Duration, now time.Time) (acquired bool, previousCount int64, previousTTL time.Duration, currentCount int64, currentTTL time.Duration, err error)

	// GetSlidingWindow is the read-only counterpart of
	// AcquireSlidingWindow.
	GetSlidingWindow(ctx context.Context, key string, windowSeconds time.Duration, now time.Time) (previousCount int64, previousTTL time.Duration, currentCount int64, currentTTL time.Duration, err error)

	// Clear deletes both buckets backing key.
	Clear(ctx context.Context, key string) error
}
