// Package memory implements an in-process storage backend satisfying all
// three capability interfaces (storage.Counter, storage.MovingWindow,
// storage.SlidingWindow), for tests and single-process deployments.
//
// Grounded on pkg/static_limiter/limiter.go's bucket/log model
// and on 09116a9b_dmitrymomot-saaskit's MemoryStore: a single mutex over a
// small set of maps, plus a background goroutine that evicts expired
// counters even for keys nobody reads again. Moving-window logs and
// sliding-window entries are not evicted by that goroutine: a log is pruned
// only when its key is accessed, and both stay in their maps until Clear.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/omd02/ratelimit/storage"
)

type counterEntry struct {
	value  int64
	expiry time.Time
}

type logEntry struct {
	timestamps []time.Time
}

type windowBucket struct {
	start time.Time
	count int64
}

type slidingEntry struct {
	previous windowBucket
	current  windowBucket
}

// Store is a mutex-guarded, map-based implementation of every capability
// interface in package storage. The zero value is not usable; construct
// with New.
type Store struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	logs     map[string]*logEntry
	sliding  map[string]*slidingEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithCleanupInterval overrides the default periodic eviction interval.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// New constructs a Store and starts its background eviction loop.
func New(opts ...Option) *Store {
	s := &Store{
		counters:        make(map[string]*counterEntry),
		logs:            make(map[string]*logEntry),
		sliding:         make(map[string]*slidingEntry),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background eviction loop. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.counters {
		if now.After(c.expiry) {
			delete(s.counters, k)
		}
	}
}

// --- storage.Counter ---

// Incr implements storage.Counter.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, exists := s.counters[key]
	if !exists || now.After(c.expiry) {
		c = &counterEntry{value: amount, expiry: now.Add(expiry)}
		s.counters[key] = c
		return c.value, nil
	}

	c.value += amount
	if elastic {
		c.expiry = now.Add(expiry)
	}
	return c.value, nil
}

// Get implements storage.Counter.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.counters[key]
	if !exists || time.Now().After(c.expiry) {
		return 0, nil
	}
	return c.value, nil
}

// GetExpiry implements storage.Counter.
func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.counters[key]
	if !exists || time.Now().After(c.expiry) {
		return time.Time{}, false, nil
	}
	return c.expiry, true, nil
}

// Clear implements storage.Counter, storage.MovingWindow and
// storage.SlidingWindow: it removes key from whichever namespace holds it.
func (s *Store) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	delete(s.logs, key)
	delete(s.sliding, key)
	return nil
}

// --- storage.MovingWindow ---

// AcquireEntry implements storage.MovingWindow. Entries with timestamp
// exactly now-expiry are treated as expired (half-open (now-expiry, now]).
func (s *Store) AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	le, exists := s.logs[key]
	if !exists {
		le = &logEntry{}
		s.logs[key] = le
	}

	kept := pruneOlderThan(le.timestamps, now.Add(-expiry))

	if int64(len(kept)) < limitAmount {
		kept = append(kept, now)
		le.timestamps = kept
		return true, oldestOf(kept, now), nil
	}

	le.timestamps = kept
	return false, oldestOf(kept, now), nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Store) GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	le, exists := s.logs[key]
	if !exists {
		return 0, now, nil
	}

	kept := pruneOlderThan(le.timestamps, now.Add(-expiry))
	le.timestamps = kept
	return int64(len(kept)), oldestOf(kept, now), nil
}

func pruneOlderThan(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func oldestOf(timestamps []time.Time, fallback time.Time) time.Time {
	if len(timestamps) == 0 {
		return fallback
	}
	oldest := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest
}

// --- storage.SlidingWindow ---

func windowStart(now time.Time, windowSeconds int64) time.Time {
	return time.Unix((now.Unix()/windowSeconds)*windowSeconds, 0)
}

// rollover brings e's buckets up to date for currentStart, sliding the old
// current bucket into previous when it is exactly one window behind, or
// zeroing previous when the gap is larger (no usable prior data).
func rollover(e *slidingEntry, currentStart time.Time, windowSeconds int64) {
	if e.current.start.Equal(currentStart) {
		return
	}
	if e.current.start.Equal(currentStart.Add(-time.Duration(windowSeconds) * time.Second)) {
		e.previous = e.current
	} else {
		e.previous = windowBucket{start: currentStart.Add(-time.Duration(windowSeconds) * time.Second)}
	}
	e.current = windowBucket{start: currentStart}
}

func bucketTTL(start time.Time, windowSeconds int64, now time.Time) time.Duration {
	expiry := start.Add(2 * time.Duration(windowSeconds) * time.Second)
	if expiry.Before(now) {
		return 0
	}
	return expiry.Sub(now)
}

// AcquireSlidingWindow implements storage.SlidingWindow.
func (s *Store) AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time) (bool, int64, time.Duration, int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowSeconds := int64(window.Seconds())
	e, exists := s.sliding[key]
	if !exists {
		e = &slidingEntry{}
		s.sliding[key] = e
	}

	cs := windowStart(now, windowSeconds)
	rollover(e, cs, windowSeconds)

	w := (float64(windowSeconds) - now.Sub(e.current.start).Seconds()) / float64(windowSeconds)
	u := float64(e.previous.count)*w + float64(e.current.count)

	acquired := u+1 <= float64(limitAmount)
	if acquired {
		e.current.count++
	}

	return acquired,
		e.previous.count, bucketTTL(e.previous.start, windowSeconds, now),
		e.current.count, bucketTTL(e.current.start, windowSeconds, now),
		nil
}

// GetSlidingWindow implements storage.SlidingWindow. It does not mutate the
// stored entry: rollover is computed against a scratch copy so a read never
// discards the true previous bucket before a concurrent Hit sees it.
func (s *Store) GetSlidingWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Duration, int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowSeconds := int64(window.Seconds())
	e, exists := s.sliding[key]
	if !exists {
		return 0, 0, 0, 0, nil
	}

	scratch := *e
	cs := windowStart(now, windowSeconds)
	rollover(&scratch, cs, windowSeconds)

	return scratch.previous.count, bucketTTL(scratch.previous.start, windowSeconds, now),
		scratch.current.count, bucketTTL(scratch.current.start, windowSeconds, now),
		nil
}

var (
	_ storage.Counter       = (*Store)(nil)
	_ storage.MovingWindow  = (*Store)(nil)
	_ storage.SlidingWindow = (*Store)(nil)
)
