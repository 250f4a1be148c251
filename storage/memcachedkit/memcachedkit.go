// Package memcachedkit implements the storage capability interfaces against
// Memcached using github.com/bradfitz/gomemcache, the client used by
// veyselaksin-strigo in the example pack — the only retrieved repo talking
// to Memcached.
//
// Memcached has no server-side scripting, only CAS, so every primitive
// here is a bounded get/mutate/CompareAndSwap loop paced by
// internal/refill.
package memcachedkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/omd02/ratelimit/internal/refill"
	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
)

// Store implements storage.Counter, storage.MovingWindow and
// storage.SlidingWindow against Memcached.
type Store struct {
	client   *memcache.Client
	retrier  *refill.Retrier
	log      *zap.SugaredLogger
	recorder *metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger; nil is treated as a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a Recorder; nil disables instrumentation.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithRetryBudget overrides the default CAS retry pacing (10 attempts, up to
// 50/s after the first, burst of 5).
func WithRetryBudget(r *refill.Retrier) Option {
	return func(s *Store) { s.retrier = r }
}

// New wraps client in a Store.
func New(client *memcache.Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		retrier: refill.New(50, 5, 10),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) observe(op string, start time.Time) {
	s.recorder.ObserveBackendCall("memcached", op, time.Since(start))
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}

// counterRecord is the JSON payload stored for a Counter key, carrying its
// own expiry so Get/GetExpiry can detect logical (as opposed to Memcached
// server-side) expiry consistently with the other backends.
type counterRecord struct {
	Value  int64     `json:"value"`
	Expiry time.Time `json:"expiry"`
}

// Incr implements storage.Counter via a bounded CAS loop.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	defer s.observe("incr", time.Now())
	var result int64

	err := s.retrier.Do(ctx, func() (bool, error) {
		item, err := s.client.Get(key)
		now := time.Now()

		if err == memcache.ErrCacheMiss {
			rec := counterRecord{Value: amount, Expiry: now.Add(expiry)}
			payload, _ := json.Marshal(rec)
			addErr := s.client.Add(&memcache.Item{Key: key, Value: payload, Expiration: int32(expiry.Seconds())})
			if addErr == memcache.ErrNotStored {
				return false, nil // lost the race to create the key; retry and read what won
			}
			if addErr != nil {
				return false, wrap(addErr)
			}
			result = amount
			return true, nil
		}
		if err != nil {
			return false, wrap(err)
		}

		var rec counterRecord
		if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
			return false, wrap(jsonErr)
		}

		if now.After(rec.Expiry) {
			rec = counterRecord{Value: amount, Expiry: now.Add(expiry)}
		} else {
			rec.Value += amount
			if elastic {
				rec.Expiry = now.Add(expiry)
			}
		}

		payload, _ := json.Marshal(rec)
		item.Value = payload
		item.Expiration = int32(time.Until(rec.Expiry).Seconds())
		casErr := s.client.CompareAndSwap(item)
		if casErr == memcache.ErrCASConflict || casErr == memcache.ErrNotStored {
			return false, nil
		}
		if casErr != nil {
			return false, wrap(casErr)
		}
		result = rec.Value
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Get implements storage.Counter.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	defer s.observe("get", time.Now())
	rec, _, ok, err := s.getCounterRecord(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return rec.Value, nil
}

// GetExpiry implements storage.Counter.
func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	defer s.observe("get_expiry", time.Now())
	rec, _, ok, err := s.getCounterRecord(key)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return rec.Expiry, true, nil
}

func (s *Store) getCounterRecord(key string) (counterRecord, *memcache.Item, bool, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return counterRecord{}, nil, false, nil
	}
	if err != nil {
		return counterRecord{}, nil, false, wrap(err)
	}
	var rec counterRecord
	if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
		return counterRecord{}, nil, false, wrap(jsonErr)
	}
	if time.Now().After(rec.Expiry) {
		return counterRecord{}, nil, false, nil
	}
	return rec, item, true, nil
}

// Clear implements storage.Counter / storage.MovingWindow /
// storage.SlidingWindow.
func (s *Store) Clear(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())
	if err := s.client.Delete(key); err != nil && err != memcache.ErrCacheMiss {
		return wrap(err)
	}
	return nil
}

// logRecord is the JSON payload backing a Moving Window entry log.
type logRecord struct {
	Timestamps []int64 `json:"timestamps"` // UnixNano
}

// AcquireEntry implements storage.MovingWindow via a bounded CAS loop over a
// JSON-encoded timestamp list.
func (s *Store) AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (bool, time.Time, error) {
	defer s.observe("acquire_entry", time.Now())
	var acquired bool
	var oldest time.Time

	err := s.retrier.Do(ctx, func() (bool, error) {
		item, err := s.client.Get(key)
		var rec logRecord
		existed := err == nil
		if err == memcache.ErrCacheMiss {
			// fall through with an empty record
		} else if err != nil {
			return false, wrap(err)
		} else if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
			return false, wrap(jsonErr)
		}

		cutoff := now.Add(-expiry)
		kept := pruneOlderThan(rec.Timestamps, cutoff)

		if int64(len(kept)) < limitAmount {
			kept = append(kept, now.UnixNano())
			acquired = true
		} else {
			acquired = false
		}
		oldest = oldestOf(kept, now)

		payload, _ := json.Marshal(logRecord{Timestamps: kept})
		ttl := int32(expiry.Seconds()) + 1

		if !existed {
			addErr := s.client.Add(&memcache.Item{Key: key, Value: payload, Expiration: ttl})
			if addErr == memcache.ErrNotStored {
				return false, nil
			}
			if addErr != nil {
				return false, wrap(addErr)
			}
			return true, nil
		}

		item.Value = payload
		item.Expiration = ttl
		casErr := s.client.CompareAndSwap(item)
		if casErr == memcache.ErrCASConflict || casErr == memcache.ErrNotStored {
			return false, nil
		}
		if casErr != nil {
			return false, wrap(casErr)
		}
		return true, nil
	})
	if err != nil {
		return false, now, err
	}
	return acquired, oldest, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Store) GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (int64, time.Time, error) {
	defer s.observe("get_moving_window", time.Now())
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, now, nil
	}
	if err != nil {
		return 0, now, wrap(err)
	}
	var rec logRecord
	if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
		return 0, now, wrap(jsonErr)
	}
	kept := pruneOlderThan(rec.Timestamps, now.Add(-expiry))
	return int64(len(kept)), oldestOf(kept, now), nil
}

func pruneOlderThan(timestamps []int64, cutoff time.Time) []int64 {
	cutoffNano := cutoff.UnixNano()
	kept := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts > cutoffNano {
			kept = append(kept, ts)
		}
	}
	return kept
}

func oldestOf(timestamps []int64, fallback time.Time) time.Time {
	if len(timestamps) == 0 {
		return fallback
	}
	oldest := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	return time.Unix(0, oldest)
}

// slidingRecord is the JSON payload backing a Sliding Window Counter entry.
type slidingRecord struct {
	PreviousStart int64 `json:"ps"`
	PreviousCount int64 `json:"pc"`
	CurrentStart  int64 `json:"cs"`
	CurrentCount  int64 `json:"cc"`
}

func rollSliding(rec *slidingRecord, currentStart, windowSeconds int64) {
	if rec.CurrentStart == currentStart {
		return
	}
	if rec.CurrentStart == currentStart-windowSeconds {
		rec.PreviousStart = rec.CurrentStart
		rec.PreviousCount = rec.CurrentCount
	} else {
		rec.PreviousStart = currentStart - windowSeconds
		rec.PreviousCount = 0
	}
	rec.CurrentStart = currentStart
	rec.CurrentCount = 0
}

// AcquireSlidingWindow implements storage.SlidingWindow via a bounded CAS
// loop over a JSON-encoded two-bucket record.
func (s *Store) AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time) (bool, int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("acquire_sliding_window", time.Now())
	windowSeconds := int64(window.Seconds())
	currentStart := (now.Unix() / windowSeconds) * windowSeconds

	var acquired bool
	var rec slidingRecord

	err := s.retrier.Do(ctx, func() (bool, error) {
		item, err := s.client.Get(key)
		existed := err == nil
		rec = slidingRecord{}
		if err != nil && err != memcache.ErrCacheMiss {
			return false, wrap(err)
		}
		if existed {
			if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
				return false, wrap(jsonErr)
			}
		}

		rollSliding(&rec, currentStart, windowSeconds)

		elapsed := now.Unix() - rec.CurrentStart
		weight := (float64(windowSeconds) - float64(elapsed)) / float64(windowSeconds)
		usage := float64(rec.PreviousCount)*weight + float64(rec.CurrentCount)

		acquired = usage+1 <= float64(limitAmount)
		if acquired {
			rec.CurrentCount++
		}

		payload, _ := json.Marshal(rec)
		ttl := int32(2 * windowSeconds)

		if !existed {
			addErr := s.client.Add(&memcache.Item{Key: key, Value: payload, Expiration: ttl})
			if addErr == memcache.ErrNotStored {
				return false, nil
			}
			if addErr != nil {
				return false, wrap(addErr)
			}
			return true, nil
		}

		item.Value = payload
		item.Expiration = ttl
		casErr := s.client.CompareAndSwap(item)
		if casErr == memcache.ErrCASConflict || casErr == memcache.ErrNotStored {
			return false, nil
		}
		if casErr != nil {
			return false, wrap(casErr)
		}
		return true, nil
	})
	if err != nil {
		return false, 0, 0, 0, 0, err
	}

	previousTTL := bucketTTL(rec.PreviousStart, windowSeconds, now)
	currentTTL := bucketTTL(rec.CurrentStart, windowSeconds, now)
	return acquired, rec.PreviousCount, previousTTL, rec.CurrentCount, currentTTL, nil
}

// GetSlidingWindow implements storage.SlidingWindow.
func (s *Store) GetSlidingWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("get_sliding_window", time.Now())
	windowSeconds := int64(window.Seconds())
	currentStart := (now.Unix() / windowSeconds) * windowSeconds

	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, 0, wrap(err)
	}

	var rec slidingRecord
	if jsonErr := json.Unmarshal(item.Value, &rec); jsonErr != nil {
		return 0, 0, 0, 0, wrap(jsonErr)
	}
	rollSliding(&rec, currentStart, windowSeconds)

	previousTTL := bucketTTL(rec.PreviousStart, windowSeconds, now)
	currentTTL := bucketTTL(rec.CurrentStart, windowSeconds, now)
	return rec.PreviousCount, previousTTL, rec.CurrentCount, currentTTL, nil
}

func bucketTTL(startEpoch, windowSeconds int64, now time.Time) time.Duration {
	expiry := time.Unix(startEpoch+2*windowSeconds, 0)
	if expiry.Before(now) {
		return 0
	}
	return expiry.Sub(now)
}

var (
	_ storage.Counter       = (*Store)(nil)
	_ storage.MovingWindow  = (*Store)(nil)
	_ storage.SlidingWindow = (*Store)(nil)
)
