// Package etcdkit implements the storage capability interfaces against etcd
// using go.etcd.io/etcd/client/v3, the client the rest of the retrieval
// pack reaches for whenever it needs etcd (the example pack's own
// go.mod manifests list it for service-mesh-style coordination; no pack
// repo ships etcd client code directly, so this package follows the
// upstream clientv3/concurrency idiom rather than a pack adapter).
//
// etcd has no Lua-style scripting, but clientv3/concurrency.STM gives
// software-transactional-memory semantics: a closure reads keys, computes
// new values, and the library retries the whole closure on conflict. Every
// primitive here is one STM closure, keeping the same "one atomic unit of
// work per capability call" shape as the Redis Lua scripts and the Mongo
// pipeline updates.
package etcdkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
)

// Store implements storage.Counter, storage.MovingWindow and
// storage.SlidingWindow against etcd.
type Store struct {
	client   *clientv3.Client
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

// New wraps client in a Store.
func New(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{client: client, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) observe(op string, start time.Time) {
	s.recorder.ObserveBackendCall("etcd", op, time.Since(start))
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}

// leaseFor grants a lease sized to ttl so a key outlives exactly one
// expiry period if the caller never calls Clear. A lease under a second is
// rejected by etcd, so ttl is floored to 1s.
func (s *Store) leaseFor(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return 0, wrap(err)
	}
	return lease.ID, nil
}

type counterRecord struct {
	Value  int64     `json:"value"`
	Expiry time.Time `json:"expiry"`
}

// Incr implements storage.Counter via an STM closure.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	defer s.observe("incr", time.Now())

	lease, err := s.leaseFor(ctx, expiry)
	if err != nil {
		return 0, err
	}

	var result int64
	apply := func(stm concurrency.STM) error {
		now := time.Now()
		raw := stm.Get(key)

		var rec counterRecord
		if raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr != nil {
				return wrap(jsonErr)
			}
		}

		if raw == "" || now.After(rec.Expiry) {
			rec = counterRecord{Value: amount, Expiry: now.Add(expiry)}
		} else {
			rec.Value += amount
			if elastic {
				rec.Expiry = now.Add(expiry)
			}
		}

		payload, jsonErr := json.Marshal(rec)
		if jsonErr != nil {
			return wrap(jsonErr)
		}
		stm.Put(key, string(payload), clientv3.WithLease(lease))
		result = rec.Value
		return nil
	}

	if _, err := concurrency.NewSTM(s.client, apply, concurrency.WithAbortContext(ctx)); err != nil {
		return 0, wrap(err)
	}
	return result, nil
}

// Get implements storage.Counter.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	defer s.observe("get", time.Now())
	rec, ok, err := s.getCounterRecord(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return rec.Value, nil
}

// GetExpiry implements storage.Counter.
func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	defer s.observe("get_expiry", time.Now())
	rec, ok, err := s.getCounterRecord(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return rec.Expiry, true, nil
}

func (s *Store) getCounterRecord(ctx context.Context, key string) (counterRecord, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return counterRecord{}, false, wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return counterRecord{}, false, nil
	}
	var rec counterRecord
	if jsonErr := json.Unmarshal(resp.Kvs[0].Value, &rec); jsonErr != nil {
		return counterRecord{}, false, wrap(jsonErr)
	}
	if time.Now().After(rec.Expiry) {
		return counterRecord{}, false, nil
	}
	return rec, true, nil
}

// Clear implements storage.Counter / storage.MovingWindow /
// storage.SlidingWindow.
func (s *Store) Clear(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())
	if _, err := s.client.Delete(ctx, key); err != nil {
		return wrap(err)
	}
	return nil
}

type logRecord struct {
	Timestamps []int64 `json:"timestamps"`
}

// AcquireEntry implements storage.MovingWindow via an STM closure over a
// JSON-encoded timestamp list.
func (s *Store) AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (bool, time.Time, error) {
	defer s.observe("acquire_entry", time.Now())

	lease, err := s.leaseFor(ctx, expiry+time.Second)
	if err != nil {
		return false, now, err
	}

	var acquired bool
	var oldest time.Time
	apply := func(stm concurrency.STM) error {
		raw := stm.Get(key)
		var rec logRecord
		if raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr != nil {
				return wrap(jsonErr)
			}
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

		payload, jsonErr := json.Marshal(logRecord{Timestamps: kept})
		if jsonErr != nil {
			return wrap(jsonErr)
		}
		stm.Put(key, string(payload), clientv3.WithLease(lease))
		return nil
	}

	if _, err := concurrency.NewSTM(s.client, apply, concurrency.WithAbortContext(ctx)); err != nil {
		return false, now, wrap(err)
	}
	return acquired, oldest, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Store) GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (int64, time.Time, error) {
	defer s.observe("get_moving_window", time.Now())
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, now, wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, now, nil
	}
	var rec logRecord
	if jsonErr := json.Unmarshal(resp.Kvs[0].Value, &rec); jsonErr != nil {
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

// AcquireSlidingWindow implements storage.SlidingWindow via an STM closure.
func (s *Store) AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time) (bool, int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("acquire_sliding_window", time.Now())
	windowSeconds := int64(window.Seconds())
	currentStart := (now.Unix() / windowSeconds) * windowSeconds

	lease, err := s.leaseFor(ctx, 2*window)
	if err != nil {
		return false, 0, 0, 0, 0, err
	}

	var acquired bool
	var rec slidingRecord
	apply := func(stm concurrency.STM) error {
		raw := stm.Get(key)
		rec = slidingRecord{}
		if raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr != nil {
				return wrap(jsonErr)
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

		payload, jsonErr := json.Marshal(rec)
		if jsonErr != nil {
			return wrap(jsonErr)
		}
		stm.Put(key, string(payload), clientv3.WithLease(lease))
		return nil
	}

	if _, err := concurrency.NewSTM(s.client, apply, concurrency.WithAbortContext(ctx)); err != nil {
		return false, 0, 0, 0, 0, wrap(err)
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

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, 0, 0, 0, wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, 0, 0, nil
	}

	var rec slidingRecord
	if jsonErr := json.Unmarshal(resp.Kvs[0].Value, &rec); jsonErr != nil {
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
