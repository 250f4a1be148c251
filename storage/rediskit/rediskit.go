// Package rediskit implements the storage capability interfaces against
// Redis (and Redis-compatible deployments: Cluster, Sentinel) using
// github.com/redis/go-redis/v9.
//
// pkg/static_limiter/limiter.go pipelines GET/INCR/EXPIRE client-side,
// which is not atomic under concurrent callers at the limit's edge. Every
// multi-step primitive here is instead a single Lua EVAL, so two callers
// racing at the boundary can't both succeed.
package rediskit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
)

// Client is the subset of *redis.Client this package needs, satisfied by
// *redis.Client, *redis.ClusterClient and *redis.Ring alike.
type Client interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
}

// Store implements storage.Counter, storage.MovingWindow and
// storage.SlidingWindow against Redis.
type Store struct {
	client   Client
	prefix   string
	log      *zap.SugaredLogger
	recorder *metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key this Store touches.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger attaches a logger; nil is treated as a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a Recorder; nil disables instrumentation.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// New wraps client in a Store.
func New(client Client, opts ...Option) *Store {
	s := &Store{client: client, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) k(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + key
}

func (s *Store) observe(op string, start time.Time) {
	s.recorder.ObserveBackendCall("redis", op, time.Since(start))
}

// incrScript atomically increments a counter, creating it with an expiry on
// first write and resetting the expiry only when elastic=1.
var incrScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
local val = redis.call('INCRBY', KEYS[1], ARGV[2])
if exists == 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
elseif ARGV[3] == '1' then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return val
`)

// Incr implements storage.Counter.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	defer s.observe("incr", time.Now())
	elasticFlag := "0"
	if elastic {
		elasticFlag = "1"
	}
	v, err := incrScript.Run(ctx, s.client, []string{s.k(key)}, int64(expiry.Seconds()), amount, elasticFlag).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return v, nil
}

// Get implements storage.Counter.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	defer s.observe("get", time.Now())
	v, err := s.client.Get(ctx, s.k(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return v, nil
}

// GetExpiry implements storage.Counter.
func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	defer s.observe("pttl", time.Now())
	d, err := s.client.PTTL(ctx, s.k(key)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	if d < 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(d), true, nil
}

// Clear implements storage.Counter / storage.MovingWindow /
// storage.SlidingWindow: it deletes the single key backing the capability
// (a plain counter string, a moving-window sorted set, or a sliding-window
// hash all live under one physical key).
func (s *Store) Clear(ctx context.Context, key string) error {
	defer s.observe("del", time.Now())
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

// movingWindowScript atomically prunes a sorted-set log to entries newer
// than ARGV[2] (the cutoff), and if the remaining cardinality is below the
// limit appends a member named after the current timestamp and scored by it.
var movingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local acquired = 0
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	redis.call('EXPIRE', KEYS[1], ARGV[5])
	acquired = 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] == nil then
	return {acquired, ARGV[1]}
end
return {acquired, oldest[2]}
`)

// AcquireEntry implements storage.MovingWindow.
func (s *Store) AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (bool, time.Time, error) {
	defer s.observe("acquire_entry", time.Now())
	nowSeconds := float64(now.UnixNano()) / 1e9
	cutoff := nowSeconds - expiry.Seconds()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())

	res, err := movingWindowScript.Run(ctx, s.client, []string{s.k(key)},
		nowSeconds, cutoff, limitAmount, member, int64(expiry.Seconds())+1,
	).Result()
	if err != nil {
		return false, now, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	acquired, oldest, err := parseMovingWindowResult(res)
	if err != nil {
		return false, now, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return acquired, oldest, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Store) GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (int64, time.Time, error) {
	defer s.observe("get_moving_window", time.Now())
	cutoff := strconv.FormatFloat(float64(now.UnixNano())/1e9-expiry.Seconds(), 'f', -1, 64)
	k := s.k(key)

	if err := s.client.ZRemRangeByScore(ctx, k, "-inf", cutoff).Err(); err != nil {
		return 0, now, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	count, err := s.client.ZCard(ctx, k).Result()
	if err != nil {
		return 0, now, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	if count == 0 {
		return 0, now, nil
	}
	members, err := s.client.ZRangeWithScores(ctx, k, 0, 0).Result()
	if err != nil {
		return 0, now, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	oldest := now
	if len(members) > 0 {
		oldest = scoreToTime(members[0].Score)
	}
	return count, oldest, nil
}

func parseMovingWindowResult(res any) (bool, time.Time, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, time.Time{}, fmt.Errorf("unexpected script result %#v", res)
	}
	acquired, err := toInt64(arr[0])
	if err != nil {
		return false, time.Time{}, err
	}
	oldestSeconds, err := toFloat64(arr[1])
	if err != nil {
		return false, time.Time{}, err
	}
	return acquired == 1, scoreToTime(oldestSeconds), nil
}

func scoreToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9))
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// slidingWindowScript stores both buckets of a sliding-window entry in a
// single hash keyed by the strategy's bare key (mirroring storage/memory's
// slidingEntry), so Clear(key) is a single DEL regardless of which
// capability wrote the key. It rolls the current bucket into previous when
// the wall-clock window has advanced exactly one step, computes the
// weighted usage, and increments the current bucket on admission.
var slidingWindowScript = redis.NewScript(`
local cs = tonumber(redis.call('HGET', KEYS[1], 'cs') or '0')
local cc = tonumber(redis.call('HGET', KEYS[1], 'cc') or '0')
local ps = tonumber(redis.call('HGET', KEYS[1], 'ps') or '0')
local pc = tonumber(redis.call('HGET', KEYS[1], 'pc') or '0')

local now = tonumber(ARGV[1])
local windowSeconds = tonumber(ARGV[2])
local currentStart = math.floor(now / windowSeconds) * windowSeconds

if cs ~= currentStart then
	if cs == currentStart - windowSeconds then
		ps = cs
		pc = cc
	else
		ps = currentStart - windowSeconds
		pc = 0
	end
	cs = currentStart
	cc = 0
end

local elapsed = now - cs
local weight = (windowSeconds - elapsed) / windowSeconds
local usage = pc * weight + cc

local acquired = 0
if usage + 1 <= tonumber(ARGV[3]) then
	cc = cc + 1
	acquired = 1
end

if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'cs', cs, 'cc', cc, 'ps', ps, 'pc', pc)
	redis.call('EXPIRE', KEYS[1], 2 * windowSeconds)
end

return {acquired, pc, cc, ps, cs}
`)

// AcquireSlidingWindow implements storage.SlidingWindow.
func (s *Store) AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time) (bool, int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("acquire_sliding_window", time.Now())
	return s.evalSlidingWindow(ctx, key, limitAmount, window, now, true)
}

// GetSlidingWindow implements storage.SlidingWindow.
func (s *Store) GetSlidingWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("get_sliding_window", time.Now())
	_, previousCount, previousTTL, currentCount, currentTTL, err := s.evalSlidingWindow(ctx, key, 0, window, now, false)
	return previousCount, previousTTL, currentCount, currentTTL, err
}

func (s *Store) evalSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time, write bool) (bool, int64, time.Duration, int64, time.Duration, error) {
	windowSeconds := int64(window.Seconds())
	writeFlag := "0"
	if write {
		writeFlag = "1"
	}

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.k(key)},
		now.Unix(), windowSeconds, limitAmount, writeFlag,
	).Result()
	if err != nil {
		return false, 0, 0, 0, 0, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 5 {
		return false, 0, 0, 0, 0, fmt.Errorf("%w: unexpected script result %#v", storage.ErrStorageUnavailable, res)
	}
	acquired, _ := toInt64(arr[0])
	previousCount, _ := toInt64(arr[1])
	currentCount, _ := toInt64(arr[2])
	previousStart, _ := toInt64(arr[3])
	currentStart, _ := toInt64(arr[4])

	previousTTL := bucketTTL(time.Unix(previousStart, 0), windowSeconds, now)
	currentTTL := bucketTTL(time.Unix(currentStart, 0), windowSeconds, now)

	return acquired == 1, previousCount, previousTTL, currentCount, currentTTL, nil
}

func bucketTTL(start time.Time, windowSeconds int64, now time.Time) time.Duration {
	expiry := start.Add(2 * time.Duration(windowSeconds) * time.Second)
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
