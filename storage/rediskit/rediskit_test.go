package rediskit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestIncrAtomicityOfExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.Incr(ctx, "k", time.Second, 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	exp1, ok, err := s.GetExpiry(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	v, err = s.Incr(ctx, "k", 10*time.Second, 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	exp2, ok, err := s.GetExpiry(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, exp1, exp2, 100*time.Millisecond)
}

func TestMovingWindowAcquireEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	ok, _, err := s.AcquireEntry(ctx, "k", 1, time.Minute, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlidingWindowWeightedUsage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	windowSeconds := int64(60)
	base := time.Unix((1_700_000_000/windowSeconds)*windowSeconds, 0)

	for i := 0; i < 5; i++ {
		ok, _, _, _, _, err := s.AcquireSlidingWindow(ctx, "k", 10, time.Minute, base.Add(10*time.Second))
		require.NoError(t, err)
		require.True(t, ok)
	}

	next := base.Add(time.Minute)
	ok, prevCount, _, curCount, _, err := s.AcquireSlidingWindow(ctx, "k", 10, time.Minute, next)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, prevCount)
	assert.EqualValues(t, 1, curCount, "current bucket is incremented before returning")
}

func TestClearDeletesKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", time.Minute, 1, false)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "k"))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}
