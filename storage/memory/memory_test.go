package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrCreatesThenPreservesExpiry(t *testing.T) {
	s := New()
	defer s.Close()
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
	assert.Equal(t, exp1, exp2, "expiry is not extended without elastic_expiry")
}

func TestIncrElasticExpiryResets(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", time.Second, 1, true)
	require.NoError(t, err)
	exp1, _, _ := s.GetExpiry(ctx, "k")

	time.Sleep(5 * time.Millisecond)
	_, err = s.Incr(ctx, "k", 10*time.Second, 1, true)
	require.NoError(t, err)
	exp2, _, _ := s.GetExpiry(ctx, "k")

	assert.True(t, exp2.After(exp1))
}

func TestMovingWindowAcquireEntry(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)

	ok, _, err := s.AcquireEntry(ctx, "k", 1, time.Minute, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "1/minute should deny a second hit 30s later")

	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(59_999*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(60_001*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok, "entry older than the window is pruned and a new hit is admitted")
}

func TestMovingWindowEdgeIsExpired(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	ok, _, err := s.AcquireEntry(ctx, "k", 1, time.Minute, base)
	require.NoError(t, err)
	require.True(t, ok)

	// exactly at now - window: half-open (now-window, now] means this
	// timestamp is expired.
	ok, _, err = s.AcquireEntry(ctx, "k", 1, time.Minute, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "an entry exactly window-seconds old is expired")
}

func TestSlidingWindowCounterWeightedUsage(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	windowSeconds := int64(60)
	base := time.Unix((1_700_000_000/windowSeconds)*windowSeconds, 0)

	for i := 0; i < 5; i++ {
		ok, _, _, _, _, err := s.AcquireSlidingWindow(ctx, "k", 10, time.Minute, base.Add(10*time.Second))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// move into the next fixed window: previous_count=5, current_count=0
	next := base.Add(time.Minute)
	ok, prevCount, _, curCount, _, err := s.AcquireSlidingWindow(ctx, "k", 10, time.Minute, next)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, prevCount)
	assert.EqualValues(t, 1, curCount, "current bucket is incremented before returning")

	// at elapsed=30s into the new window, weight=0.5, U = 5*0.5 + 1 = 3.5
	t90 := next.Add(30 * time.Second)
	prevCount2, _, curCount2, _, err := s.GetSlidingWindow(ctx, "k", time.Minute, t90)
	require.NoError(t, err)
	u := float64(prevCount2)*0.5 + float64(curCount2)
	assert.InDelta(t, 3.5, u, 0.001)
}

func TestClearRemovesAllNamespaces(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_, _ = s.Incr(ctx, "k", time.Minute, 1, false)
	_, _, _ = s.AcquireEntry(ctx, "k", 5, time.Minute, time.Now())
	_, _, _, _, _, _ = s.AcquireSlidingWindow(ctx, "k", 5, time.Minute, time.Now())

	require.NoError(t, s.Clear(ctx, "k"))

	v, _ := s.Get(ctx, "k")
	assert.EqualValues(t, 0, v)
	count, _, _ := s.GetMovingWindow(ctx, "k", time.Minute, time.Now())
	assert.EqualValues(t, 0, count)
	prev, _, cur, _, _ := s.GetSlidingWindow(ctx, "k", time.Minute, time.Now())
	assert.EqualValues(t, 0, prev)
	assert.EqualValues(t, 0, cur)
}
