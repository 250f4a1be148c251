package slidingwindowcounter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omd02/ratelimit/limit"
	"github.com/omd02/ratelimit/storage"
	"github.com/omd02/ratelimit/storage/memory"
)

func TestCapabilityMismatch(t *testing.T) {
	_, err := New(struct{}{})
	assert.ErrorIs(t, err, storage.ErrCapabilityMismatch)
}

func TestHitAndIsolation(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, err := New(store)
	require.NoError(t, err)

	l, _ := limit.New(10, 1, limit.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := s.Hit(ctx, l, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Hit(ctx, l, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "alice's 11th hit in the window must be denied")

	ok, err = s.Hit(ctx, l, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "bob is unaffected by alice's usage")
}

func TestClear(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(1, 1, limit.Minute)
	ctx := context.Background()

	ok, err := s.Hit(ctx, l, "k")
	require.NoError(t, err)
	require.True(t, ok)

	testOK, _ := s.Test(ctx, l, "k")
	assert.False(t, testOK)

	require.NoError(t, s.Clear(ctx, l, "k"))
	testOK, _ = s.Test(ctx, l, "k")
	assert.True(t, testOK)
}

func TestGetWindowStatsRemainingNonIncreasing(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(5, 1, limit.Minute)
	ctx := context.Background()

	stats0, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats0.Remaining)

	_, err = s.Hit(ctx, l, "k")
	require.NoError(t, err)

	stats1, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.LessOrEqual(t, stats1.Remaining, stats0.Remaining)
}
