package movingwindow

import (
	"context"
	"testing"
	"time"

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

	l, _ := limit.New(1, 1, limit.Minute)
	ctx := context.Background()

	ok, err := s.Hit(ctx, l, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Hit(ctx, l, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Hit(ctx, l, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearResetsLog(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(1, 1, limit.Minute)
	ctx := context.Background()

	_, _ = s.Hit(ctx, l, "k")
	ok, _ := s.Test(ctx, l, "k")
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx, l, "k"))
	ok, _ = s.Test(ctx, l, "k")
	assert.True(t, ok)
}

func TestGetWindowStatsResetTime(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(2, 1, limit.Minute)
	ctx := context.Background()

	stats, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Remaining, "empty window is already reset")
	assert.WithinDuration(t, time.Now(), stats.ResetTime, time.Second, "empty window resets now")

	_, err = s.Hit(ctx, l, "k")
	require.NoError(t, err)

	stats2, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats2.Remaining)
	assert.WithinDuration(t, time.Now().Add(time.Minute), stats2.ResetTime, time.Second, "resets one window after the oldest hit")
}
