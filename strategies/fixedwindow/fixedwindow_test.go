package fixedwindow

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

func TestHitAdmitsUpToAmount(t *testing.T) {
	store := memory.New()
	defer store.Close()

	s, err := New(store)
	require.NoError(t, err)

	l, err := limit.New(2, 1, limit.Second)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Hit(ctx, l, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Hit(ctx, l, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Hit(ctx, l, "user-1")
	require.NoError(t, err)
	assert.False(t, ok, "third hit within the same second window must be denied")
}

func TestIsolationAcrossIdentities(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
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
	assert.True(t, ok, "a different identity must not be affected by alice's hits")
}

func TestTestDoesNotMutate(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(1, 1, limit.Second)
	ctx := context.Background()

	ok, err := s.Hit(ctx, l, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Hit(ctx, l, "k")
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		testOK, err := s.Test(ctx, l, "k")
		require.NoError(t, err)
		assert.False(t, testOK)
	}
}

func TestGetWindowStats(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s, _ := New(store)
	l, _ := limit.New(5, 1, limit.Minute)
	ctx := context.Background()

	stats, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Remaining)

	_, err = s.Hit(ctx, l, "k")
	require.NoError(t, err)

	stats2, err := s.GetWindowStats(ctx, l, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats2.Remaining)
	assert.True(t, stats2.ResetTime.After(time.Now()))
}

func TestClear(t *testing.T) {
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
