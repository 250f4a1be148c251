package etcdkit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestStore connects to the etcd cluster named by ETCDKIT_TEST_ENDPOINTS
// and skips the test when it isn't set; there is no in-process etcd fake in
// the retrieval pack, so integration tests here are environment-gated like
// the upstream clientv3 test suite's own cluster-backed tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	raw := os.Getenv("ETCDKIT_TEST_ENDPOINTS")
	if raw == "" {
		t.Skip("ETCDKIT_TEST_ENDPOINTS not set")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(raw, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := t.Name() + "/"
	t.Cleanup(func() {
		_, _ = client.Delete(context.Background(), prefix, clientv3.WithPrefix())
	})

	return New(client)
}

func key(t *testing.T, name string) string {
	return t.Name() + "/" + name
}

func TestIncrAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := key(t, "k")

	v, err := s.Incr(ctx, k, time.Second, 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = s.Incr(ctx, k, time.Second, 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
}

func TestIncrExpiresLogically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := key(t, "k")

	_, err := s.Incr(ctx, k, 50*time.Millisecond, 5, false)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	v, err := s.Incr(ctx, k, time.Second, 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v, "expired counter must reset rather than accumulate")
}

func TestAcquireEntryMovingWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := key(t, "k")
	base := time.Unix(1_700_000_000, 0)

	ok, _, err := s.AcquireEntry(ctx, k, 1, time.Minute, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = s.AcquireEntry(ctx, k, 1, time.Minute, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = s.AcquireEntry(ctx, k, 1, time.Minute, base.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireSlidingWindowWeightedUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := key(t, "k")

	windowSeconds := int64(60)
	base := time.Unix((1_700_000_000/windowSeconds)*windowSeconds, 0)

	for i := 0; i < 5; i++ {
		ok, _, _, _, _, err := s.AcquireSlidingWindow(ctx, k, 10, time.Minute, base.Add(10*time.Second))
		require.NoError(t, err)
		require.True(t, ok)
	}

	next := base.Add(time.Minute)
	ok, prevCount, _, curCount, _, err := s.AcquireSlidingWindow(ctx, k, 10, time.Minute, next)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, prevCount)
	assert.EqualValues(t, 1, curCount, "current bucket is incremented before returning")
}

func TestClearRemovesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := key(t, "k")

	_, err := s.Incr(ctx, k, time.Minute, 1, false)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, k))

	v, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}
