package uri

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omd02/ratelimit/storage"
	"github.com/omd02/ratelimit/storage/memory"
)

func TestOpenMemory(t *testing.T) {
	backend, err := Open(context.Background(), "memory://", Option{})
	require.NoError(t, err)
	defer backend.Close()

	store, ok := backend.Store.(*memory.Store)
	require.True(t, ok)

	var _ storage.Counter = store
}

func TestOpenMemoryNamedSharesStore(t *testing.T) {
	first, err := Open(context.Background(), "memory://shared-test", Option{})
	require.NoError(t, err)
	defer first.Close()

	second, err := Open(context.Background(), "memory://shared-test", Option{})
	require.NoError(t, err)
	defer second.Close()

	assert.Same(t, first.Store, second.Store)
}

func TestOpenMemoryUnnamedIsFresh(t *testing.T) {
	first, err := Open(context.Background(), "memory://", Option{})
	require.NoError(t, err)
	defer first.Close()

	second, err := Open(context.Background(), "memory://", Option{})
	require.NoError(t, err)
	defer second.Close()

	assert.NotSame(t, first.Store, second.Store)
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "ftp://example.com", Option{})
	assert.Error(t, err)
}

func TestOpenRedisConstructsWithoutDialing(t *testing.T) {
	// go-redis clients are lazy: constructing one does not dial until the
	// first command, so this exercises the dispatch path without a live
	// server.
	backend, err := Open(context.Background(), "redis://127.0.0.1:1", Option{})
	require.NoError(t, err)
	defer backend.Close()
	assert.NotNil(t, backend.Store)
}

func TestDBFromPath(t *testing.T) {
	assert.Equal(t, 0, dbFromPath(""))
	assert.Equal(t, 3, dbFromPath("/3"))
	assert.Equal(t, 0, dbFromPath("/not-a-number"))
}

func TestHostList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, hostList(&url.URL{Host: "a:1,b:2,c:3"}))

	backend, err := Open(context.Background(), "redis+cluster://a:1,b:2,c:3", Option{})
	require.NoError(t, err)
	defer backend.Close()
	assert.NotNil(t, backend.Store)
}
