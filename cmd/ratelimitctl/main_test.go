package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	storageURI = "memory://" + t.Name()
	strategyName = "fixed"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, err)
	return out.String()
}

func TestHitThenStatsThenClear(t *testing.T) {
	out := run(t, "hit", "5/1 minute", "alice")
	assert.Contains(t, out, "admitted")

	out = run(t, "stats", "5/1 minute", "alice")
	assert.Contains(t, out, "remaining=4")

	out = run(t, "clear", "5/1 minute", "alice")
	assert.Contains(t, out, "cleared")

	out = run(t, "stats", "5/1 minute", "alice")
	assert.Contains(t, out, "remaining=5")
}

func TestTestDoesNotConsume(t *testing.T) {
	out := run(t, "test", "1/1 minute", "bob")
	assert.Contains(t, out, "would admit")

	out = run(t, "test", "1/1 minute", "bob")
	assert.Contains(t, out, "would admit", "test must not consume the quota")
}
