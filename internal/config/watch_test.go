package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "recommend:\n  similarity_weight: 0.7\n  path_weight: 0.3\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("recommend:\n  similarity_weight: -1\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("recommend:\n  similarity_weight: 0.4\n  path_weight: 0.6\n"), 0o600))
	select {
	case c := <-reloaded:
		assert.Equal(t, 0.4, c.Recommend.SimilarityWeight)
		assert.Equal(t, 0.6, c.Recommend.PathWeight)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
