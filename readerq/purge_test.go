package readerq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olamilekan000/readerq/readerq/config"
	"github.com/olamilekan000/readerq/readerq/errors"
)

func TestClient_Purge(t *testing.T) {
	c, err := NewClient(context.Background(), &config.Config{
		SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"old", "fresh", "waiting"} {
		_, err := c.Queue("ocr").Insert(ctx, id, nil)
		require.NoError(t, err)
	}

	finishAt := func(id string, at time.Time) {
		c.now = func() time.Time { return at }
		require.NoError(t, c.Queue("ocr").SetResult(ctx, id, 1))
	}
	finishAt("old", now.Add(-601*time.Second))
	finishAt("fresh", now.Add(-599*time.Second))
	c.now = time.Now

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	m := c.Queue("ocr")
	_, err = m.Get(ctx, "old")
	require.True(t, errors.IsJobNotFound(err))
	for _, id := range []string{"fresh", "waiting"} {
		_, err := m.Get(ctx, id)
		require.NoError(t, err)
	}
}
