package backend_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/olamilekan000/readerq/readerq/backend"
	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

func newSQLite(t *testing.T) backend.Backend {
	t.Helper()

	b, err := backend.NewSQLiteBackend(context.Background(), backend.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "reader.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newRedis(t *testing.T) backend.Backend {
	t.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	port, err := strconv.Atoi(mappedPort.Port())
	require.NoError(t, err)

	b, err := backend.NewRedisBackend(ctx, backend.RedisConfig{
		Host:        host,
		Port:        port,
		PingTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newJob(jobType, id, data string) *job.Job {
	return &job.Job{
		ID:        id,
		Type:      jobType,
		Data:      json.RawMessage(data),
		CreatedAt: time.Now(),
	}
}

func TestSQLiteBackend(t *testing.T) {
	runBackendSuite(t, newSQLite)
}

func TestRedisBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	shared := newRedis(t)
	runBackendSuite(t, func(t *testing.T) backend.Backend {
		require.NoError(t, shared.Clear(context.Background()))
		return shared
	})
}

func runBackendSuite(t *testing.T, open func(t *testing.T) backend.Backend) {
	tests := []struct {
		name string
		run  func(t *testing.T, b backend.Backend)
	}{
		{
			name: "pending ids come back in insertion order",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				for _, id := range []string{"c", "a", "b"} {
					ok, err := b.Insert(ctx, newJob("ocr", id, `{}`))
					require.NoError(t, err)
					require.True(t, ok)
				}

				ids, err := b.SelectPending(ctx, "ocr", 0)
				require.NoError(t, err)
				require.Equal(t, []string{"c", "a", "b"}, ids)

				ids, err = b.SelectPending(ctx, "ocr", 2)
				require.NoError(t, err)
				require.Equal(t, []string{"c", "a"}, ids)
			},
		},
		{
			name: "duplicate insert keeps the first payload and progress",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				ok, err := b.Insert(ctx, newJob("t", "x", `{"v":1}`))
				require.NoError(t, err)
				require.True(t, ok)
				require.NoError(t, b.UpdateProgress(ctx, "t", "x", json.RawMessage(`0.5`)))

				ok, err = b.Insert(ctx, newJob("t", "x", `{"v":2}`))
				require.NoError(t, err)
				require.False(t, ok)

				j, err := b.Get(ctx, "t", "x")
				require.NoError(t, err)
				require.JSONEq(t, `{"v":1}`, string(j.Data))
				require.JSONEq(t, `0.5`, string(j.Progress))
			},
		},
		{
			name: "same id in different types are separate jobs",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				_, err := b.Insert(ctx, newJob("ocr", "img.png", `1`))
				require.NoError(t, err)
				ok, err := b.Insert(ctx, newJob("llm", "img.png", `2`))
				require.NoError(t, err)
				require.True(t, ok)

				types, err := b.DiscoverTypes(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"llm", "ocr"}, types)
			},
		},
		{
			name: "claimed ids are never selected again",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				for _, id := range []string{"a", "b", "c"} {
					_, err := b.Insert(ctx, newJob("t", id, `{}`))
					require.NoError(t, err)
				}

				claimed, err := b.Claim(ctx, "t", []string{"a", "b"})
				require.NoError(t, err)
				require.Equal(t, []string{"a", "b"}, claimed)

				ids, err := b.SelectPending(ctx, "t", 0)
				require.NoError(t, err)
				require.Equal(t, []string{"c"}, ids)

				claimed, err = b.Claim(ctx, "t", []string{"a", "c"})
				require.NoError(t, err)
				require.Equal(t, []string{"c"}, claimed)

				j, err := b.Get(ctx, "t", "a")
				require.NoError(t, err)
				require.Equal(t, job.StateProcessing, j.State())
			},
		},
		{
			name: "finish sets exactly one terminal payload",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				_, err := b.Insert(ctx, newJob("t", "ok", `{}`))
				require.NoError(t, err)
				_, err = b.Insert(ctx, newJob("t", "bad", `{}`))
				require.NoError(t, err)

				now := time.Now()
				require.NoError(t, b.Finish(ctx, "t", "ok", json.RawMessage(`{"n":1}`), nil, now))
				require.NoError(t, b.Finish(ctx, "t", "bad", nil, json.RawMessage(`{"error":"boom"}`), now))

				err = b.Finish(ctx, "t", "ok", nil, json.RawMessage(`{"error":"late"}`), now)
				require.True(t, errors.IsJobAlreadyDone(err), "got %v", err)

				err = b.Finish(ctx, "t", "missing", json.RawMessage(`1`), nil, now)
				require.True(t, errors.IsJobNotFound(err), "got %v", err)

				okJob, err := b.Get(ctx, "t", "ok")
				require.NoError(t, err)
				require.Equal(t, job.StateDone, okJob.State())
				require.JSONEq(t, `{"n":1}`, string(okJob.Result))
				require.Nil(t, okJob.Error)

				badJob, err := b.Get(ctx, "t", "bad")
				require.NoError(t, err)
				require.Nil(t, badJob.Result)
				require.JSONEq(t, `{"error":"boom"}`, string(badJob.Error))

				stats, err := b.QueueStats(ctx, "t")
				require.NoError(t, err)
				require.Equal(t, int64(2), stats.Done)
				require.Equal(t, int64(1), stats.Failed)
			},
		},
		{
			name: "queue position counts earlier jobs that are not done",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				for _, id := range []string{"A", "B", "C"} {
					_, err := b.Insert(ctx, newJob("t", id, `{}`))
					require.NoError(t, err)
				}
				_, err := b.Insert(ctx, newJob("other", "Z", `{}`))
				require.NoError(t, err)

				pos := func(id string) int64 {
					p, err := b.QueuePosition(ctx, "t", id)
					require.NoError(t, err)
					return p
				}

				require.Equal(t, int64(0), pos("A"))
				require.Equal(t, int64(2), pos("C"))
				require.Equal(t, int64(0), pos("nope"))

				_, err = b.Claim(ctx, "t", []string{"A"})
				require.NoError(t, err)
				require.Equal(t, int64(2), pos("C"))

				require.NoError(t, b.Finish(ctx, "t", "A", json.RawMessage(`1`), nil, time.Now()))
				require.Equal(t, int64(1), pos("C"))

				require.NoError(t, b.Finish(ctx, "t", "B", nil, json.RawMessage(`{}`), time.Now()))
				require.Equal(t, int64(0), pos("C"))
			},
		},
		{
			name: "purge removes only jobs done before the cutoff",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				now := time.Now()
				for _, id := range []string{"old", "fresh", "pending", "processing"} {
					_, err := b.Insert(ctx, newJob("t", id, `{}`))
					require.NoError(t, err)
				}
				_, err := b.Claim(ctx, "t", []string{"processing"})
				require.NoError(t, err)

				require.NoError(t, b.Finish(ctx, "t", "old", json.RawMessage(`1`), nil, now.Add(-601*time.Second)))
				require.NoError(t, b.Finish(ctx, "t", "fresh", json.RawMessage(`1`), nil, now.Add(-599*time.Second)))

				n, err := b.PurgeDone(ctx, now.Add(-600*time.Second))
				require.NoError(t, err)
				require.Equal(t, int64(1), n)

				_, err = b.Get(ctx, "t", "old")
				require.True(t, errors.IsJobNotFound(err))

				for _, id := range []string{"fresh", "pending", "processing"} {
					_, err := b.Get(ctx, "t", id)
					require.NoError(t, err, id)
				}
			},
		},
		{
			name: "delete removes the job everywhere",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				_, err := b.Insert(ctx, newJob("t", "a", `{}`))
				require.NoError(t, err)
				_, err = b.Insert(ctx, newJob("t", "b", `{}`))
				require.NoError(t, err)

				require.NoError(t, b.Delete(ctx, "t", "a"))

				ids, err := b.SelectPending(ctx, "t", 0)
				require.NoError(t, err)
				require.Equal(t, []string{"b"}, ids)

				pos, err := b.QueuePosition(ctx, "t", "b")
				require.NoError(t, err)
				require.Equal(t, int64(0), pos)

				err = b.UpdateProgress(ctx, "t", "a", json.RawMessage(`1`))
				require.True(t, errors.IsJobNotFound(err))
			},
		},
		{
			name: "batch insert is idempotent per id",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				_, err := b.Insert(ctx, newJob("t", "a", `{}`))
				require.NoError(t, err)

				n, err := b.InsertBatch(ctx, []*job.Job{
					newJob("t", "a", `{}`),
					newJob("t", "b", `{}`),
					newJob("t", "c", `{}`),
				})
				require.NoError(t, err)
				require.Equal(t, 2, n)

				stats, err := b.QueueStats(ctx, "t")
				require.NoError(t, err)
				require.Equal(t, int64(3), stats.Pending)
				require.Equal(t, int64(0), stats.Processing)
			},
		},
		{
			name: "clear drops every job",
			run: func(t *testing.T, b backend.Backend) {
				ctx := context.Background()
				_, err := b.Insert(ctx, newJob("t", "a", `{}`))
				require.NoError(t, err)

				require.NoError(t, b.Clear(ctx))

				_, err = b.Get(ctx, "t", "a")
				require.True(t, errors.IsJobNotFound(err))
				require.True(t, b.IsHealthy())
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, open(t))
		})
	}
}
