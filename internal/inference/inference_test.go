package inference_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olamilekan000/readerq/internal/inference"
	"github.com/olamilekan000/readerq/readerq"
	"github.com/olamilekan000/readerq/readerq/config"
	"github.com/olamilekan000/readerq/readerq/job"
)

func catArgv(t *testing.T) []string {
	t.Helper()

	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat is not available")
	}
	return []string{path}
}

func TestCommandModel(t *testing.T) {
	ctx := context.Background()

	m, err := inference.StartCommand(ctx, catArgv(t))
	require.NoError(t, err)

	out, err := m.Infer(ctx, json.RawMessage(`{ "text": "hello",
		"type": "mtl" }`))
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hello","type":"mtl"}`, string(out))

	out, err = m.Infer(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(out))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Infer(ctx, json.RawMessage(`1`))
	require.Error(t, err)

	_, err = inference.StartCommand(ctx, nil)
	require.Error(t, err)
}

type echoModel struct {
	closed *atomic.Int32
}

func (m echoModel) Infer(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"echo":%s}`, input)), nil
}

func (m echoModel) Close() error {
	m.closed.Add(1)
	return nil
}

func TestWorker(t *testing.T) {
	c, err := readerq.NewClient(context.Background(), &config.Config{
		SQLitePath:       filepath.Join(t.TempDir(), "jobs.sqlite"),
		PollInterval:     20 * time.Millisecond,
		WaitPollInterval: 10 * time.Millisecond,
		ShutdownTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var loads, closes atomic.Int32
	w := inference.NewWorker("llm", func(ctx context.Context) (inference.Model, error) {
		loads.Add(1)
		return echoModel{closed: &closes}, nil
	}, 150*time.Millisecond)
	w.Register(c)
	require.Equal(t, []string{"llm"}, c.RegisteredTypes())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Consume(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	id, err := w.Enqueue(ctx, c, map[string]string{"text": "猫"})
	require.NoError(t, err)

	again, err := w.Enqueue(ctx, c, map[string]string{"text": "猫"})
	require.NoError(t, err)
	require.Equal(t, id, again)

	m := c.Queue("llm")
	result, failure, err := m.Wait(ctx, id, readerq.WaitOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.JSONEq(t, `{"echo":{"text":"猫"}}`, string(result))

	var progress inference.Progress
	ok, err := m.Progress(ctx, id, &progress)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.0, progress.Done)

	require.Eventually(t, func() bool { return closes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.False(t, w.Loaded())

	id2, err := w.Enqueue(ctx, c, "second")
	require.NoError(t, err)
	_, _, err = m.Wait(ctx, id2, readerq.WaitOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestWorker_CommandModel(t *testing.T) {
	argv := catArgv(t)

	c, err := readerq.NewClient(context.Background(), &config.Config{
		SQLitePath:       filepath.Join(t.TempDir(), "jobs.sqlite"),
		PollInterval:     20 * time.Millisecond,
		WaitPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	w := inference.NewWorker("", inference.CommandLoader(argv), time.Minute)
	w.Register(c)
	t.Cleanup(func() { _ = w.Close() })
	require.Equal(t, inference.DefaultJobType, w.JobType())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Consume(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	id, err := w.Enqueue(ctx, c, []int{1, 2, 3})
	require.NoError(t, err)

	result, _, err := c.Queue(w.JobType()).Wait(ctx, id, readerq.WaitOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `[1,2,3]`, string(result))
	require.True(t, w.Loaded())
}

func TestWorker_ReloadsAfterModelExits(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	// Answers one request, then exits.
	argv := []string{sh, "-c", `read line; echo '{"ok":1}'`}

	c, err := readerq.NewClient(context.Background(), &config.Config{
		SQLitePath:       filepath.Join(t.TempDir(), "jobs.sqlite"),
		PollInterval:     20 * time.Millisecond,
		WaitPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var loads atomic.Int32
	w := inference.NewWorker("ocr", func(ctx context.Context) (inference.Model, error) {
		loads.Add(1)
		return inference.StartCommand(ctx, argv)
	}, time.Minute)
	w.Register(c)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Consume(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	m := c.Queue("ocr")
	run := func(input string) (json.RawMessage, json.RawMessage) {
		id, err := w.Enqueue(ctx, c, input)
		require.NoError(t, err)
		result, failure, err := m.Wait(ctx, id, readerq.WaitOptions{Timeout: 5 * time.Second})
		require.NoError(t, err)
		return result, failure
	}

	result, failure := run("a")
	require.Nil(t, failure)
	require.JSONEq(t, `{"ok":1}`, string(result))

	_, failure = run("b")
	require.NotNil(t, failure)
	f, err := readerq.Decode[job.Failure](failure)
	require.NoError(t, err)
	require.Contains(t, f.Error, inference.ErrModelGone.Error())
	require.False(t, w.Loaded())

	result, failure = run("c")
	require.Nil(t, failure)
	require.JSONEq(t, `{"ok":1}`, string(result))
	require.Equal(t, int32(2), loads.Load())
}

func TestCommandModel_ExitedProcess(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	ctx := context.Background()

	m, err := inference.StartCommand(ctx, []string{sh, "-c", `read line; echo 1`})
	require.NoError(t, err)
	defer m.Close()

	out, err := m.Infer(ctx, json.RawMessage(`0`))
	require.NoError(t, err)
	require.Equal(t, "1", string(out))

	_, err = m.Infer(ctx, json.RawMessage(`0`))
	require.ErrorIs(t, err, inference.ErrModelGone)
}
