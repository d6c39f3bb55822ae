package readerq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlot_RunsTasksOnOneGoroutine(t *testing.T) {
	s := newSlot()
	defer s.close()

	ctx := context.Background()
	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		accepted, err := s.submit(ctx, func() { order <- i })
		require.True(t, accepted)
		require.NoError(t, err)
	}

	require.Equal(t, 0, <-order)
	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}

func TestSlot_CancelledWaitLetsTaskFinish(t *testing.T) {
	s := newSlot()
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	release := make(chan struct{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	accepted, err := s.submit(ctx, func() {
		<-release
		close(finished)
	})
	require.True(t, accepted)
	require.ErrorIs(t, err, context.Canceled)

	// The slot is still busy, so a second submit cannot be accepted.
	busyCtx, busyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer busyCancel()
	accepted, err = s.submit(busyCtx, func() {})
	require.False(t, accepted)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-finished
}

func TestResource_LazyAndIdempotentRelease(t *testing.T) {
	loads, releases := 0, 0
	r := NewResource(
		func(ctx context.Context) (int, error) {
			loads++
			return loads, nil
		},
		func(v int) error {
			releases++
			return nil
		},
	)

	require.False(t, r.Loaded())
	require.NoError(t, r.Release())
	require.Equal(t, 0, releases)

	v, err := r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	require.Equal(t, 1, releases)

	v, err = r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestResource_LoadErrorIsRetried(t *testing.T) {
	attempts := 0
	r := NewResource(func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", fmt.Errorf("not yet")
		}
		return "ok", nil
	}, nil)

	_, err := r.Get(context.Background())
	require.Error(t, err)
	require.False(t, r.Loaded())

	v, err := r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}
