package readerq

import (
	"context"
	"sync"
)

// slot is a worker pool with exactly one execution slot. Tasks run on a
// dedicated goroutine, so anything a task loads stays owned by that
// goroutine and a long task never blocks the submitting loop's siblings.
type slot struct {
	tasks     chan func()
	closeOnce sync.Once
}

func newSlot() *slot {
	s := &slot{tasks: make(chan func())}
	go s.loop()
	return s
}

func (s *slot) loop() {
	for task := range s.tasks {
		task()
	}
}

// submit hands task to the slot and waits for it to return. accepted is
// false when ctx ended before the slot took the task; once accepted the task
// always runs to completion even if submit stops waiting for it.
func (s *slot) submit(ctx context.Context, task func()) (accepted bool, err error) {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	select {
	case s.tasks <- wrapped:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (s *slot) close() {
	s.closeOnce.Do(func() { close(s.tasks) })
}
