package readerq

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/olamilekan000/readerq/readerq/errors"
)

type WaitOptions struct {
	// Timeout bounds the wait. Zero waits until ctx is done.
	Timeout time.Duration
	// PollInterval defaults to the client's WaitPollInterval.
	PollInterval time.Duration
}

// Wait blocks until the job has a result or an error and returns both
// payloads; exactly one is non-nil. It returns a *errors.TimeoutError when
// opts.Timeout elapses and ctx.Err() when ctx ends first. The job itself is never cancelled: on
// timeout it keeps running and may finish with nobody reading it.
func (m *Manager) Wait(ctx context.Context, id string, opts WaitOptions) (result, failure json.RawMessage, err error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = m.waitPoll
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	check := func(ctx context.Context) (bool, error) {
		res, fail, err := m.ReadTerminal(ctx, id)
		if err != nil {
			return false, err
		}
		if res == nil && fail == nil {
			return false, nil
		}
		result, failure = res, fail
		return true, nil
	}

	if opts.Timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, interval, opts.Timeout, true, check)
	} else {
		err = wait.PollUntilContextCancel(ctx, interval, true, check)
	}

	if err != nil {
		// A cancelled caller is not a timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		if wait.Interrupted(err) {
			return nil, nil, &errors.TimeoutError{Operation: "wait " + m.jobType + "/" + id, Timeout: opts.Timeout}
		}
		return nil, nil, err
	}
	return result, failure, nil
}
