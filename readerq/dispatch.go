package readerq

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

// HandlerFunc executes one claimed batch. For every id it must record a
// result or an error through m before returning.
type HandlerFunc func(ctx context.Context, m *Manager, batch []string)

// JobFunc handles a single job and returns its result.
type JobFunc func(ctx context.Context, m *Manager, id string) (any, error)

type DispatchOption func(*dispatcher)

func WithPollInterval(d time.Duration) DispatchOption {
	return func(ds *dispatcher) {
		if d > 0 {
			ds.pollInterval = d
		}
	}
}

// WithBatchSize caps how many pending jobs one poll claims. Zero claims
// everything pending.
func WithBatchSize(n int) DispatchOption {
	return func(ds *dispatcher) {
		ds.batchSize = n
	}
}

// WithIdleTimeout calls onIdle once after the type has seen no work for d.
// It runs on the worker slot, like batches do.
func WithIdleTimeout(d time.Duration, onIdle func(ctx context.Context)) DispatchOption {
	return func(ds *dispatcher) {
		ds.idleTimeout = d
		ds.onIdle = onIdle
	}
}

type dispatcher struct {
	client  *Client
	manager *Manager
	handler HandlerFunc

	pollInterval time.Duration
	batchSize    int
	idleTimeout  time.Duration
	onIdle       func(ctx context.Context)

	// runMu is held for a whole run, including the wait for its last task,
	// so two Consume calls never give one type two slots.
	runMu      sync.Mutex
	busy       sync.WaitGroup
	slot       *slot
	lastActive time.Time
	idleFired  bool
}

func (d *dispatcher) run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.slot = newSlot()
	defer func() {
		d.busy.Wait()
		d.slot.close()
	}()

	d.lastActive = d.manager.now()

	err := wait.PollUntilContextCancel(ctx, d.pollInterval, true, d.tick)
	if err != nil && !wait.Interrupted(err) {
		return err
	}
	return nil
}

func (d *dispatcher) tick(ctx context.Context) (bool, error) {
	if !d.client.acquire() {
		return true, nil
	}
	defer d.client.release()

	logger := log.Ctx(ctx)

	ids, err := d.manager.SelectPending(ctx, d.batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("error selecting pending jobs")
		return false, nil
	}

	if len(ids) == 0 {
		d.maybeIdle(ctx)
		return false, nil
	}

	claimed, err := d.manager.Claim(ctx, ids)
	if err != nil {
		if !errors.IsClaimRace(err) {
			logger.Error().Err(err).Strs("batch", ids).Msg("error claiming jobs")
			return false, nil
		}
		// Another writer moved these ids; only the claimed subset is ours.
		logger.Error().Err(err).Msg("claim race")
	}
	if len(claimed) == 0 {
		return false, nil
	}

	logger.Debug().Strs("batch", claimed).Msg("dispatching batch")

	d.execute(ctx, func(ctx context.Context) {
		recovered := d.invoke(ctx, claimed)
		d.settle(ctx, claimed, recovered)
	})

	d.lastActive = d.manager.now()
	d.idleFired = false
	return false, nil
}

func (d *dispatcher) maybeIdle(ctx context.Context) {
	if d.onIdle == nil || d.idleTimeout <= 0 || d.idleFired {
		return
	}
	if d.manager.now().Sub(d.lastActive) <= d.idleTimeout {
		return
	}

	d.idleFired = true
	log.Ctx(ctx).Debug().Dur("idle", d.idleTimeout).Msg("running idle callback")
	d.execute(ctx, d.onIdle)
}

// execute runs fn on the worker slot and waits for it. fn gets a context
// that is never cancelled; shutdown waits for it instead of interrupting it.
// Callers hold the in-flight reservation taken by tick.
func (d *dispatcher) execute(ctx context.Context, fn func(ctx context.Context)) {
	execCtx := context.WithoutCancel(ctx)

	d.client.inflight.Add(1)
	d.client.activeWorkers.Add(1)
	d.busy.Add(1)
	done := func() {
		d.busy.Done()
		d.client.activeWorkers.Add(-1)
		d.client.release()
	}

	accepted, _ := d.slot.submit(ctx, func() {
		defer done()
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(execCtx).Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic on worker slot")
			}
		}()
		fn(execCtx)
	})
	if !accepted {
		done()
	}
}

func (d *dispatcher) invoke(ctx context.Context, batch []string) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			log.Ctx(ctx).Error().
				Interface("panic", r).
				Strs("batch", batch).
				Bytes("stack", debug.Stack()).
				Msg("panic in handler")
		}
	}()

	d.handler(ctx, d.manager, batch)
	return nil
}

// settle records a failure for every claimed job the handler left without a
// terminal update, so no job stays processing forever.
func (d *dispatcher) settle(ctx context.Context, batch []string, recovered any) {
	failure := job.Failure{
		Error: "handler returned without recording a result",
		Kind:  job.FailureKindAbandoned,
	}
	if recovered != nil {
		failure = job.Failure{
			Error: fmt.Sprintf("panic: %v", recovered),
			Kind:  job.FailureKindPanic,
		}
	}

	for _, id := range batch {
		j, err := d.manager.Get(ctx, id)
		if err != nil {
			if !errors.IsJobNotFound(err) {
				log.Ctx(ctx).Error().Err(err).Str("job_id", id).Msg("error reading job after batch")
			}
			continue
		}
		if j.IsDone() {
			continue
		}

		log.Ctx(ctx).Warn().Str("job_id", id).Str("kind", failure.Kind).Msg("job left unfinished by handler")
		if err := d.manager.SetError(ctx, id, failure); err != nil && !errors.IsJobAlreadyDone(err) {
			log.Ctx(ctx).Error().Err(err).Str("job_id", id).Msg("error recording failure")
		}
	}
}

// EachJob adapts a per-job function into a HandlerFunc. Jobs run in batch
// order; an error or panic in one job is recorded as that job's error and
// the rest of the batch still runs.
func EachJob(fn JobFunc) HandlerFunc {
	return func(ctx context.Context, m *Manager, batch []string) {
		for _, id := range batch {
			runJob(ctx, m, id, fn)
		}
	}
}

func runJob(ctx context.Context, m *Manager, id string, fn JobFunc) {
	logger := log.Ctx(ctx).With().Str("job_id", id).Logger()

	result, err := callJob(ctx, m, id, fn)
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
		if err := m.SetError(ctx, id, failureOf(err)); err != nil && !errors.IsJobAlreadyDone(err) {
			logger.Error().Err(err).Msg("error recording job failure")
		}
		return
	}

	if err := m.SetResult(ctx, id, result); err != nil {
		if errors.IsJobAlreadyDone(err) {
			return
		}
		logger.Error().Err(err).Msg("error recording job result")
		return
	}
	logger.Debug().Msg("job done")
}

func callJob(ctx context.Context, m *Manager, id string, fn JobFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.WorkerFailureError{
				JobType: m.jobType,
				JobID:   id,
				Err:     &panicError{value: r},
			}
		}
	}()

	result, err = fn(ctx, m, id)
	if err != nil {
		return nil, &errors.WorkerFailureError{JobType: m.jobType, JobID: id, Err: err}
	}
	return result, nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func failureOf(err error) job.Failure {
	cause := err
	var wfe *errors.WorkerFailureError
	if stderrors.As(err, &wfe) {
		cause = wfe.Err
	}

	var pe *panicError
	if stderrors.As(cause, &pe) {
		return job.Failure{Error: pe.Error(), Kind: job.FailureKindPanic}
	}
	return job.Failure{Error: cause.Error(), Kind: job.FailureKindError}
}
