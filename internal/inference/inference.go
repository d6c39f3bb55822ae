// Package inference runs model jobs. The model is loaded on the first batch
// and released after the type has been idle for a while.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq"
)

const DefaultJobType = "inference"

// Progress is stored while a job runs: 0 once the model is loaded, 1 when
// the output is ready.
type Progress struct {
	Done float64 `json:"done"`
}

type Worker struct {
	jobType     string
	model       *readerq.Resource[Model]
	idleTimeout time.Duration
}

// NewWorker builds a worker for jobType that loads its model with load.
func NewWorker(jobType string, load func(ctx context.Context) (Model, error), idleTimeout time.Duration) *Worker {
	if jobType == "" {
		jobType = DefaultJobType
	}
	return &Worker{
		jobType:     jobType,
		model:       readerq.NewResource(load, func(m Model) error { return m.Close() }),
		idleTimeout: idleTimeout,
	}
}

// CommandLoader loads a CommandModel running argv.
func CommandLoader(argv []string) func(ctx context.Context) (Model, error) {
	return func(ctx context.Context) (Model, error) {
		return StartCommand(ctx, argv)
	}
}

func (w *Worker) JobType() string {
	return w.jobType
}

// Loaded reports whether the model is currently held in memory.
func (w *Worker) Loaded() bool {
	return w.model.Loaded()
}

func (w *Worker) Register(c *readerq.Client) {
	var opts []readerq.DispatchOption
	if w.idleTimeout > 0 {
		opts = append(opts, readerq.WithIdleTimeout(w.idleTimeout, w.unload))
	}
	c.Handle(w.jobType, readerq.EachJob(w.process), opts...)
}

func (w *Worker) process(ctx context.Context, m *readerq.Manager, id string) (any, error) {
	model, err := w.model.Get(ctx)
	if err != nil {
		return nil, err
	}

	var input json.RawMessage
	if err := m.Read(ctx, id, &input); err != nil {
		return nil, err
	}

	if err := m.UpdateProgress(ctx, id, Progress{Done: 0}); err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := model.Infer(ctx, input)
	if err != nil {
		if errors.Is(err, ErrModelGone) {
			// Drop the dead model so the next job loads a fresh one.
			w.unload(ctx)
		}
		return nil, err
	}
	log.Ctx(ctx).Debug().Str("job_id", id).Dur("took", time.Since(start)).Msg("inference done")

	if err := m.UpdateProgress(ctx, id, Progress{Done: 1}); err != nil {
		return nil, err
	}
	return output, nil
}

func (w *Worker) unload(ctx context.Context) {
	if !w.model.Loaded() {
		return
	}
	if err := w.model.Release(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("error unloading model")
		return
	}
	log.Ctx(ctx).Info().Msg("model unloaded")
}

// Close releases the model if it is loaded.
func (w *Worker) Close() error {
	return w.model.Release()
}

// Enqueue inserts input under a content-derived id, so repeating the same
// input reuses the stored job.
func (w *Worker) Enqueue(ctx context.Context, c *readerq.Client, input any) (string, error) {
	return c.Job(input).Type(w.jobType).Enqueue(ctx)
}
