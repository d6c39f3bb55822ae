package readerq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq/backend"
	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

// Manager is the typed accessor over the job table for one job type. It is
// the only writer of the processing flag, result and error columns.
type Manager struct {
	jobType  string
	backend  backend.Backend
	waitPoll time.Duration
	now      func() time.Time
}

func newManager(jobType string, b backend.Backend, waitPoll time.Duration) *Manager {
	return &Manager{
		jobType:  jobType,
		backend:  b,
		waitPoll: waitPoll,
		now:      time.Now,
	}
}

func (m *Manager) Type() string {
	return m.jobType
}

// SelectPending returns up to limit pending ids in insertion order. A limit
// of zero or less means no limit.
func (m *Manager) SelectPending(ctx context.Context, limit int) ([]string, error) {
	return m.backend.SelectPending(ctx, m.jobType, limit)
}

// Claim moves ids from pending to processing and returns the ones it moved.
// Ids that were not pending come back in a *errors.ClaimRaceError alongside
// the claimed subset.
func (m *Manager) Claim(ctx context.Context, ids []string) ([]string, error) {
	claimed, err := m.backend.Claim(ctx, m.jobType, ids)
	if err != nil {
		return nil, err
	}
	if len(claimed) == len(ids) {
		return claimed, nil
	}

	got := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		got[id] = struct{}{}
	}
	raced := make([]string, 0, len(ids)-len(claimed))
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			raced = append(raced, id)
		}
	}
	return claimed, &errors.ClaimRaceError{JobType: m.jobType, JobIDs: raced}
}

func (m *Manager) Get(ctx context.Context, id string) (*job.Job, error) {
	return m.backend.Get(ctx, m.jobType, id)
}

// Read decodes the input payload of a job into v.
func (m *Manager) Read(ctx context.Context, id string, v any) error {
	j, err := m.backend.Get(ctx, m.jobType, id)
	if err != nil {
		return err
	}
	return decodeInto(j.Data, v)
}

// ReadOr is Read with a fallback: when the job does not exist, def is
// encoded into v instead of returning an error.
func (m *Manager) ReadOr(ctx context.Context, id string, v any, def any) error {
	err := m.Read(ctx, id, v)
	if !errors.IsJobNotFound(err) {
		return err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode default: %w", err)
	}
	return decodeInto(raw, v)
}

func (m *Manager) UpdateProgress(ctx context.Context, id string, progress any) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return m.backend.UpdateProgress(ctx, m.jobType, id, raw)
}

// Progress decodes the last reported progress into v. It reports false when
// no progress has been recorded yet.
func (m *Manager) Progress(ctx context.Context, id string, v any) (bool, error) {
	j, err := m.backend.Get(ctx, m.jobType, id)
	if err != nil {
		return false, err
	}
	if j.Progress == nil {
		return false, nil
	}
	return true, decodeInto(j.Progress, v)
}

// SetResult stores the result and stamps done_at.
func (m *Manager) SetResult(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return m.backend.Finish(ctx, m.jobType, id, raw, nil, m.now())
}

// SetError stores a failure payload and stamps done_at. A plain error is
// recorded as a job.Failure; any other value is stored as given.
func (m *Manager) SetError(ctx context.Context, id string, failure any) error {
	switch f := failure.(type) {
	case nil:
		failure = job.Failure{Error: "unknown error", Kind: job.FailureKindError}
	case *job.Failure:
		if f == nil {
			failure = job.Failure{Error: "unknown error", Kind: job.FailureKindError}
		}
	case job.Failure:
	case error:
		failure = job.Failure{Error: f.Error(), Kind: job.FailureKindError}
	}

	raw, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	return m.backend.Finish(ctx, m.jobType, id, nil, raw, m.now())
}

// ReadTerminal returns the stored result or error. Both are nil while the
// job is not done.
func (m *Manager) ReadTerminal(ctx context.Context, id string) (result, failure json.RawMessage, err error) {
	j, err := m.backend.Get(ctx, m.jobType, id)
	if err != nil {
		return nil, nil, err
	}
	if !j.IsDone() {
		return nil, nil, nil
	}
	return j.Result, j.Error, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.backend.Delete(ctx, m.jobType, id)
}

// Insert creates a pending job. It reports false and changes nothing when
// the id already exists for this type.
func (m *Manager) Insert(ctx context.Context, id string, data any) (bool, error) {
	j, err := m.newJob(id, data)
	if err != nil {
		return false, err
	}

	inserted, err := m.backend.Insert(ctx, j)
	if err != nil {
		return false, err
	}
	if inserted {
		log.Ctx(ctx).Debug().Str("job_type", m.jobType).Str("job_id", id).Msg("job inserted")
	}
	return inserted, nil
}

// insertBatch inserts prebuilt jobs of this type in one backend call.
func (m *Manager) insertBatch(ctx context.Context, jobs []*job.Job) (int, error) {
	for _, j := range jobs {
		if j.Type != m.jobType {
			return 0, &errors.ValidationError{Field: "type", Message: fmt.Sprintf("job %s is %q, not %q", j.ID, j.Type, m.jobType)}
		}
		if j.ID == "" {
			return 0, &errors.ValidationError{Field: "id", Message: "cannot be empty"}
		}
	}
	return m.backend.InsertBatch(ctx, jobs)
}

func (m *Manager) newJob(id string, data any) (*job.Job, error) {
	if id == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "cannot be empty"}
	}

	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "data",
				Message: fmt.Sprintf("failed to marshal: %v", err),
			}
		}
	}

	return &job.Job{
		ID:        id,
		Type:      m.jobType,
		Data:      raw,
		CreatedAt: m.now(),
	}, nil
}

// QueuePosition is the number of not-done jobs of this type inserted before
// id. Unknown ids report 0.
func (m *Manager) QueuePosition(ctx context.Context, id string) (int64, error) {
	return m.backend.QueuePosition(ctx, m.jobType, id)
}

func (m *Manager) Stats(ctx context.Context) (*backend.QueueStats, error) {
	return m.backend.QueueStats(ctx, m.jobType)
}

// Decode unmarshals a stored payload into a T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := decodeInto(raw, &v)
	return v, err
}

func decodeInto(raw json.RawMessage, v any) error {
	if raw == nil {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
