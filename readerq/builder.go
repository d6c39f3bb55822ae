package readerq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

type Batch struct {
	client *Client
	jobs   []*job.Job
	mu     sync.Mutex
}

type JobBuilder struct {
	client  *Client
	batch   *Batch
	payload any
	jobType string
	id      string
}

func (c *Client) Batch() *Batch {
	return &Batch{
		client: c,
		jobs:   make([]*job.Job, 0),
	}
}

// Job starts building a job for payload. The type defaults to the payload's
// struct name (or its JobType method) and the id to a hash of the payload.
func (c *Client) Job(payload any) *JobBuilder {
	return &JobBuilder{
		client:  c,
		payload: payload,
		jobType: typeName(payload),
	}
}

func (b *Batch) Job(payload any) *JobBuilder {
	return &JobBuilder{
		client:  b.client,
		batch:   b,
		payload: payload,
		jobType: typeName(payload),
	}
}

func (jb *JobBuilder) Type(jobType string) *JobBuilder {
	jb.jobType = jobType
	return jb
}

func (jb *JobBuilder) ID(id string) *JobBuilder {
	jb.id = id
	return jb
}

func (jb *JobBuilder) build() (*job.Job, error) {
	if jb.jobType == "" {
		return nil, &errors.ValidationError{Field: "type", Message: "cannot be empty"}
	}

	data, err := json.Marshal(jb.payload)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("failed to marshal: %v", err),
		}
	}

	id := jb.id
	if id == "" {
		hash := sha256.Sum256(data)
		id = hex.EncodeToString(hash[:])
	}

	return &job.Job{
		ID:        id,
		Type:      jb.jobType,
		Data:      data,
		CreatedAt: jb.client.now(),
	}, nil
}

// Enqueue inserts the job, or adds it to the batch when built from one, and
// returns its id. Enqueueing an id that already exists is not an error.
func (jb *JobBuilder) Enqueue(ctx context.Context) (string, error) {
	j, err := jb.build()
	if err != nil {
		return "", err
	}

	if jb.batch != nil {
		jb.batch.mu.Lock()
		jb.batch.jobs = append(jb.batch.jobs, j)
		jb.batch.mu.Unlock()
		return j.ID, nil
	}

	if _, err := jb.client.Queue(j.Type).Insert(ctx, j.ID, j.Data); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Commit inserts every queued job and reports how many were new.
func (b *Batch) Commit(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.jobs) == 0 {
		return 0, nil
	}

	// One insert per type, in the order each type first appears.
	var types []string
	byType := make(map[string][]*job.Job)
	for _, j := range b.jobs {
		if _, ok := byType[j.Type]; !ok {
			types = append(types, j.Type)
		}
		byType[j.Type] = append(byType[j.Type], j)
	}

	inserted, committed := 0, 0
	for _, t := range types {
		n, err := b.client.Queue(t).insertBatch(ctx, byType[t])
		if err != nil {
			return inserted, &errors.BatchError{
				TotalJobs:     len(b.jobs),
				FailedJobs:    len(b.jobs) - committed,
				SucceededJobs: committed,
				FirstError:    err,
			}
		}
		inserted += n
		committed += len(byType[t])
	}

	b.jobs = b.jobs[:0]

	return inserted, nil
}
