package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/olamilekan000/readerq/readerq/job"
)

// Backend is the job table. Every job type shares it; rows are keyed by
// (id, type) and ordered by a store-assigned sequence.
type Backend interface {
	Insert(ctx context.Context, j *job.Job) (bool, error)
	InsertBatch(ctx context.Context, jobs []*job.Job) (int, error)

	SelectPending(ctx context.Context, jobType string, limit int) ([]string, error)
	Claim(ctx context.Context, jobType string, ids []string) ([]string, error)

	Get(ctx context.Context, jobType, id string) (*job.Job, error)
	UpdateProgress(ctx context.Context, jobType, id string, progress json.RawMessage) error
	Finish(ctx context.Context, jobType, id string, result, failure json.RawMessage, doneAt time.Time) error
	Delete(ctx context.Context, jobType, id string) error

	QueuePosition(ctx context.Context, jobType, id string) (int64, error)
	PurgeDone(ctx context.Context, cutoff time.Time) (int64, error)
	Clear(ctx context.Context) error

	DiscoverTypes(ctx context.Context) ([]string, error)
	QueueStats(ctx context.Context, jobType string) (*QueueStats, error)

	Close() error
	IsHealthy() bool
}

type QueueStats struct {
	Type       string `json:"type"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Done       int64  `json:"done"`
	Failed     int64  `json:"failed"`
}
