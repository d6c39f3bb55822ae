package job

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
)

// Job is one unit of queued work. (ID, Type) is unique; Seq is assigned by
// the backend on insert and orders jobs of the same type.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Processing bool            `json:"processing"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	DoneAt     *time.Time      `json:"done_at,omitempty"`
	Seq        int64           `json:"-"`
}

// State derives the lifecycle state. DoneAt is the only terminal marker.
func (j *Job) State() State {
	switch {
	case j.DoneAt != nil:
		return StateDone
	case j.Processing:
		return StateProcessing
	default:
		return StatePending
	}
}

func (j *Job) IsDone() bool {
	return j.DoneAt != nil
}

// Failure is the payload stored in Job.Error when a handler fails.
type Failure struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

const (
	FailureKindError     = "error"
	FailureKindPanic     = "panic"
	FailureKindAbandoned = "abandoned"
)
