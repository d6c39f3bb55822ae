package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobAlreadyDone = errors.New("job already done")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type JobNotFoundError struct {
	JobType string
	JobID   string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s/%s", e.JobType, e.JobID)
}

func IsJobNotFound(err error) bool {
	var jnf *JobNotFoundError
	return errors.As(err, &jnf)
}

func IsJobAlreadyDone(err error) bool {
	return errors.Is(err, ErrJobAlreadyDone)
}

// ClaimRaceError reports ids that were no longer pending when a dispatch
// loop tried to claim them. A single loop per type makes this unreachable
// unless something outside the Manager touched the table.
type ClaimRaceError struct {
	JobType string
	JobIDs  []string
}

func (e *ClaimRaceError) Error() string {
	return fmt.Sprintf("claim race on %s: %s", e.JobType, strings.Join(e.JobIDs, ", "))
}

func IsClaimRace(err error) bool {
	var cre *ClaimRaceError
	return errors.As(err, &cre)
}

type WorkerFailureError struct {
	JobType string
	JobID   string
	Err     error
}

func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("worker failed on %s/%s: %v", e.JobType, e.JobID, e.Err)
}

func (e *WorkerFailureError) Unwrap() error {
	return e.Err
}

func IsWorkerFailure(err error) bool {
	var wfe *WorkerFailureError
	return errors.As(err, &wfe)
}

type BackendConnectionError struct {
	Backend string
	Err     error
}

func (e *BackendConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s backend: %v", e.Backend, e.Err)
}

func (e *BackendConnectionError) Unwrap() error {
	return e.Err
}

func IsBackendConnection(err error) bool {
	var bce *BackendConnectionError
	return errors.As(err, &bce)
}

type BackendOperationError struct {
	Operation string
	Err       error
}

func (e *BackendOperationError) Error() string {
	return fmt.Sprintf("backend operation %s failed: %v", e.Operation, e.Err)
}

func (e *BackendOperationError) Unwrap() error {
	return e.Err
}

func IsBackendOperation(err error) bool {
	var boe *BackendOperationError
	return errors.As(err, &boe)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type BatchError struct {
	TotalJobs     int
	FailedJobs    int
	SucceededJobs int
	FirstError    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch operation failed: %d/%d jobs failed. First error: %v",
		e.FailedJobs, e.TotalJobs, e.FirstError)
}

func (e *BatchError) Unwrap() error {
	return e.FirstError
}

func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %v", e.Operation, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
