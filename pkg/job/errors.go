package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or log entry does not exist.
	ErrNotFound = errors.New("job: not found")

	// ErrAlreadyExists is returned by [Store.Create] for a duplicate job id.
	ErrAlreadyExists = errors.New("job: already exists")
)

// MissingInputError reports that a stage's required input is absent. It is
// terminal: the stage is marked failed_missing_input and never retried.
type MissingInputError struct {
	Stage Stage
	Key   string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: required input %q does not exist", e.Stage, e.Key)
}

// TransformError wraps a transient failure while executing a stage
// transform: a network error, an API error or a timeout.
type TransformError struct {
	Stage Stage
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: transform failed: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the job store, log store or blob store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// WebhookDeliveryError reports that the completion webhook could not be
// delivered. It never fails the stage itself.
type WebhookDeliveryError struct {
	Stage      Stage
	JobID      string
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s/%s: %v", e.Stage, e.JobID, e.Err)
	}
	return fmt.Sprintf("webhook %s/%s: unexpected HTTP %d", e.Stage, e.JobID, e.StatusCode)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }

// IsTerminal reports whether err means the stage can never succeed.
func IsTerminal(err error) bool {
	var mi *MissingInputError
	return errors.As(err, &mi)
}

// IsRetryable reports whether err is a transient failure the sweeper should
// re-drive.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	var te *TransformError
	var pe *PersistenceError
	return errors.As(err, &te) || errors.As(err, &pe)
}
