package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCompleted is returned by Submit for a completed job. Resubmitting
	// would overwrite its results.
	ErrAlreadyCompleted = errors.New("job is already completed")
	// ErrAlreadyQueueing is returned by Submit for a job that is already in the queue.
	ErrAlreadyQueueing = errors.New("job is already queueing")
	// ErrNotOwner is returned when a local job is controlled from a process that
	// did not start it.
	ErrNotOwner = errors.New("local job was not started by this process")
	// ErrJobFailed is returned by Run when the job ends in the error status.
	ErrJobFailed = errors.New("job terminated with error status")
)

// ConfigurationError reports invalid job or generator settings.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid job configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid job configuration (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StateConflictError reports an operation that is not legal in the job's
// current status.
type StateConflictError struct {
	Op     string
	Job    string
	Status string
	Err    error
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("%s %s: not allowed in status %s", e.Op, e.Job, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateConflictError) Unwrap() error { return e.Err }

// BackendInvocationError reports a failed submit, delete or live-list call.
type BackendInvocationError struct {
	Command    string
	StdoutPath string
	StderrPath string
	Err        error
}

func (e *BackendInvocationError) Error() string {
	return fmt.Sprintf("backend command %q failed (stdout %s, stderr %s): %v", e.Command, e.StdoutPath, e.StderrPath, e.Err)
}

func (e *BackendInvocationError) Unwrap() error { return e.Err }

var errScriptWritten = errors.New("jobs are not reusable; the script is already written")
