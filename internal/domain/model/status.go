package model

import (
	"errors"
	"fmt"
	"strings"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusNew is the state of a freshly enqueued job.
	JobStatusNew JobStatus = "NEW"
	// JobStatusPending marks a job claimed by a daemon but not yet spawned.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusRunning marks a job whose process has been started.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusSucceeded marks a job whose process exited with code 0.
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	// JobStatusFailed marks a job whose process exited non-zero.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusAborted marks a job whose process could not be started.
	JobStatusAborted JobStatus = "ABORTED"
	// JobStatusRetried marks a failed job that spawned a new attempt.
	JobStatusRetried JobStatus = "RETRIED"
	// JobStatusRetrySucceeded marks a retried job whose lineage eventually succeeded.
	JobStatusRetrySucceeded JobStatus = "RETRY_SUCCEEDED"
	// JobStatusRetryFailed marks a retried job whose lineage eventually failed.
	JobStatusRetryFailed JobStatus = "RETRY_FAILED"
	// JobStatusCancelled marks a job cancelled because an ancestor failed.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusNew,
	JobStatusPending,
	JobStatusRunning,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusAborted,
	JobStatusRetried,
	JobStatusRetrySucceeded,
	JobStatusRetryFailed,
	JobStatusCancelled,
}

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Valid returns true if the JobStatus is one of the known statuses.
func (s JobStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// validTransitions maps each status to the statuses it may move to.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusNew: {JobStatusPending, JobStatusCancelled},
	JobStatusPending: {
		JobStatusRunning,
		JobStatusAborted,
		JobStatusFailed,
		JobStatusRetried,
		JobStatusCancelled,
	},
	JobStatusRunning: {
		JobStatusSucceeded,
		JobStatusFailed,
		JobStatusAborted,
		JobStatusRetried,
		JobStatusCancelled,
	},
	JobStatusFailed:  {JobStatusRetried},
	JobStatusAborted: {JobStatusRetried},
	JobStatusRetried: {
		JobStatusRetrySucceeded,
		JobStatusRetryFailed,
		JobStatusCancelled,
	},
	JobStatusSucceeded:      {},
	JobStatusRetrySucceeded: {},
	JobStatusRetryFailed:    {},
	JobStatusCancelled:      {},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with context when the move is not allowed.
func ValidateTransition(from, to JobStatus) error {
	if ValidTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func statusIn(s JobStatus, set ...JobStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IsWaiting reports NEW or RETRIED.
func (s JobStatus) IsWaiting() bool {
	return statusIn(s, JobStatusNew, JobStatusRetried)
}

// IsWorking reports PENDING or RUNNING.
func (s JobStatus) IsWorking() bool {
	return statusIn(s, JobStatusPending, JobStatusRunning)
}

// IsFinished reports any closing status. RETRIED counts as finished for its own row.
func (s JobStatus) IsFinished() bool {
	return statusIn(s,
		JobStatusAborted,
		JobStatusCancelled,
		JobStatusFailed,
		JobStatusRetried,
		JobStatusRetryFailed,
		JobStatusRetrySucceeded,
		JobStatusSucceeded,
	)
}

// IsFailed reports CANCELLED, FAILED, RETRY_FAILED or ABORTED.
func (s JobStatus) IsFailed() bool {
	return statusIn(s, JobStatusCancelled, JobStatusFailed, JobStatusRetryFailed, JobStatusAborted)
}

// IsSucceeded reports SUCCEEDED or RETRY_SUCCEEDED.
func (s JobStatus) IsSucceeded() bool {
	return statusIn(s, JobStatusSucceeded, JobStatusRetrySucceeded)
}
