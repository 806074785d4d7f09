// Package model defines the core data types shared by the queue daemon, its storage and its producers.
package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/target/queuesd/internal/domain/job"
)

// CancellingCommand is the internal command run by jobs that cascade a failure to dependents.
const CancellingCommand = "internal:mark-as-cancelled"

var (
	// ErrSelfDependency is returned when a job is linked to itself.
	ErrSelfDependency = errors.New("a job cannot depend on itself")
	// ErrCrossDependency is returned when two jobs would be both parent and child of each other.
	ErrCrossDependency = errors.New("jobs are already linked in the opposite direction")
	// ErrUnsavedJob is returned when a relation needs an id that storage has not assigned yet.
	ErrUnsavedJob = errors.New("job has no id")
	// ErrCannotRetry is returned when a retry is requested for a job whose strategy forbids it.
	ErrCannotRetry = errors.New("job cannot be retried")
	// ErrNoJobsAvailable is returned when no runnable job exists in a queue.
	ErrNoJobsAvailable = errors.New("no jobs available")
)

// Job is a unit of work tracked through its status lifecycle.
//
// Relations are stored as id sets rather than object pointers; the in-memory
// working set resolves them when a caller needs the related jobs.
type Job struct {
	ID                  int64
	Command             string
	Input               JobInput
	Queue               string
	Priority            int
	status              JobStatus
	CreatedAt           time.Time
	ExecuteAfterTime    *time.Time
	StartedAt           *time.Time
	ClosedAt            *time.Time
	Debug               map[string]any
	Output              *string
	ExitCode            *int
	CancellationReason  *string
	ProcessedByDaemonID *int64
	RetryStrategy       job.RetryStrategy
	Version             int64

	ChildDependencyIDs  []int64
	ParentDependencyIDs []int64
	CancelledByID       *int64
	CancelledJobIDs     []int64
	RetryOfID           *int64
	RetriedByID         *int64
	FirstRetriedJobID   *int64
	RetryingJobIDs      []int64
}

// NewJob builds a job in NEW with the default never-retry strategy.
func NewJob(command string, input JobInput, queue string) *Job {
	return &Job{
		Command:       command,
		Input:         input,
		Queue:         queue,
		status:        JobStatusNew,
		CreatedAt:     time.Now().UTC(),
		RetryStrategy: job.NewNeverRetry(),
	}
}

// Status returns the current status of the job.
func (j *Job) Status() JobStatus {
	return j.status
}

func (j *Job) setStatus(to JobStatus) error {
	if err := ValidateTransition(j.status, to); err != nil {
		return fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.status = to
	return nil
}

// Strategy returns the job's retry strategy, defaulting to never retry.
func (j *Job) Strategy() job.RetryStrategy {
	if j.RetryStrategy == nil {
		return job.NewNeverRetry()
	}
	return j.RetryStrategy
}

// IsStatusNew reports whether the job is NEW.
func (j *Job) IsStatusNew() bool { return j.status == JobStatusNew }

// IsStatusPending reports whether the job is PENDING.
func (j *Job) IsStatusPending() bool { return j.status == JobStatusPending }

// IsStatusRunning reports whether the job is RUNNING.
func (j *Job) IsStatusRunning() bool { return j.status == JobStatusRunning }

// IsStatusSucceeded reports SUCCEEDED or RETRY_SUCCEEDED.
func (j *Job) IsStatusSucceeded() bool { return j.status.IsSucceeded() }

// IsStatusFailedOnly reports exactly FAILED.
func (j *Job) IsStatusFailedOnly() bool { return j.status == JobStatusFailed }

// IsStatusAborted reports whether the job is ABORTED.
func (j *Job) IsStatusAborted() bool { return j.status == JobStatusAborted }

// IsStatusRetried reports whether the job is RETRIED.
func (j *Job) IsStatusRetried() bool { return j.status == JobStatusRetried }

// IsStatusCancelled reports whether the job is CANCELLED.
func (j *Job) IsStatusCancelled() bool { return j.status == JobStatusCancelled }

// IsStatusWaiting reports NEW or RETRIED.
func (j *Job) IsStatusWaiting() bool { return j.status.IsWaiting() }

// IsStatusWorking reports PENDING or RUNNING.
func (j *Job) IsStatusWorking() bool { return j.status.IsWorking() }

// IsStatusFinished reports any closing status.
func (j *Job) IsStatusFinished() bool { return j.status.IsFinished() }

// IsStatusFailed reports CANCELLED, FAILED, RETRY_FAILED or ABORTED.
func (j *Job) IsStatusFailed() bool { return j.status.IsFailed() }

// IsTypeRetrying reports whether this job is a retry of another one.
func (j *Job) IsTypeRetrying() bool { return j.RetryOfID != nil }

// IsTypeRetried reports whether another attempt was spawned from this job.
func (j *Job) IsTypeRetried() bool { return j.RetriedByID != nil }

// IsTypeCancelling reports whether the job cascades a failure to dependents.
func (j *Job) IsTypeCancelling() bool { return j.Command == CancellingCommand }

// IsTypeCancelled reports whether a cancelling job marked this one.
func (j *Job) IsTypeCancelled() bool { return j.CancelledByID != nil }

// AddChildDependency records that child waits on j. Linking an existing edge is a no-op.
func (j *Job) AddChildDependency(child *Job) error {
	if err := checkLink(j, child); err != nil {
		return err
	}
	j.ChildDependencyIDs = addID(j.ChildDependencyIDs, child.ID)
	child.ParentDependencyIDs = addID(child.ParentDependencyIDs, j.ID)
	return nil
}

// AddParentDependency records that j waits on parent.
func (j *Job) AddParentDependency(parent *Job) error {
	return parent.AddChildDependency(j)
}

// RemoveChildDependency drops the edge j -> child on both sides.
func (j *Job) RemoveChildDependency(child *Job) {
	j.ChildDependencyIDs = removeID(j.ChildDependencyIDs, child.ID)
	child.ParentDependencyIDs = removeID(child.ParentDependencyIDs, j.ID)
}

// RemoveParentDependency drops the edge parent -> j on both sides.
func (j *Job) RemoveParentDependency(parent *Job) {
	parent.RemoveChildDependency(j)
}

// HasChild reports whether id is a direct child of j.
func (j *Job) HasChild(id int64) bool {
	_, found := slices.BinarySearch(j.ChildDependencyIDs, id)
	return found
}

// HasParent reports whether id is a direct parent of j.
func (j *Job) HasParent(id int64) bool {
	_, found := slices.BinarySearch(j.ParentDependencyIDs, id)
	return found
}

func checkLink(parent, child *Job) error {
	if parent.ID == 0 || child.ID == 0 {
		return ErrUnsavedJob
	}
	if parent == child || parent.ID == child.ID {
		return ErrSelfDependency
	}
	if parent.HasParent(child.ID) || child.HasChild(parent.ID) {
		return fmt.Errorf("%w: %d and %d", ErrCrossDependency, parent.ID, child.ID)
	}
	return nil
}

func addID(ids []int64, id int64) []int64 {
	pos, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, pos, id)
}

func removeID(ids []int64, id int64) []int64 {
	pos, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(ids, pos, pos+1)
}

// NormalizeIDs sorts and deduplicates an id set in place.
func NormalizeIDs(ids []int64) []int64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// CanRun reports whether every parent has finished successfully. A parent that
// failed blocks its children until the cancelling job reaches them.
func (j *Job) CanRun(parents []*Job) bool {
	for _, p := range parents {
		if !p.IsStatusSucceeded() {
			return false
		}
	}
	return true
}

// CanBeDetached reports whether the job may leave the in-memory working set.
// retry is the attempt spawned from this job, nil if it is not loaded.
func (j *Job) CanBeDetached(retry *Job) bool {
	if j.IsStatusWorking() {
		return false
	}
	if j.IsTypeRetried() && retry != nil && !retry.IsStatusFinished() {
		return false
	}
	return true
}

// CanBeRemoved reports whether the job may be deleted: it must be finished and
// every job of its open retry or cancellation lineage must be finished too.
func (j *Job) CanBeRemoved(lineage []*Job) bool {
	if !j.IsStatusFinished() {
		return false
	}
	for _, l := range lineage {
		if !l.IsStatusFinished() {
			return false
		}
	}
	return true
}

// CanRetry reports whether a failed or aborted job may spawn another attempt when
// the failure is handled at at.
func (j *Job) CanRetry(at time.Time) bool {
	if j.status != JobStatusFailed && j.status != JobStatusAborted {
		return false
	}
	return j.Strategy().CanRetry(at)
}

// CreateRetryForFailed builds the next attempt of a FAILED or ABORTED job.
func (j *Job) CreateRetryForFailed(now time.Time) (*Job, error) {
	if !j.CanRetry(now) {
		return nil, fmt.Errorf("%w: job %d in %s", ErrCannotRetry, j.ID, j.status)
	}
	return j.newAttempt(now)
}

// CreateRetryForStale builds the next attempt of a job left PENDING or RUNNING by a dead daemon.
func (j *Job) CreateRetryForStale(now time.Time) (*Job, error) {
	if !j.IsStatusWorking() || !j.Strategy().CanRetry(now) {
		return nil, fmt.Errorf("%w: job %d in %s", ErrCannotRetry, j.ID, j.status)
	}
	return j.newAttempt(now)
}

func (j *Job) newAttempt(now time.Time) (*Job, error) {
	if j.ID == 0 {
		return nil, ErrUnsavedJob
	}
	strategy := j.Strategy()
	executeAfter, ok := strategy.RetryOn(now)
	if !ok {
		return nil, fmt.Errorf("%w: job %d has no retry slot", ErrCannotRetry, j.ID)
	}
	executeAfter = executeAfter.UTC()

	retryOf := j.ID
	first := j.ID
	if j.FirstRetriedJobID != nil {
		first = *j.FirstRetriedJobID
	}

	attempt := NewJob(j.Command, cloneInput(j.Input), j.Queue)
	attempt.CreatedAt = now.UTC()
	attempt.Priority = j.Priority - 1
	attempt.RetryStrategy = strategy.NewAttempt(now)
	attempt.ExecuteAfterTime = &executeAfter
	attempt.RetryOfID = &retryOf
	attempt.FirstRetriedJobID = &first
	attempt.ChildDependencyIDs = slices.Clone(j.ChildDependencyIDs)
	return attempt, nil
}

func cloneInput(in JobInput) JobInput {
	out := JobInput{Arguments: slices.Clone(in.Arguments)}
	for k, v := range in.Options {
		out.SetOption(k, cloneString(v))
	}
	for k, v := range in.Shortcuts {
		out.SetShortcut(k, cloneString(v))
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ProcessInfo carries the result of a job's process into the status marker.
type ProcessInfo struct {
	Output   string
	ExitCode *int
	Debug    map[string]any
}

// JobStats counts jobs per status.
type JobStats map[JobStatus]int

// Total returns the number of jobs across every status.
func (s JobStats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}
