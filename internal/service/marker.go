package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/observability/metrics"
	"github.com/target/queuesd/internal/observability/statsd"
)

// DefaultFlushAttempts bounds the refresh-and-retry of a conflicting status flush.
const DefaultFlushAttempts = 3

// JobStatusMarkerOptions groups dependencies for JobStatusMarker.
type JobStatusMarkerOptions struct {
	Repo          core.JobRepository // Required: job repository
	WorkingSet    *WorkingSet        // Optional: identity map consulted for lineage lookups
	Logger        *slog.Logger       // Optional: structured logger
	Metrics       statsd.Sink        // Optional: metrics sink
	Now           func() time.Time   // Optional: clock, defaults to time.Now
	FlushAttempts int                // Optional: defaults to DefaultFlushAttempts
	// FlushBackoff overrides the wait between flush attempts. Tests use a zero backoff.
	FlushBackoff func() backoff.BackOff
}

// JobStatusMarker is the only component that changes job statuses.
//
// Each mutation is validated against the status lifecycle and flushed for that
// single job. When the flush loses an optimistic-locking race the job is reloaded,
// the mutation is applied again on the fresh row, and the flush is retried a bounded
// number of times before the error is returned.
type JobStatusMarker struct {
	repo          core.JobRepository
	set           *WorkingSet
	logger        *slog.Logger
	metrics       statsd.Sink
	now           func() time.Time
	mutator       model.StatusMutator
	flushAttempts int
	flushBackoff  func() backoff.BackOff
}

// NewJobStatusMarker constructs a JobStatusMarker.
func NewJobStatusMarker(opts JobStatusMarkerOptions) (*JobStatusMarker, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	attempts := opts.FlushAttempts
	if attempts <= 0 {
		attempts = DefaultFlushAttempts
	}
	flushBackoff := opts.FlushBackoff
	if flushBackoff == nil {
		flushBackoff = defaultFlushBackoff
	}

	return &JobStatusMarker{
		repo:          opts.Repo,
		set:           opts.WorkingSet,
		logger:        logger.With("component", "job_status_marker"),
		metrics:       opts.Metrics,
		now:           now,
		mutator:       model.NewStatusMutator(now),
		flushAttempts: attempts,
		flushBackoff:  flushBackoff,
	}, nil
}

func defaultFlushBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// MarkPending claims a NEW job for the daemon.
func (m *JobStatusMarker) MarkPending(ctx context.Context, j *model.Job, daemon *model.Daemon) error {
	if daemon == nil {
		return errors.New("daemon is required")
	}
	daemonID := daemon.ID
	return m.apply(ctx, j, "pending", func(j *model.Job) error {
		if err := m.mutator.Transition(j, model.JobStatusPending); err != nil {
			return err
		}
		j.ProcessedByDaemonID = &daemonID
		return nil
	})
}

// MarkRunning records that the job's process has started.
func (m *JobStatusMarker) MarkRunning(ctx context.Context, j *model.Job) error {
	return m.apply(ctx, j, "running", func(j *model.Job) error {
		return m.mutator.Transition(j, model.JobStatusRunning)
	})
}

// MarkSucceeded closes a job whose process exited with code 0 and marks its retry
// lineage RETRY_SUCCEEDED.
func (m *JobStatusMarker) MarkSucceeded(ctx context.Context, j *model.Job, info model.ProcessInfo) error {
	if err := m.close(ctx, j, model.JobStatusSucceeded, info); err != nil {
		return err
	}
	if j.IsTypeRetrying() {
		return m.MarkParentsAsRetrySucceeded(ctx, j)
	}
	return nil
}

// MarkFailed closes a job whose process exited non-zero. When no further attempt
// will be made, its retry lineage is marked RETRY_FAILED.
func (m *JobStatusMarker) MarkFailed(ctx context.Context, j *model.Job, info model.ProcessInfo) error {
	return m.closeFailed(ctx, j, model.JobStatusFailed, info, j.Strategy().CanRetry(m.now()))
}

// MarkAborted closes a job whose process could not be started. When no further
// attempt will be made, its retry lineage is marked RETRY_FAILED.
func (m *JobStatusMarker) MarkAborted(ctx context.Context, j *model.Job, info model.ProcessInfo) error {
	return m.closeFailed(ctx, j, model.JobStatusAborted, info, j.Strategy().CanRetry(m.now()))
}

// SettleFailure closes a job as FAILED or ABORTED and decides, once, whether another
// attempt is made. When retryAllowed is set and the strategy allows it at the marker's
// current time, the next attempt is created and returned. Otherwise the retry lineage
// is marked RETRY_FAILED and the returned job is nil.
func (m *JobStatusMarker) SettleFailure(
	ctx context.Context,
	j *model.Job,
	status model.JobStatus,
	info model.ProcessInfo,
	retryAllowed bool,
) (*model.Job, error) {
	at := m.now()
	retrying := retryAllowed && j.Strategy().CanRetry(at)
	if err := m.closeFailed(ctx, j, status, info, retrying); err != nil {
		return nil, err
	}
	if !retrying {
		return nil, nil
	}
	retry, err := j.CreateRetryForFailed(at)
	if err != nil {
		return nil, err
	}
	return m.retry(ctx, j, retry, info)
}

// SettleStale resolves a job left PENDING or RUNNING by a dead daemon. It is retried
// when retryAllowed is set and its strategy allows another attempt at the marker's
// current time; otherwise it is closed as FAILED and the returned job is nil.
func (m *JobStatusMarker) SettleStale(
	ctx context.Context,
	j *model.Job,
	info model.ProcessInfo,
	retryAllowed bool,
) (*model.Job, error) {
	at := m.now()
	if retryAllowed && j.Strategy().CanRetry(at) {
		retry, err := j.CreateRetryForStale(at)
		if err != nil {
			return nil, err
		}
		return m.retry(ctx, j, retry, info)
	}
	return nil, m.closeFailed(ctx, j, model.JobStatusFailed, info, false)
}

func (m *JobStatusMarker) closeFailed(
	ctx context.Context,
	j *model.Job,
	status model.JobStatus,
	info model.ProcessInfo,
	retrying bool,
) error {
	if err := m.close(ctx, j, status, info); err != nil {
		return err
	}
	if j.IsTypeRetrying() && !retrying {
		return m.MarkParentsAsRetryFailed(ctx, j)
	}
	return nil
}

func (m *JobStatusMarker) close(ctx context.Context, j *model.Job, status model.JobStatus, info model.ProcessInfo) error {
	return m.apply(ctx, j, transitionName(status), func(j *model.Job) error {
		if err := m.mutator.Transition(j, status); err != nil {
			return err
		}
		applyInfo(j, info)
		return nil
	})
}

// MarkFailedJobAsRetried spawns the next attempt of a FAILED or ABORTED job and marks
// the job RETRIED. The new job is persisted and returned.
func (m *JobStatusMarker) MarkFailedJobAsRetried(
	ctx context.Context,
	j *model.Job,
	info model.ProcessInfo,
) (*model.Job, error) {
	retry, err := j.CreateRetryForFailed(m.now())
	if err != nil {
		return nil, err
	}
	return m.retry(ctx, j, retry, info)
}

// MarkStaleJobAsRetried spawns the next attempt of a job left PENDING or RUNNING by a
// dead daemon and marks the job RETRIED. The new job is persisted and returned.
func (m *JobStatusMarker) MarkStaleJobAsRetried(
	ctx context.Context,
	j *model.Job,
	info model.ProcessInfo,
) (*model.Job, error) {
	retry, err := j.CreateRetryForStale(m.now())
	if err != nil {
		return nil, err
	}
	return m.retry(ctx, j, retry, info)
}

func (m *JobStatusMarker) retry(
	ctx context.Context,
	j, retry *model.Job,
	info model.ProcessInfo,
) (*model.Job, error) {
	children, err := m.repo.FindChildren(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("load children of job %d: %w", j.ID, err)
	}
	retry.ChildDependencyIDs = retry.ChildDependencyIDs[:0]
	for _, c := range children {
		retry.ChildDependencyIDs = append(retry.ChildDependencyIDs, c.ID)
	}
	retry.ChildDependencyIDs = model.NormalizeIDs(retry.ChildDependencyIDs)

	if err := m.repo.Create(ctx, retry); err != nil {
		return nil, fmt.Errorf("create retry of job %d: %w", j.ID, err)
	}

	retryID := retry.ID
	firstID := *retry.FirstRetriedJobID
	if firstID != j.ID && m.set != nil {
		if first, ok := m.set.Get(firstID); ok {
			first.RetryingJobIDs = model.NormalizeIDs(append(first.RetryingJobIDs, retryID))
		}
	}

	err = m.apply(ctx, j, "retried", func(j *model.Job) error {
		if err := m.mutator.Transition(j, model.JobStatusRetried); err != nil {
			return err
		}
		j.RetriedByID = &retryID
		if j.ID == firstID {
			j.RetryingJobIDs = model.NormalizeIDs(append(j.RetryingJobIDs, retryID))
		}
		if j.Output == nil && j.ExitCode == nil {
			applyInfo(j, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.set != nil {
		m.set.Put(retry)
	}

	m.logger.InfoContext(ctx, "job retried",
		"job_id", j.ID,
		"retry_job_id", retry.ID,
		"queue", j.Queue,
		"attempt", retry.Strategy().Attempts(),
		"execute_after", retry.ExecuteAfterTime,
	)
	return retry, nil
}

// MarkJobAsCancelled cancels a job on behalf of a cancelling job.
func (m *JobStatusMarker) MarkJobAsCancelled(
	ctx context.Context,
	j *model.Job,
	cancelling *model.Job,
	reason string,
) error {
	if cancelling == nil || cancelling.ID == 0 {
		return fmt.Errorf("cancel job %d: %w", j.ID, model.ErrUnsavedJob)
	}
	if reason == "" {
		return apperrors.ValidationField("cancellation_reason", "a cancellation reason is required")
	}
	cancellingID := cancelling.ID
	return m.apply(ctx, j, "cancelled", func(j *model.Job) error {
		if err := m.mutator.Transition(j, model.JobStatusCancelled); err != nil {
			return err
		}
		r := reason
		j.CancellationReason = &r
		j.CancelledByID = &cancellingID
		return nil
	})
}

// MarkParentsAsRetrySucceeded walks the retry lineage of j and marks every RETRIED
// ancestor RETRY_SUCCEEDED, nearest first.
func (m *JobStatusMarker) MarkParentsAsRetrySucceeded(ctx context.Context, j *model.Job) error {
	return m.markLineage(ctx, j, model.JobStatusRetrySucceeded)
}

// MarkParentsAsRetryFailed walks the retry lineage of j and marks every RETRIED
// ancestor RETRY_FAILED, nearest first.
func (m *JobStatusMarker) MarkParentsAsRetryFailed(ctx context.Context, j *model.Job) error {
	return m.markLineage(ctx, j, model.JobStatusRetryFailed)
}

func (m *JobStatusMarker) markLineage(ctx context.Context, j *model.Job, status model.JobStatus) error {
	seen := map[int64]struct{}{j.ID: {}}
	next := j.RetryOfID
	for next != nil {
		if _, loop := seen[*next]; loop {
			return fmt.Errorf("retry lineage of job %d loops at job %d", j.ID, *next)
		}
		seen[*next] = struct{}{}

		parent, err := m.lookup(ctx, *next)
		if err != nil {
			if apperrors.IsNotFound(err) {
				m.logger.DebugContext(ctx, "retry lineage ends at a removed job", "job_id", j.ID, "missing_id", *next)
				return nil
			}
			return fmt.Errorf("load retry parent %d: %w", *next, err)
		}
		next = parent.RetryOfID

		if !parent.IsStatusRetried() {
			m.logger.DebugContext(ctx, "skipping retry parent not in RETRIED",
				"job_id", parent.ID, "status", parent.Status(), "target", status)
			continue
		}
		err = m.apply(ctx, parent, transitionName(status), func(p *model.Job) error {
			return m.mutator.Transition(p, status)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *JobStatusMarker) lookup(ctx context.Context, id int64) (*model.Job, error) {
	if m.set != nil {
		if j, ok := m.set.Get(id); ok {
			return j, nil
		}
	}
	j, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.set != nil {
		m.set.Put(j)
	}
	return j, nil
}

// apply runs mutate on j and flushes it. A stale flush reloads the row into j and
// repeats both steps, up to flushAttempts in total.
func (m *JobStatusMarker) apply(
	ctx context.Context,
	j *model.Job,
	transition string,
	mutate func(*model.Job) error,
) error {
	if j == nil {
		return errors.New("job is required")
	}
	start := m.now()
	attempt := 0

	op := func() error {
		attempt++
		if attempt > 1 {
			fresh, err := m.repo.GetByID(ctx, j.ID)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("refresh job %d: %w", j.ID, err))
			}
			*j = *fresh
		}
		if err := mutate(j); err != nil {
			return backoff.Permanent(err)
		}
		if err := m.repo.Update(ctx, j); err != nil {
			if apperrors.IsStale(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.DebugContext(ctx, "job flush lost a race, refreshing",
			"job_id", j.ID,
			"transition", transition,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(m.flushBackoff(), uint64(m.flushAttempts-1)), //nolint:gosec // attempts is positive
		ctx,
	)
	err := backoff.RetryNotify(op, policy, notify)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		if apperrors.IsStale(err) {
			err = fmt.Errorf("flush job %d as %s after %d attempts: %w", j.ID, transition, attempt, err)
		}
	}
	metrics.EmitJobTransition(m.metrics, metrics.JobMetric{
		Queue:      j.Queue,
		Transition: transition,
		Result:     result,
		Duration:   m.now().Sub(start),
		Err:        err,
	})
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "job status changed", "job_id", j.ID, "queue", j.Queue, "status", j.Status())
	return nil
}

func applyInfo(j *model.Job, info model.ProcessInfo) {
	output := info.Output
	j.Output = &output
	if info.ExitCode != nil {
		code := *info.ExitCode
		j.ExitCode = &code
	}
	if len(info.Debug) > 0 {
		if j.Debug == nil {
			j.Debug = make(map[string]any, len(info.Debug))
		}
		for k, v := range info.Debug {
			j.Debug[k] = v
		}
	}
}

func transitionName(status model.JobStatus) string {
	switch status {
	case model.JobStatusSucceeded:
		return "succeeded"
	case model.JobStatusFailed:
		return "failed"
	case model.JobStatusAborted:
		return "aborted"
	case model.JobStatusRetrySucceeded:
		return "retry_succeeded"
	case model.JobStatusRetryFailed:
		return "retry_failed"
	default:
		return string(status)
	}
}
