package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

const (
	// CancellingPriority runs cancelling jobs ahead of regular work.
	CancellingPriority = -1
	// CancellingRetryIncrement spaces retries of a cancelling job that failed.
	CancellingRetryIncrement = 10 * time.Second

	optionFailedJobID     = "id"
	optionCancellingJobID = "cancelling-job-id"
)

// CancellatorOptions groups dependencies for Cancellator.
type CancellatorOptions struct {
	Repo   core.JobRepository // Required: job repository
	Marker *JobStatusMarker   // Required: status marker used for every cancellation
	Logger *slog.Logger       // Optional: structured logger
}

// Cancellator cascades a failure down the dependency graph.
//
// A failed job that will not be retried gets one cancelling job in its queue. When
// that job runs, every reachable descendant that can still be cancelled is marked
// CANCELLED, each with the failure of its immediate parent as the reason.
type Cancellator struct {
	repo   core.JobRepository
	marker *JobStatusMarker
	logger *slog.Logger
}

// NewCancellator constructs a new Cancellator.
func NewCancellator(opts CancellatorOptions) (*Cancellator, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Marker == nil {
		return nil, errors.New("JobStatusMarker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cancellator{
		repo:   opts.Repo,
		marker: opts.Marker,
		logger: logger.With("component", "cancellator"),
	}, nil
}

// CreateCancellingJob enqueues the job that cancels the descendants of failed.
func (c *Cancellator) CreateCancellingJob(ctx context.Context, failed *model.Job) (*model.Job, error) {
	if failed == nil || failed.ID == 0 {
		return nil, model.ErrUnsavedJob
	}

	strategy, err := job.NewLive(CancellingRetryIncrement)
	if err != nil {
		return nil, err
	}
	var input model.JobInput
	failedID := strconv.FormatInt(failed.ID, 10)
	input.SetOption(optionFailedJobID, &failedID)

	cancelling := model.NewJob(model.CancellingCommand, input, failed.Queue)
	cancelling.Priority = CancellingPriority
	cancelling.RetryStrategy = strategy
	if err := c.repo.Create(ctx, cancelling); err != nil {
		return nil, fmt.Errorf("create cancelling job for job %d: %w", failed.ID, err)
	}

	// The command line needs the id storage just assigned.
	selfID := strconv.FormatInt(cancelling.ID, 10)
	cancelling.Input.SetOption(optionCancellingJobID, &selfID)
	if err := c.repo.Update(ctx, cancelling); err != nil {
		return nil, fmt.Errorf("record id of cancelling job %d: %w", cancelling.ID, err)
	}

	c.logger.InfoContext(ctx, "cancelling job created",
		"job_id", cancelling.ID,
		"failed_job_id", failed.ID,
		"queue", failed.Queue,
	)
	return cancelling, nil
}

// CancellingArgs extracts the failed and cancelling job ids from a cancelling job's input.
func CancellingArgs(in model.JobInput) (failedID, cancellingID int64, err error) {
	failedID, err = intOption(in, optionFailedJobID)
	if err != nil {
		return 0, 0, err
	}
	cancellingID, err = intOption(in, optionCancellingJobID)
	if err != nil {
		return 0, 0, err
	}
	return failedID, cancellingID, nil
}

func intOption(in model.JobInput, name string) (int64, error) {
	raw, ok := in.Option(name)
	if !ok || raw == "" {
		return 0, apperrors.ValidationField(name, "option --"+name+" is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.ValidationField(name, "option --"+name+" must be a positive job id")
	}
	return id, nil
}

// Cancel marks every cancellable descendant of the failed job as CANCELLED by the
// cancelling job and returns how many jobs were cancelled. Descendants that already
// finished are left untouched but still traversed.
func (c *Cancellator) Cancel(ctx context.Context, failedID, cancellingID int64) (int, error) {
	cancelling, err := c.repo.GetByID(ctx, cancellingID)
	if err != nil {
		return 0, fmt.Errorf("load cancelling job %d: %w", cancellingID, err)
	}
	if !cancelling.IsTypeCancelling() {
		return 0, apperrors.Validationf("job %d is not a cancelling job", cancellingID)
	}
	if _, err := c.repo.GetByID(ctx, failedID); err != nil {
		return 0, fmt.Errorf("load failed job %d: %w", failedID, err)
	}

	type edge struct{ parent, child int64 }
	var stack []edge
	push := func(parent int64) error {
		children, err := c.repo.FindChildren(ctx, parent)
		if err != nil {
			return fmt.Errorf("load children of job %d: %w", parent, err)
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, edge{parent: parent, child: children[i].ID})
		}
		return nil
	}
	if err := push(failedID); err != nil {
		return 0, err
	}

	seen := map[int64]struct{}{failedID: {}}
	cancelled := 0
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return cancelled, err
		}
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[e.child]; ok {
			continue
		}
		seen[e.child] = struct{}{}

		child, err := c.repo.GetByID(ctx, e.child)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return cancelled, fmt.Errorf("load job %d: %w", e.child, err)
		}
		if model.ValidTransition(child.Status(), model.JobStatusCancelled) {
			reason := fmt.Sprintf("Parent job #%d failed", e.parent)
			err := c.marker.MarkJobAsCancelled(ctx, child, cancelling, reason)
			switch {
			case err == nil:
				cancelled++
			case errors.Is(err, model.ErrInvalidTransition):
				c.logger.DebugContext(ctx, "job finished before it could be cancelled", "job_id", child.ID)
			default:
				return cancelled, err
			}
		}
		if err := push(child.ID); err != nil {
			return cancelled, err
		}
	}

	c.logger.InfoContext(ctx, "descendants cancelled",
		"failed_job_id", failedID,
		"cancelling_job_id", cancellingID,
		"cancelled", cancelled,
	)
	return cancelled, nil
}
