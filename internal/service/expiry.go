package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/core"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/observability/metrics"
	"github.com/target/queuesd/internal/observability/statsd"
)

// DefaultPurgeBatchSize bounds each FindExpiredJobs page.
const DefaultPurgeBatchSize = 500

// ExpiryServiceOptions groups dependencies for ExpiryService.
type ExpiryServiceOptions struct {
	Repo      core.JobRepository // Required: job repository
	Logger    *slog.Logger       // Optional: structured logger
	Metrics   statsd.Sink        // Optional: metrics sink (StatsD-compatible)
	Now       func() time.Time   // Optional: clock, defaults to time.Now
	BatchSize int                // Optional: defaults to DefaultPurgeBatchSize
}

// ExpiryService deletes finished jobs older than their queue's retention.
//
// A job is only deleted when its whole retry or cancellation lineage is finished;
// the repository enforces that, and the version guard on Delete skips rows that
// changed after they were listed.
type ExpiryService struct {
	repo      core.JobRepository
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
	batchSize int
}

// NewExpiryService constructs a new ExpiryService.
func NewExpiryService(opts ExpiryServiceOptions) (*ExpiryService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "expiry_service")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultPurgeBatchSize
	}

	return &ExpiryService{
		repo:      opts.Repo,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
		batchSize: batch,
	}, nil
}

// PurgeQueues purges every queue of a daemon profile. Errors of individual queues
// are joined; a purge interrupted by cancellation returns context.Canceled.
func (s *ExpiryService) PurgeQueues(ctx context.Context, queues []config.QueueConfig) (int, error) {
	var (
		total       int
		errs        []error
		allCanceled = true
	)
	for _, q := range queues {
		n, err := s.PurgeQueue(ctx, q.Name, q.Retention())
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge queue %s: %w", q.Name, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allCanceled {
			return total, context.Canceled
		}
		return total, joined
	}
	return total, nil
}

// PurgeQueue deletes expired jobs of one queue in batches until none is left.
func (s *ExpiryService) PurgeQueue(ctx context.Context, queue string, retention time.Duration) (int, error) {
	start := s.now()
	deleted, err := s.purge(ctx, queue, retention)
	metrics.EmitPurge(s.metrics, queue, deleted, s.now().Sub(start), suppressContextCancellation(err))

	if deleted > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired jobs",
			"queue", queue,
			"count", deleted,
			"retention", retention,
		)
	}
	return deleted, err
}

func (s *ExpiryService) purge(ctx context.Context, queue string, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, apperrors.Configf("queue %s: retention must be positive", queue)
	}
	cutoff := s.now().Add(-retention)

	var total int
	for {
		batch, err := s.repo.FindExpiredJobs(ctx, queue, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		var removed int
		for _, j := range batch {
			err := s.repo.Delete(ctx, j)
			switch {
			case err == nil:
				removed++
			case apperrors.IsStale(err):
				if s.logger != nil {
					s.logger.DebugContext(ctx, "expired job changed before delete, skipping", "job_id", j.ID)
				}
			default:
				return total + removed, fmt.Errorf("delete job %d: %w", j.ID, err)
			}
		}
		total += removed

		// Every listed row was skipped; listing again would return the same page.
		if removed == 0 || len(batch) < s.batchSize {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
