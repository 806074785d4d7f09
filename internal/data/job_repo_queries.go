package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

// Runnable selection order is (priority, created_at, id); dependency checks are left to the caller.
var findNextRunnableSQL = selectJobs + `
  WHERE j.queue = $1
    AND j.status = 'NEW'
    AND (j.execute_after_time IS NULL OR j.execute_after_time <= $2)
    AND NOT (j.id = ANY($3::bigint[]))
  ORDER BY j.priority ASC, j.created_at ASC, j.id ASC
  LIMIT 1`

// A job is stale when it is working but its daemon is unknown or recorded as dead.
var staleJobPredicate = `
    j.status IN (` + workingStatusesSQL + `)
    AND (
      j.processed_by_daemon_id IS NULL
      OR EXISTS (
        SELECT 1 FROM daemons d
        WHERE d.id = j.processed_by_daemon_id AND d.died_on IS NOT NULL
      )
    )`

var findNextStaleSQL = selectJobs + `
  WHERE` + staleJobPredicate + `
    AND NOT (j.id = ANY($1::bigint[]))
  ORDER BY j.id ASC
  LIMIT 1`

var countStaleSQL = `SELECT count(*) FROM jobs j WHERE` + staleJobPredicate

// Expired jobs are finished, closed before the cutoff, and referenced by no open retry,
// cancellation or dependency lineage.
var findExpiredSQL = selectJobs + `
  WHERE j.queue = $1
    AND j.closed_at IS NOT NULL
    AND j.closed_at < $2
    AND j.status IN (` + finishedStatusesSQL + `)
    AND NOT EXISTS (
      SELECT 1 FROM jobs o
      WHERE o.status NOT IN (` + finishedStatusesSQL + `)
        AND (o.retry_of_id = j.id
          OR o.first_retried_job_id = j.id
          OR o.cancelled_by_id = j.id
          OR o.id = j.retry_of_id
          OR o.id = j.first_retried_job_id
          OR o.id = j.cancelled_by_id)
    )
    AND NOT EXISTS (
      SELECT 1 FROM job_dependencies d
      JOIN jobs c ON c.id = d.child_id
      WHERE d.parent_id = j.id AND c.status IN (` + openStatusesSQL + `, 'RETRIED')
    )
  ORDER BY j.closed_at ASC, j.id ASC
  LIMIT $3`

var findParentsSQL = selectJobs + `
  WHERE j.id IN (SELECT parent_id FROM job_dependencies WHERE child_id = $1)
  ORDER BY j.id`

var findChildrenSQL = selectJobs + `
  WHERE j.id IN (SELECT child_id FROM job_dependencies WHERE parent_id = $1)
  ORDER BY j.id`

// FindNextRunnableJob returns the next NEW job of the queue that is due and not excluded.
func (r *JobRepo) FindNextRunnableJob(ctx context.Context, queue string, excluded []int64) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, findNextRunnableSQL, queue, now, int64ArrayLiteral(excluded))
	j, err := r.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, apperrors.MapDBError(fmt.Errorf("find next runnable job in %s: %w", queue, err))
	}
	return j, nil
}

// FindParents returns the direct parents of a job.
func (r *JobRepo) FindParents(ctx context.Context, id int64) ([]*model.Job, error) {
	return r.queryJobs(ctx, "find parents", findParentsSQL, id)
}

// FindChildren returns the direct children of a job.
func (r *JobRepo) FindChildren(ctx context.Context, id int64) ([]*model.Job, error) {
	return r.queryJobs(ctx, "find children", findChildrenSQL, id)
}

// FindNextStaleJob returns a working job whose daemon is gone, skipping excluded ids.
func (r *JobRepo) FindNextStaleJob(ctx context.Context, excluded []int64) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, findNextStaleSQL, int64ArrayLiteral(excluded))
	j, err := r.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, apperrors.MapDBError(fmt.Errorf("find next stale job: %w", err))
	}
	return j, nil
}

// CountStaleJobs counts working jobs whose daemon is gone.
func (r *JobRepo) CountStaleJobs(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, countStaleSQL).Scan(&n); err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count stale jobs: %w", err))
	}
	return n, nil
}

// FindExpiredJobs returns up to limit jobs of the queue that may be deleted.
func (r *JobRepo) FindExpiredJobs(
	ctx context.Context,
	queue string,
	cutoff time.Time,
	limit int,
) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryJobs(ctx, "find expired jobs", findExpiredSQL, queue, cutoff.UTC(), limit)
}

// CountByStatus returns per-status counts for a queue, or for every queue when queue is empty.
func (r *JobRepo) CountByStatus(ctx context.Context, queue string) (model.JobStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, count(*)
		FROM jobs
		WHERE $1 = '' OR queue = $1
		GROUP BY status`, queue)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("count jobs by status: %w", err))
	}
	defer rows.Close()

	stats := model.JobStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, fmt.Errorf("scan job stats: %w", scanErr)
		}
		stats[model.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

func (r *JobRepo) queryJobs(ctx context.Context, op, query string, args ...any) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("%s: %w", op, err))
	}
	jobs, err := r.scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}
