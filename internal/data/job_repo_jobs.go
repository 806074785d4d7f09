package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/queuesd/internal/data/pgxutil"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

const insertJobSQL = `
  INSERT INTO jobs (
    command, input, queue, priority, status, created_at, execute_after_time,
    started_at, closed_at, debug, output, exit_code, cancellation_reason,
    processed_by_daemon_id, cancelled_by_id, retry_strategy, retry_of_id, first_retried_job_id
  )
  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
  RETURNING id, version`

const insertDependencySQL = `
  INSERT INTO job_dependencies (parent_id, child_id)
  VALUES ($1, $2)
  ON CONFLICT DO NOTHING`

const updateJobSQL = `
  UPDATE jobs SET
    input = $3,
    priority = $4,
    status = $5,
    execute_after_time = $6,
    started_at = $7,
    closed_at = $8,
    debug = $9,
    output = $10,
    exit_code = $11,
    cancellation_reason = $12,
    processed_by_daemon_id = $13,
    cancelled_by_id = $14,
    retry_strategy = $15,
    retry_of_id = $16,
    first_retried_job_id = $17,
    version = version + 1
  WHERE id = $1 AND version = $2`

type jobWriteArgs struct {
	input, strategy []byte
	debug           any
}

func encodeJob(j *model.Job) (jobWriteArgs, error) {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return jobWriteArgs{}, fmt.Errorf("encode input: %w", err)
	}
	strategy, err := job.MarshalStrategy(j.RetryStrategy)
	if err != nil {
		return jobWriteArgs{}, fmt.Errorf("encode retry strategy: %w", err)
	}
	debug, err := nullableJSON(j.Debug)
	if err != nil {
		return jobWriteArgs{}, err
	}
	return jobWriteArgs{input: input, strategy: strategy, debug: debug}, nil
}

// Create inserts the job and its dependency edges in one transaction and assigns ID and Version.
func (r *JobRepo) Create(ctx context.Context, j *model.Job) error {
	if j == nil {
		return ErrJobRequired
	}
	w, err := encodeJob(j)
	if err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.timeProvider.Now().UTC()
	}

	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, insertJobSQL,
				j.Command,
				w.input,
				j.Queue,
				j.Priority,
				string(j.Status()),
				j.CreatedAt.UTC(),
				nullableTime(j.ExecuteAfterTime),
				nullableTime(j.StartedAt),
				nullableTime(j.ClosedAt),
				w.debug,
				nullableString(j.Output),
				nullableInt(j.ExitCode),
				nullableString(j.CancellationReason),
				nullableInt64(j.ProcessedByDaemonID),
				nullableInt64(j.CancelledByID),
				w.strategy,
				nullableInt64(j.RetryOfID),
				nullableInt64(j.FirstRetriedJobID),
			)
			if scanErr := row.Scan(&j.ID, &j.Version); scanErr != nil {
				return fmt.Errorf("insert job: %w", scanErr)
			}
			for _, parent := range j.ParentDependencyIDs {
				if _, execErr := tx.ExecContext(ctx, insertDependencySQL, parent, j.ID); execErr != nil {
					return fmt.Errorf("insert parent dependency %d: %w", parent, execErr)
				}
			}
			for _, child := range j.ChildDependencyIDs {
				if _, execErr := tx.ExecContext(ctx, insertDependencySQL, j.ID, child); execErr != nil {
					return fmt.Errorf("insert child dependency %d: %w", child, execErr)
				}
			}
			return nil
		},
	})
	if err != nil {
		j.ID = 0
		return apperrors.MapDBError(err)
	}

	r.logger.DebugContext(ctx, "job created", "job_id", j.ID, "queue", j.Queue, "command", j.Command)
	return nil
}

// GetByID loads a job and all of its relation id sets.
func (r *JobRepo) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, selectJobs+`WHERE j.id = $1`, id)
	j, err := r.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job %d not found", id)
		}
		return nil, apperrors.MapDBError(fmt.Errorf("get job %d: %w", id, err))
	}
	return j, nil
}

// Update flushes a single job guarded by its version. On success the in-memory version advances.
func (r *JobRepo) Update(ctx context.Context, j *model.Job) error {
	if j == nil {
		return ErrJobRequired
	}
	if j.ID == 0 {
		return ErrJobNotSaved
	}
	w, err := encodeJob(j)
	if err != nil {
		return err
	}

	res, err := r.DB.ExecContext(ctx, updateJobSQL,
		j.ID,
		j.Version,
		w.input,
		j.Priority,
		string(j.Status()),
		nullableTime(j.ExecuteAfterTime),
		nullableTime(j.StartedAt),
		nullableTime(j.ClosedAt),
		w.debug,
		nullableString(j.Output),
		nullableInt(j.ExitCode),
		nullableString(j.CancellationReason),
		nullableInt64(j.ProcessedByDaemonID),
		nullableInt64(j.CancelledByID),
		w.strategy,
		nullableInt64(j.RetryOfID),
		nullableInt64(j.FirstRetriedJobID),
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("update job %d: %w", j.ID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d rows affected: %w", j.ID, err)
	}
	if affected == 0 {
		return apperrors.Stalef("job %d at version %d was modified or removed concurrently", j.ID, j.Version)
	}
	j.Version++
	return nil
}

// Delete removes a finished job guarded by its version. Dependency edges cascade.
func (r *JobRepo) Delete(ctx context.Context, j *model.Job) error {
	if j == nil {
		return ErrJobRequired
	}
	if j.ID == 0 {
		return ErrJobNotSaved
	}

	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = $1 AND version = $2 AND status IN (`+finishedStatusesSQL+`)`,
		j.ID, j.Version)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("delete job %d: %w", j.ID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %d rows affected: %w", j.ID, err)
	}
	if affected == 0 {
		return apperrors.Stalef("job %d at version %d was modified or removed concurrently", j.ID, j.Version)
	}
	return nil
}

// AddDependency links parent -> child. Existing edges are left untouched.
func (r *JobRepo) AddDependency(ctx context.Context, parentID, childID int64) error {
	if parentID == childID {
		return model.ErrSelfDependency
	}
	if _, err := r.DB.ExecContext(ctx, insertDependencySQL, parentID, childID); err != nil {
		return apperrors.MapDBError(fmt.Errorf("add dependency %d -> %d: %w", parentID, childID, err))
	}
	return nil
}
