package data

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var jobColumnNames = []string{
	"id", "command", "input", "queue", "priority", "status", "created_at",
	"execute_after_time", "started_at", "closed_at", "debug", "output", "exit_code",
	"cancellation_reason", "processed_by_daemon_id", "cancelled_by_id", "retry_strategy",
	"retry_of_id", "first_retried_job_id", "version", "retried_by_id",
	"child_ids", "parent_ids", "cancelled_ids", "retrying_ids",
}

func newMockJobRepo(t *testing.T) (*JobRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJobRepo(db, RepoConfig{TimeProvider: NewFixedTimeProvider(testNow)}), mock
}

// failedJobRow is job #4: a failed report that may be retried twice more.
func failedJobRow() []driver.Value {
	started := testNow.Add(-time.Minute)
	return []driver.Value{
		int64(4), "report:send",
		[]byte(`{"arguments":["weekly"],"options":{"to":"ops"},"shortcuts":{}}`),
		"default", int64(0), "FAILED", testNow.Add(-time.Hour),
		nil, started, testNow,
		[]byte(`{"host":"worker-1"}`), "boom", int64(2),
		nil, int64(7), nil,
		[]byte(`{"type":"constant","attempts":1,"max_attempts":3,"increment_seconds":5}`),
		nil, nil, int64(3), nil,
		[]byte(`[6,5]`), []byte(`[1]`), []byte(`[]`), []byte(`[]`),
	}
}

func TestJobRepo_GetByID(t *testing.T) {
	t.Run("decodes row and relation sets", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		mock.ExpectQuery(`FROM jobs j WHERE j.id = \$1`).
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(failedJobRow()...))

		j, err := repo.GetByID(context.Background(), 4)
		require.NoError(t, err)

		assert.Equal(t, int64(4), j.ID)
		assert.Equal(t, model.JobStatusFailed, j.Status())
		assert.Equal(t, int64(3), j.Version)
		assert.Equal(t, []string{"weekly"}, j.Input.Arguments)
		to, ok := j.Input.Option("to")
		assert.True(t, ok)
		assert.Equal(t, "ops", to)
		assert.Equal(t, job.StrategyConstant, j.RetryStrategy.Type())
		assert.True(t, j.CanRetry(testNow))
		require.NotNil(t, j.Output)
		assert.Equal(t, "boom", *j.Output)
		require.NotNil(t, j.ExitCode)
		assert.Equal(t, 2, *j.ExitCode)
		require.NotNil(t, j.ProcessedByDaemonID)
		assert.Equal(t, int64(7), *j.ProcessedByDaemonID)
		assert.Equal(t, "worker-1", j.Debug["host"])
		assert.Equal(t, []int64{5, 6}, j.ChildDependencyIDs)
		assert.Equal(t, []int64{1}, j.ParentDependencyIDs)
		assert.Nil(t, j.CancelledJobIDs)
		assert.Nil(t, j.RetriedByID)
		require.NotNil(t, j.ClosedAt)
		assert.True(t, j.ClosedAt.Equal(testNow))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		mock.ExpectQuery(`FROM jobs j WHERE j.id = \$1`).
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows(jobColumnNames))

		_, err := repo.GetByID(context.Background(), 99)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		row := failedJobRow()
		row[5] = "LOST"
		mock.ExpectQuery(`FROM jobs j WHERE j.id = \$1`).
			WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(row...))

		_, err := repo.GetByID(context.Background(), 4)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job 4")
	})
}

func TestJobRepo_Create(t *testing.T) {
	t.Run("inserts job and edges in one transaction", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		j := model.NewJob("report:send", model.ParseInput([]string{"weekly"}), "default")
		j.ParentDependencyIDs = []int64{1, 2}
		j.CreatedAt = time.Time{}

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO jobs`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(int64(10), int64(1)))
		mock.ExpectExec(`INSERT INTO job_dependencies`).
			WithArgs(int64(1), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO job_dependencies`).
			WithArgs(int64(2), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Create(context.Background(), j))
		assert.Equal(t, int64(10), j.ID)
		assert.Equal(t, int64(1), j.Version)
		assert.Equal(t, testNow, j.CreatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown parent rolls back", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		j := model.NewJob("report:send", model.JobInput{}, "default")
		j.ParentDependencyIDs = []int64{42}

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO jobs`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(int64(11), int64(1)))
		mock.ExpectExec(`INSERT INTO job_dependencies`).
			WithArgs(int64(42), int64(11)).
			WillReturnError(&pgconn.PgError{
				Code:           pgerrcode.ForeignKeyViolation,
				ConstraintName: "job_dependencies_parent_id_fkey",
			})
		mock.ExpectRollback()

		err := repo.Create(context.Background(), j)
		require.Error(t, err)
		assert.True(t, apperrors.IsForeignKey(err))
		assert.Zero(t, j.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil job", func(t *testing.T) {
		repo, _ := newMockJobRepo(t)
		assert.ErrorIs(t, repo.Create(context.Background(), nil), ErrJobRequired)
	})
}

func TestJobRepo_Update(t *testing.T) {
	newSaved := func() *model.Job {
		j := model.NewJob("report:send", model.JobInput{}, "default")
		j.ID = 4
		j.Version = 3
		return j
	}

	t.Run("advances version", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		j := newSaved()
		mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Update(context.Background(), j))
		assert.Equal(t, int64(4), j.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race is stale", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		j := newSaved()
		mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Update(context.Background(), j)
		require.Error(t, err)
		assert.True(t, apperrors.IsStale(err))
		assert.Equal(t, int64(3), j.Version)
	})

	t.Run("unsaved job", func(t *testing.T) {
		repo, _ := newMockJobRepo(t)
		assert.ErrorIs(t, repo.Update(context.Background(), model.NewJob("x", model.JobInput{}, "q")), ErrJobNotSaved)
	})
}

func TestJobRepo_Delete(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	j := model.NewJob("report:send", model.JobInput{}, "default")
	j.ID = 4
	j.Version = 3

	mock.ExpectExec(`DELETE FROM jobs WHERE id = \$1 AND version = \$2`).
		WithArgs(int64(4), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM jobs WHERE id = \$1 AND version = \$2`).
		WithArgs(int64(4), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), j))
	err := repo.Delete(context.Background(), j)
	require.Error(t, err)
	assert.True(t, apperrors.IsStale(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_AddDependency(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	assert.ErrorIs(t, repo.AddDependency(context.Background(), 3, 3), model.ErrSelfDependency)

	mock.ExpectExec(`INSERT INTO job_dependencies`).
		WithArgs(int64(1), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AddDependency(context.Background(), 1, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_FindNextRunnableJob(t *testing.T) {
	t.Run("passes queue, clock and exclusions", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		row := failedJobRow()
		row[5] = "NEW"
		mock.ExpectQuery(`WHERE j.queue = \$1\s+AND j.status = 'NEW'`).
			WithArgs("default", testNow, "{3,5}").
			WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(row...))

		j, err := repo.FindNextRunnableJob(context.Background(), "default", []int64{3, 5})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusNew, j.Status())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty queue", func(t *testing.T) {
		repo, mock := newMockJobRepo(t)
		mock.ExpectQuery(`WHERE j.queue = \$1`).
			WithArgs("default", testNow, "{}").
			WillReturnRows(sqlmock.NewRows(jobColumnNames))

		_, err := repo.FindNextRunnableJob(context.Background(), "default", nil)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepo_FindExpiredJobs(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)
	mock.ExpectQuery(`j.closed_at < \$2`).
		WithArgs("default", cutoff, 100).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(failedJobRow()...))

	jobs, err := repo.FindExpiredJobs(context.Background(), "default", cutoff, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(4), jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_CountByStatus(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	mock.ExpectQuery(`SELECT status, count\(\*\)`).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("NEW", int64(3)).
			AddRow("RUNNING", int64(1)))

	stats, err := repo.CountByStatus(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, model.JobStats{model.JobStatusNew: 3, model.JobStatusRunning: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_CountStaleJobs(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM jobs j WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := repo.CountStaleJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
