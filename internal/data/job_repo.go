package data

import (
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
)

var _ core.JobRepository = (*JobRepo)(nil)

var (
	// ErrJobRequired is returned when a nil job is passed to the repository.
	ErrJobRequired = errors.New("job is required")
	// ErrJobNotSaved is returned when updating or deleting a job without an id.
	ErrJobNotSaved = errors.New("job has not been saved")
)

// RepoConfig holds configuration options for the repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for jobs and their dependency edges.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
	mutator      model.StatusMutator
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
		mutator:      model.NewStatusMutator(tp.Now),
	}
}

const jobColumns = `
  j.id,
  j.command,
  j.input,
  j.queue,
  j.priority,
  j.status,
  j.created_at,
  j.execute_after_time,
  j.started_at,
  j.closed_at,
  j.debug,
  j.output,
  j.exit_code,
  j.cancellation_reason,
  j.processed_by_daemon_id,
  j.cancelled_by_id,
  j.retry_strategy,
  j.retry_of_id,
  j.first_retried_job_id,
  j.version,
  (SELECT r.id FROM jobs r WHERE r.retry_of_id = j.id ORDER BY r.id LIMIT 1),
  COALESCE((SELECT json_agg(d.child_id ORDER BY d.child_id) FROM job_dependencies d WHERE d.parent_id = j.id), '[]'::json),
  COALESCE((SELECT json_agg(d.parent_id ORDER BY d.parent_id) FROM job_dependencies d WHERE d.child_id = j.id), '[]'::json),
  COALESCE((SELECT json_agg(c.id ORDER BY c.id) FROM jobs c WHERE c.cancelled_by_id = j.id), '[]'::json),
  COALESCE((SELECT json_agg(a.id ORDER BY a.id) FROM jobs a WHERE a.first_retried_job_id = j.id), '[]'::json)
`

const selectJobs = `SELECT ` + jobColumns + ` FROM jobs j `

// int64ArrayLiteral renders ids as a Postgres array literal usable with $n::bigint[].
func int64ArrayLiteral(ids []int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('}')
	return b.String()
}

// statusListSQL renders statuses as a quoted SQL list for IN clauses.
func statusListSQL(statuses ...model.JobStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, "'"+string(s)+"'")
	}
	return strings.Join(parts, ", ")
}

var (
	finishedStatusesSQL = statusListSQL(
		model.JobStatusAborted,
		model.JobStatusCancelled,
		model.JobStatusFailed,
		model.JobStatusRetried,
		model.JobStatusRetryFailed,
		model.JobStatusRetrySucceeded,
		model.JobStatusSucceeded,
	)
	openStatusesSQL    = statusListSQL(model.JobStatusNew, model.JobStatusPending, model.JobStatusRunning)
	workingStatusesSQL = statusListSQL(model.JobStatusPending, model.JobStatusRunning)
)
