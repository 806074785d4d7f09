package core

import (
	"context"
	"time"

	"github.com/target/queuesd/internal/domain/model"
)

// This file contains repository and process interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces, not on the Postgres, Redis or os/exec implementations.

// JobRepository defines the query and persistence surface the queues daemon needs from storage.
type JobRepository interface {
	// Create inserts a job and its dependency edges, assigning ID and Version.
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	// FindNextRunnableJob returns the lowest (priority, created_at, id) NEW job of the queue
	// that is due and not in excluded. It returns model.ErrNoJobsAvailable when none is left.
	FindNextRunnableJob(ctx context.Context, queue string, excluded []int64) (*model.Job, error)
	FindParents(ctx context.Context, id int64) ([]*model.Job, error)
	FindChildren(ctx context.Context, id int64) ([]*model.Job, error)
	// FindNextStaleJob returns a PENDING or RUNNING job whose daemon is gone or dead.
	FindNextStaleJob(ctx context.Context, excluded []int64) (*model.Job, error)
	CountStaleJobs(ctx context.Context) (int, error)
	// FindExpiredJobs returns finished jobs closed before cutoff that no open lineage references.
	FindExpiredJobs(ctx context.Context, queue string, cutoff time.Time, limit int) ([]*model.Job, error)
	Delete(ctx context.Context, job *model.Job) error
	// Update flushes one job guarded by its Version. A lost race returns an ErrCodeStale AppError.
	Update(ctx context.Context, job *model.Job) error
	AddDependency(ctx context.Context, parentID, childID int64) error
	CountByStatus(ctx context.Context, queue string) (model.JobStats, error)
}

// DaemonRepository persists daemon identity rows.
type DaemonRepository interface {
	Create(ctx context.Context, daemon *model.Daemon) error
	Update(ctx context.Context, daemon *model.Daemon) error
	GetByID(ctx context.Context, id int64) (*model.Daemon, error)
	// FindNextAlive returns another daemon with no death time, skipping excludingID and excluded.
	// It returns model.ErrNoDaemonsAvailable when none is left.
	FindNextAlive(ctx context.Context, excludingID int64, excluded []int64) (*model.Daemon, error)
}

// HeartbeatRepository tracks liveness of daemons running on other hosts.
type HeartbeatRepository interface {
	Beat(ctx context.Context, daemonID int64, ttl time.Duration) error
	IsBeating(ctx context.Context, daemonID int64) (bool, error)
	Forget(ctx context.Context, daemonID int64) error
}

// ProcessChecker reports whether a process exists on the local host.
type ProcessChecker interface {
	Exists(ctx context.Context, pid int) (bool, error)
}

// Process is a started job subprocess. Poll never blocks.
type Process interface {
	PID() int
	// Poll reports whether the process has exited and, if so, its exit code.
	Poll() (done bool, exitCode int)
	Output() string
	Kill() error
}

// Spawner starts job subprocesses.
type Spawner interface {
	Start(ctx context.Context, job *model.Job) (Process, error)
}
