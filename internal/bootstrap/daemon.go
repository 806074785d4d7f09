package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/adapters/daemonrunner"
	"github.com/target/queuesd/internal/data"
	"github.com/target/queuesd/internal/observability/statsd"
	"github.com/target/queuesd/internal/service"
)

// DaemonRunConfig holds the dependencies of one daemon process.
type DaemonRunConfig struct {
	DB            *sql.DB
	Redis         redis.UniversalClient
	Logger        *slog.Logger
	Metrics       statsd.Sink
	Profile       config.DaemonProfile
	Config        config.DaemonConfig
	RedisConfig   config.RedisConfig
	EnableMemprof bool
}

// RunDaemon runs the queues daemon of the given profile until ctx is cancelled or
// its max runtime elapses.
func RunDaemon(ctx context.Context, cfg DaemonRunConfig) error {
	runner, err := daemonrunner.NewRunner(daemonrunner.RunnerOptions{
		DB:              cfg.DB,
		Redis:           cfg.Redis,
		Profile:         cfg.Profile,
		Config:          cfg.Config,
		HeartbeatPrefix: cfg.RedisConfig.KeyPrefix,
		EnableMemprof:   cfg.EnableMemprof,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create daemon runner: %w", err)
	}

	return runner.Run(ctx)
}

// MarkAsCancelledConfig holds the dependencies of the internal:mark-as-cancelled command.
type MarkAsCancelledConfig struct {
	DB            *sql.DB
	Logger        *slog.Logger
	Metrics       statsd.Sink
	FlushAttempts int
	FailedJobID   int64
	CancellingID  int64
}

// MarkAsCancelled cancels the descendants of a failed job on behalf of a cancelling job.
func MarkAsCancelled(ctx context.Context, cfg MarkAsCancelledConfig) (int, error) {
	cancellator, err := daemonrunner.NewCancellator(daemonrunner.CancellatorOptions{
		DB:            cfg.DB,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		FlushAttempts: cfg.FlushAttempts,
	})
	if err != nil {
		return 0, fmt.Errorf("create cancellator: %w", err)
	}

	return cancellator.Cancel(ctx, cfg.FailedJobID, cfg.CancellingID)
}

// NewJobService wires the producer-side job service over Postgres.
func NewJobService(db *sql.DB, profiles *config.ProfilesFile, logger *slog.Logger, metrics statsd.Sink) (*service.JobService, error) {
	return service.NewJobService(service.JobServiceOptions{
		Repo:     data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		Profiles: profiles,
		Logger:   logger,
		Metrics:  metrics,
	})
}
