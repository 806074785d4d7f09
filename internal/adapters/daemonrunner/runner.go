// Package daemonrunner wires the repositories and services behind the run command.
package daemonrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/adapters/process"
	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/data"
	"github.com/target/queuesd/internal/observability/statsd"
	"github.com/target/queuesd/internal/profiling"
	"github.com/target/queuesd/internal/service"
)

// Runner runs one QueuesDaemon until its context is cancelled or its runtime is exhausted.
type Runner struct {
	daemon *service.QueuesDaemon
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB      *sql.DB
	Redis   redis.UniversalClient // Optional: enables cross-host heartbeats
	Profile config.DaemonProfile
	Config  config.DaemonConfig
	// HeartbeatPrefix namespaces heartbeat keys, see config.RedisConfig.KeyPrefix.
	HeartbeatPrefix string
	EnableMemprof   bool
	Logger          *slog.Logger
	Metrics         statsd.Sink

	// Optional dependency injection for testing/decoupling
	Jobs      core.JobRepository
	Daemons   core.DaemonRepository
	Spawner   core.Spawner
	Processes core.ProcessChecker
	Locker    service.Locker
	Host      string
	PID       int
}

// NewRunner creates a new daemon runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	daemon, err := wireDaemon(opts)
	if err != nil {
		return nil, fmt.Errorf("wire queues daemon: %w", err)
	}

	return &Runner{daemon: daemon, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Jobs == nil || opts.Daemons == nil) {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()
	if opts.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve host name: %w", err)
		}
		opts.Host = host
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	return nil
}

// LockPath returns the lock file guarding the named daemon on this host.
func LockPath(dir, name string) string {
	return filepath.Join(dir, "queuesd-"+name+".lock")
}

func wireDaemon(opts RunnerOptions) (*service.QueuesDaemon, error) {
	repoCfg := data.RepoConfig{Logger: opts.Logger}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, repoCfg)
	}
	daemons := opts.Daemons
	if daemons == nil {
		daemons = data.NewDaemonRepo(opts.DB, repoCfg)
	}
	var heartbeats core.HeartbeatRepository
	if opts.Redis != nil {
		heartbeats = data.NewRedisHeartbeatRepo(opts.Redis, opts.HeartbeatPrefix)
	}

	spawner := opts.Spawner
	if spawner == nil {
		s, err := process.NewSpawner(process.Options{OutputLimit: opts.Config.OutputLimit, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		spawner = s
	}
	processes := opts.Processes
	if processes == nil {
		processes = process.Checker{}
	}
	locker := opts.Locker
	if locker == nil {
		locker = flock.New(LockPath(opts.Config.LockDir, opts.Profile.Name))
	}

	profOpts := profiling.Options{Logger: opts.Logger, Metrics: opts.Metrics, PID: opts.PID}
	if opts.EnableMemprof {
		profOpts.HeapProfileDir = opts.Config.MemprofDir
	}
	profiler, err := profiling.NewReporter(profOpts)
	if err != nil {
		return nil, err
	}

	set := service.NewWorkingSet()
	svc, err := wireServices(jobs, set, opts.Logger, opts.Metrics, opts.Config.StatusFlushAttempts)
	if err != nil {
		return nil, err
	}

	return service.NewQueuesDaemon(service.QueuesDaemonOptions{
		Profile:           opts.Profile,
		Jobs:              jobs,
		Daemons:           daemons,
		Processes:         processes,
		Spawner:           spawner,
		Marker:            svc.marker,
		Cancellator:       svc.cancellator,
		Expiry:            svc.expiry,
		WorkingSet:        set,
		Heartbeats:        heartbeats,
		Locker:            locker,
		Profiler:          profiler,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
		Host:              opts.Host,
		PID:               opts.PID,
		PostWriteDelay:    opts.Config.PostWriteDelay,
		DrainPollInterval: opts.Config.DrainPollInterval,
	})
}

type services struct {
	marker      *service.JobStatusMarker
	cancellator *service.Cancellator
	expiry      *service.ExpiryService
}

func wireServices(
	jobs core.JobRepository,
	set *service.WorkingSet,
	logger *slog.Logger,
	metrics statsd.Sink,
	flushAttempts int,
) (services, error) {
	marker, err := service.NewJobStatusMarker(service.JobStatusMarkerOptions{
		Repo:          jobs,
		WorkingSet:    set,
		Logger:        logger,
		Metrics:       metrics,
		FlushAttempts: flushAttempts,
	})
	if err != nil {
		return services{}, err
	}
	cancellator, err := service.NewCancellator(service.CancellatorOptions{
		Repo:   jobs,
		Marker: marker,
		Logger: logger,
	})
	if err != nil {
		return services{}, err
	}
	expiry, err := service.NewExpiryService(service.ExpiryServiceOptions{
		Repo:    jobs,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return services{}, err
	}
	return services{marker: marker, cancellator: cancellator, expiry: expiry}, nil
}

// CancellatorOptions holds the dependencies of a standalone Cancellator.
type CancellatorOptions struct {
	DB      *sql.DB
	Jobs    core.JobRepository // Optional: overrides the Postgres repository
	Logger  *slog.Logger
	Metrics statsd.Sink
	// FlushAttempts bounds the refresh-and-retry of conflicting status flushes.
	FlushAttempts int
}

// NewCancellator wires a Cancellator outside of a running daemon, as used by the
// internal:mark-as-cancelled command.
func NewCancellator(opts CancellatorOptions) (*service.Cancellator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	jobs := opts.Jobs
	if jobs == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		jobs = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	svc, err := wireServices(jobs, service.NewWorkingSet(), opts.Logger, opts.Metrics, opts.FlushAttempts)
	if err != nil {
		return nil, err
	}
	return svc.cancellator, nil
}

// Daemon returns the wrapped daemon.
func (r *Runner) Daemon() *service.QueuesDaemon {
	return r.daemon
}

// Run starts the daemon loop and blocks until it has drained and closed its row.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting queues daemon runner")
	return r.daemon.Run(ctx)
}
