package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/observability/metrics"
	"github.com/target/queuesd/internal/observability/statsd"
)

// DaemonState is the lifecycle phase of a QueuesDaemon.
type DaemonState string

const (
	DaemonStateStarting     DaemonState = "starting"
	DaemonStateAlive        DaemonState = "alive"
	DaemonStateShuttingDown DaemonState = "shutting_down"
	DaemonStateDead         DaemonState = "dead"
)

const (
	defaultPostWriteDelay    = 50 * time.Millisecond
	defaultDrainPollInterval = 500 * time.Millisecond
	minHeartbeatTTL          = 30 * time.Second
)

// Locker guards a daemon name against a second process on the same host.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Profiler records resource usage of the daemon process.
type Profiler interface {
	Profile(ctx context.Context, running, managed int) error
}

// QueuesDaemonOptions groups dependencies for QueuesDaemon.
type QueuesDaemonOptions struct {
	Profile     config.DaemonProfile     // Required: resolved daemon profile
	Jobs        core.JobRepository       // Required: job repository
	Daemons     core.DaemonRepository    // Required: daemon identity repository
	Processes   core.ProcessChecker      // Required: local process table
	Spawner     core.Spawner             // Required: job process spawner
	Marker      *JobStatusMarker         // Required: status marker sharing WorkingSet
	Cancellator *Cancellator             // Required: failure cascade
	Expiry      *ExpiryService           // Required: retention purge
	WorkingSet  *WorkingSet              // Optional: identity map, created when nil
	Heartbeats  core.HeartbeatRepository // Optional: cross-host liveness
	Locker      Locker                   // Optional: per-name host lock
	Profiler    Profiler                 // Optional: resource usage reporter
	Logger      *slog.Logger             // Optional: structured logger
	Metrics     statsd.Sink              // Optional: metrics sink

	Host string // Required: host name recorded on the daemon row
	PID  int    // Required: pid recorded on the daemon row

	Now               func() time.Time                           // Optional: clock
	Sleep             func(ctx context.Context, d time.Duration) // Optional: idle wait
	PostWriteDelay    time.Duration                              // Optional: pause after a busy tick
	DrainPollInterval time.Duration                              // Optional: poll period while draining
}

type runningJob struct {
	job     *model.Job
	process core.Process
}

// QueuesDaemon runs the jobs of the queues assigned to one daemon profile.
//
// Every tick it polls running processes, admits runnable jobs up to each queue's
// concurrency limit, sweeps dead daemons and keeps the working set bounded. The
// loop stops when its context is cancelled or MaxRuntime elapses; running jobs are
// always drained before the daemon row is closed.
type QueuesDaemon struct {
	profile     config.DaemonProfile
	jobs        core.JobRepository
	daemons     core.DaemonRepository
	heartbeats  core.HeartbeatRepository
	processes   core.ProcessChecker
	spawner     core.Spawner
	marker      *JobStatusMarker
	cancellator *Cancellator
	expiry      *ExpiryService
	set         *WorkingSet
	locker      Locker
	profiler    Profiler
	logger      *slog.Logger
	metrics     statsd.Sink

	host           string
	pid            int
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration)
	postWriteDelay time.Duration
	drainPoll      time.Duration

	state        DaemonState
	identity     *model.Daemon
	startedAt    time.Time
	running      map[int64]*runningJob
	lastRunCheck map[string]time.Time
	lastAlive    time.Time
	lastProfile  time.Time
	locked       bool
}

// NewQueuesDaemon constructs a new QueuesDaemon.
func NewQueuesDaemon(opts QueuesDaemonOptions) (*QueuesDaemon, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Daemons == nil:
		return nil, errors.New("DaemonRepository is required")
	case opts.Processes == nil:
		return nil, errors.New("ProcessChecker is required")
	case opts.Spawner == nil:
		return nil, errors.New("Spawner is required")
	case opts.Marker == nil:
		return nil, errors.New("JobStatusMarker is required")
	case opts.Cancellator == nil:
		return nil, errors.New("Cancellator is required")
	case opts.Expiry == nil:
		return nil, errors.New("ExpiryService is required")
	case opts.Profile.Name == "" || len(opts.Profile.Queues) == 0:
		return nil, apperrors.Configf("daemon profile must name a daemon and at least one queue")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	set := opts.WorkingSet
	if set == nil {
		set = NewWorkingSet()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	postWrite := opts.PostWriteDelay
	if postWrite <= 0 {
		postWrite = defaultPostWriteDelay
	}
	drain := opts.DrainPollInterval
	if drain <= 0 {
		drain = defaultDrainPollInterval
	}

	return &QueuesDaemon{
		profile:        opts.Profile,
		jobs:           opts.Jobs,
		daemons:        opts.Daemons,
		heartbeats:     opts.Heartbeats,
		processes:      opts.Processes,
		spawner:        opts.Spawner,
		marker:         opts.Marker,
		cancellator:    opts.Cancellator,
		expiry:         opts.Expiry,
		set:            set,
		locker:         opts.Locker,
		profiler:       opts.Profiler,
		logger:         logger.With("component", "queues_daemon", "daemon", opts.Profile.Name),
		metrics:        opts.Metrics,
		host:           opts.Host,
		pid:            opts.PID,
		now:            now,
		sleep:          sleep,
		postWriteDelay: postWrite,
		drainPoll:      drain,
		state:          DaemonStateStarting,
		running:        make(map[int64]*runningJob),
		lastRunCheck:   make(map[string]time.Time),
	}, nil
}

// State returns the lifecycle phase of the daemon.
func (d *QueuesDaemon) State() DaemonState { return d.state }

// Identity returns the daemon row, nil before Run has registered it.
func (d *QueuesDaemon) Identity() *model.Daemon { return d.identity }

// Running returns the ids of jobs whose processes are being tracked.
func (d *QueuesDaemon) Running() []int64 {
	return slices.Sorted(maps.Keys(d.running))
}

// Run registers the daemon, recovers stale jobs and loops until ctx is cancelled or
// the profile's MaxRuntime elapses. Storage writes keep going after cancellation so
// that running jobs can be drained and the daemon row closed.
func (d *QueuesDaemon) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	if err := d.start(work); err != nil {
		d.state = DaemonStateDead
		if d.locked {
			d.unlock(work)
		}
		return err
	}

	var loopErr error
	for d.keepRunning(ctx) {
		if err := d.Tick(ctx); err != nil {
			loopErr = err
			d.logger.ErrorContext(work, "daemon loop failed, shutting down", "error", err)
			break
		}
	}
	return errors.Join(loopErr, d.shutdown(work))
}

func (d *QueuesDaemon) keepRunning(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if d.profile.MaxRuntime > 0 && d.now().Sub(d.startedAt) >= d.profile.MaxRuntime {
		d.logger.InfoContext(ctx, "max runtime reached", "max_runtime", d.profile.MaxRuntime)
		return false
	}
	return true
}

func (d *QueuesDaemon) start(ctx context.Context) error {
	if d.locker != nil {
		ok, err := d.locker.TryLock()
		if err != nil {
			return fmt.Errorf("lock daemon %s: %w", d.profile.Name, err)
		}
		if !ok {
			return apperrors.Configf("daemon %q is already running on host %s", d.profile.Name, d.host)
		}
		d.locked = true
	}

	snapshot, err := d.profile.Snapshot()
	if err != nil {
		return err
	}
	identity := model.NewDaemon(d.profile.Name, d.host, d.pid, snapshot)
	identity.BornOn = d.now().UTC()
	if err := d.daemons.Create(ctx, identity); err != nil {
		return fmt.Errorf("register daemon %s: %w", d.profile.Name, err)
	}
	d.identity = identity
	d.startedAt = d.now()
	d.logger = d.logger.With("daemon_id", identity.ID)
	d.logger.InfoContext(ctx, "daemon started",
		"host", d.host,
		"pid", d.pid,
		"run_id", identity.RunID,
		"queues", d.profile.QueueNames(),
	)

	if err := d.beat(ctx); err != nil {
		return err
	}
	if err := d.sweepDaemons(ctx); err != nil {
		return err
	}
	d.lastAlive = d.now()
	if err := d.resolveStaleJobs(ctx); err != nil {
		return err
	}
	if _, err := d.expiry.PurgeQueues(ctx, d.profile.Queues); err != nil {
		d.logger.WarnContext(ctx, "startup purge failed", "error", err)
	}

	d.state = DaemonStateAlive
	return nil
}

// resolveStaleJobs retries or fails the PENDING and RUNNING jobs of this daemon's
// queues left behind by daemons that are gone.
func (d *QueuesDaemon) resolveStaleJobs(ctx context.Context) error {
	var excluded []int64
	resolved := 0
	for {
		stale, err := d.jobs.FindNextStaleJob(ctx, excluded)
		if errors.Is(err, model.ErrNoJobsAvailable) {
			break
		}
		if err != nil {
			return fmt.Errorf("find stale job: %w", err)
		}
		excluded = append(excluded, stale.ID)

		queue, ok := d.profile.Queue(stale.Queue)
		if !ok {
			continue
		}
		d.set.Replace(stale)
		info := model.ProcessInfo{Output: staleOutput(stale)}

		retry, err := d.marker.SettleStale(ctx, stale, info, queue.RetryStaleJobs)
		if err != nil {
			return fmt.Errorf("resolve stale job %d: %w", stale.ID, err)
		}
		resolved++
		if retry != nil {
			continue
		}
		if err := d.cancelDescendants(ctx, stale); err != nil {
			return err
		}
	}

	if resolved > 0 {
		d.logger.InfoContext(ctx, "stale jobs resolved", "count", resolved)
	}
	return nil
}

func staleOutput(j *model.Job) string {
	if j.ProcessedByDaemonID == nil {
		return "job was left behind by a daemon that is gone"
	}
	return fmt.Sprintf("job was left behind by daemon #%d", *j.ProcessedByDaemonID)
}

// Tick runs one iteration of the daemon loop.
func (d *QueuesDaemon) Tick(ctx context.Context) error {
	start := d.now()
	work := context.WithoutCancel(ctx)

	finished, err := d.checkRunningJobs(work, false)
	admitted := 0
	if err == nil {
		admitted, err = d.admit(work)
	}
	if err == nil {
		err = d.checkAliveDaemons(work)
	}
	if err == nil {
		err = d.manageEntities(work)
	}
	if err == nil {
		d.profileIfDue(work)
	}

	metrics.EmitDaemonLoop(d.metrics, metrics.LoopMetric{
		Daemon:   d.profile.Name,
		Admitted: admitted,
		Finished: finished,
		Running:  len(d.running),
		Managed:  d.set.Len(),
		Duration: d.now().Sub(start),
		Err:      err,
	})
	if err != nil {
		return err
	}

	if admitted == 0 && finished == 0 && len(d.running) == 0 {
		d.sleep(ctx, d.profile.SleepFor)
	} else {
		d.sleep(ctx, d.postWriteDelay)
	}
	return nil
}

// checkRunningJobs polls the processes of every queue whose check interval is due,
// or of every queue when force is set, and closes the finished ones.
func (d *QueuesDaemon) checkRunningJobs(ctx context.Context, force bool) (int, error) {
	now := d.now()
	finished := 0
	for _, q := range d.profile.Queues {
		if !force && !due(d.lastRunCheck[q.Name], q.RunningJobsCheckInterval, now) {
			continue
		}
		d.lastRunCheck[q.Name] = now

		for _, id := range d.Running() {
			rj := d.running[id]
			if rj.job.Queue != q.Name {
				continue
			}
			done, code := rj.process.Poll()
			if !done {
				continue
			}
			delete(d.running, id)
			finished++

			exitCode := code
			info := model.ProcessInfo{Output: rj.process.Output(), ExitCode: &exitCode}
			if err := d.closeJob(ctx, rj.job, info); err != nil {
				return finished, err
			}
		}
	}
	return finished, nil
}

func (d *QueuesDaemon) closeJob(ctx context.Context, j *model.Job, info model.ProcessInfo) error {
	var err error
	if info.ExitCode != nil && *info.ExitCode == 0 {
		err = d.marker.MarkSucceeded(ctx, j, info)
	} else {
		err = d.handleFailure(ctx, j, info, false)
	}
	if errors.Is(err, model.ErrInvalidTransition) {
		d.logger.WarnContext(ctx, "job changed while it was running, result dropped",
			"job_id", j.ID, "status", j.Status(), "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("close job %d: %w", j.ID, err)
	}
	d.logger.InfoContext(ctx, "job finished",
		"job_id", j.ID, "queue", j.Queue, "status", j.Status(), "exit_code", info.ExitCode)
	return nil
}

// handleFailure closes a job as FAILED or ABORTED, then retries it when its strategy
// allows or cancels its descendants when it does not.
func (d *QueuesDaemon) handleFailure(ctx context.Context, j *model.Job, info model.ProcessInfo, aborted bool) error {
	status := model.JobStatusFailed
	if aborted {
		status = model.JobStatusAborted
	}
	retry, err := d.marker.SettleFailure(ctx, j, status, info, true)
	if err != nil {
		return err
	}
	if retry != nil {
		return nil
	}
	return d.cancelDescendants(ctx, j)
}

func (d *QueuesDaemon) cancelDescendants(ctx context.Context, failed *model.Job) error {
	children, err := d.jobs.FindChildren(ctx, failed.ID)
	if err != nil {
		return fmt.Errorf("load children of job %d: %w", failed.ID, err)
	}
	if len(children) == 0 {
		return nil
	}
	cancelling, err := d.cancellator.CreateCancellingJob(ctx, failed)
	if err != nil {
		return err
	}
	d.set.Put(cancelling)
	return nil
}

// admit starts runnable jobs until every queue is at its concurrency limit or has no
// runnable job left. It returns the number of jobs handed to the spawner.
func (d *QueuesDaemon) admit(ctx context.Context) (int, error) {
	admitted := 0
	for _, q := range d.profile.Queues {
		slots := q.MaxConcurrentJobs - d.runningIn(q.Name)
		var excluded []int64
		for slots > 0 {
			j, err := d.jobs.FindNextRunnableJob(ctx, q.Name, excluded)
			if errors.Is(err, model.ErrNoJobsAvailable) {
				break
			}
			if err != nil {
				return admitted, fmt.Errorf("find runnable job in %s: %w", q.Name, err)
			}
			excluded = append(excluded, j.ID)

			started, err := d.startJob(ctx, j)
			if err != nil {
				return admitted, err
			}
			if started {
				slots--
				admitted++
			}
		}
	}
	return admitted, nil
}

func (d *QueuesDaemon) startJob(ctx context.Context, j *model.Job) (bool, error) {
	parents, err := d.jobs.FindParents(ctx, j.ID)
	if err != nil {
		return false, fmt.Errorf("load parents of job %d: %w", j.ID, err)
	}
	if !j.CanRun(parents) {
		return false, nil
	}

	d.set.Replace(j)
	if err := d.marker.MarkPending(ctx, j, d.identity); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			d.logger.DebugContext(ctx, "job claimed elsewhere", "job_id", j.ID, "status", j.Status())
			return false, nil
		}
		return false, fmt.Errorf("claim job %d: %w", j.ID, err)
	}

	proc, err := d.spawner.Start(ctx, j)
	if err != nil {
		d.logger.WarnContext(ctx, "job process failed to start", "job_id", j.ID, "error", err)
		info := model.ProcessInfo{Output: err.Error(), Debug: map[string]any{"start_error": err.Error()}}
		if ferr := d.handleFailure(ctx, j, info, true); ferr != nil {
			return false, fmt.Errorf("abort job %d: %w", j.ID, ferr)
		}
		return false, nil
	}

	if err := d.marker.MarkRunning(ctx, j); err != nil {
		killErr := proc.Kill()
		return false, errors.Join(fmt.Errorf("mark job %d running: %w", j.ID, err), killErr)
	}
	d.running[j.ID] = &runningJob{job: j, process: proc}
	d.logger.InfoContext(ctx, "job started", "job_id", j.ID, "queue", j.Queue, "command", j.Command, "pid", proc.PID())
	return true, nil
}

func (d *QueuesDaemon) runningIn(queue string) int {
	n := 0
	for _, rj := range d.running {
		if rj.job.Queue == queue {
			n++
		}
	}
	return n
}

func (d *QueuesDaemon) checkAliveDaemons(ctx context.Context) error {
	now := d.now()
	if !due(d.lastAlive, d.profile.AliveDaemonsCheckInterval, now) {
		return nil
	}
	d.lastAlive = now
	if err := d.beat(ctx); err != nil {
		return err
	}
	return d.sweepDaemons(ctx)
}

func (d *QueuesDaemon) beat(ctx context.Context) error {
	if d.heartbeats == nil {
		return nil
	}
	ttl := max(3*d.profile.AliveDaemonsCheckInterval, minHeartbeatTTL)
	if err := d.heartbeats.Beat(ctx, d.identity.ID, ttl); err != nil {
		return fmt.Errorf("heartbeat daemon %d: %w", d.identity.ID, err)
	}
	return nil
}

// sweepDaemons closes the rows of every other daemon found dead.
func (d *QueuesDaemon) sweepDaemons(ctx context.Context) error {
	var excluded []int64
	for {
		other, err := d.daemons.FindNextAlive(ctx, d.identity.ID, excluded)
		if errors.Is(err, model.ErrNoDaemonsAvailable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find alive daemon: %w", err)
		}
		excluded = append(excluded, other.ID)

		alive, reason, err := d.isDaemonAlive(ctx, other)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		if err := other.Kill(model.MortisCausaStraggler, d.now()); err != nil {
			continue
		}
		if err := d.daemons.Update(ctx, other); err != nil {
			return fmt.Errorf("close straggler daemon %d: %w", other.ID, err)
		}
		if d.heartbeats != nil {
			if err := d.heartbeats.Forget(ctx, other.ID); err != nil {
				d.logger.WarnContext(ctx, "failed to forget heartbeat", "daemon_id", other.ID, "error", err)
			}
		}
		metrics.EmitStraggler(d.metrics, other.Name, reason)
		d.logger.WarnContext(ctx, "straggler daemon closed",
			"straggler_id", other.ID,
			"straggler", other.Name,
			"host", other.Host,
			"pid", other.PID,
			"reason", reason,
		)
	}
}

func (d *QueuesDaemon) isDaemonAlive(ctx context.Context, other *model.Daemon) (bool, string, error) {
	if other.Host == d.host {
		if other.PID == d.pid {
			return false, "pid_reused", nil
		}
		exists, err := d.processes.Exists(ctx, other.PID)
		if err != nil {
			return false, "", fmt.Errorf("check process %d: %w", other.PID, err)
		}
		return exists, "process_gone", nil
	}
	if d.heartbeats == nil {
		return true, "", nil
	}
	beating, err := d.heartbeats.IsBeating(ctx, other.ID)
	if err != nil {
		return false, "", fmt.Errorf("check heartbeat of daemon %d: %w", other.ID, err)
	}
	return beating, "heartbeat_expired", nil
}

// manageEntities bounds the working set. When detaching finished jobs is not enough
// the daemon drains its running jobs, purges expired rows and starts from an empty set.
func (d *QueuesDaemon) manageEntities(ctx context.Context) error {
	limit := d.profile.ManagedEntitiesThreshold
	if limit <= 0 || d.set.Len() <= limit {
		return nil
	}
	detached := d.set.DetachFinished()
	if d.set.Len() <= limit {
		d.logger.DebugContext(ctx, "finished jobs detached", "count", detached)
		return nil
	}

	d.logger.InfoContext(ctx, "managed jobs over threshold, draining",
		"managed", d.set.Len(), "threshold", limit, "running", len(d.running))
	if err := d.drain(ctx); err != nil {
		return err
	}
	if _, err := d.expiry.PurgeQueues(ctx, d.profile.Queues); err != nil {
		d.logger.WarnContext(ctx, "purge failed", "error", err)
	}
	d.set.Clear()
	return nil
}

// drain waits for every running process to exit and closes its job. The heartbeat
// keeps being refreshed so other hosts do not close this daemon as a straggler.
func (d *QueuesDaemon) drain(ctx context.Context) error {
	for len(d.running) > 0 {
		if _, err := d.checkRunningJobs(ctx, true); err != nil {
			return err
		}
		if err := d.checkAliveDaemons(ctx); err != nil {
			d.logger.WarnContext(ctx, "liveness check failed while draining", "error", err)
		}
		if len(d.running) > 0 {
			d.sleep(ctx, d.drainPoll)
		}
	}
	return nil
}

func (d *QueuesDaemon) profileIfDue(ctx context.Context) {
	if d.profiler == nil {
		return
	}
	now := d.now()
	if !due(d.lastProfile, d.profile.ProfilingInfoInterval, now) {
		return
	}
	d.lastProfile = now
	if err := d.profiler.Profile(ctx, len(d.running), d.set.Len()); err != nil {
		d.logger.WarnContext(ctx, "profiling failed", "error", err)
	}
}

func (d *QueuesDaemon) shutdown(ctx context.Context) error {
	d.state = DaemonStateShuttingDown
	d.logger.InfoContext(ctx, "daemon shutting down", "running", len(d.running))

	var errs []error
	if err := d.drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
		for id, rj := range d.running {
			if kerr := rj.process.Kill(); kerr != nil {
				errs = append(errs, fmt.Errorf("kill job %d: %w", id, kerr))
			}
		}
	}

	if err := d.identity.Kill(model.MortisCausaSignal, d.now()); err == nil {
		if err := d.daemons.Update(ctx, d.identity); err != nil {
			errs = append(errs, fmt.Errorf("close daemon row: %w", err))
		}
	}
	if d.heartbeats != nil {
		if err := d.heartbeats.Forget(ctx, d.identity.ID); err != nil {
			errs = append(errs, fmt.Errorf("forget heartbeat: %w", err))
		}
	}
	if d.locked {
		d.unlock(ctx)
	}

	d.state = DaemonStateDead
	d.logger.InfoContext(ctx, "daemon stopped")
	return errors.Join(errs...)
}

func (d *QueuesDaemon) unlock(ctx context.Context) {
	if err := d.locker.Unlock(); err != nil {
		d.logger.WarnContext(ctx, "failed to release daemon lock", "error", err)
	}
	d.locked = false
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || interval <= 0 || now.Sub(last) >= interval
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
