package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/data"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	"github.com/target/queuesd/internal/mocks/memory"
	"github.com/target/queuesd/internal/observability/statsd"
)

const (
	testHost = "worker-1"
	testPID  = 4242
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func zeroBackoff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func testProfile(queues ...string) config.DaemonProfile {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	p := config.DaemonProfile{
		Name:                      "main",
		AliveDaemonsCheckInterval: time.Hour,
		ManagedEntitiesThreshold:  100,
		MaxRuntime:                24 * time.Hour,
		SleepFor:                  time.Second,
		ProfilingInfoInterval:     time.Hour,
	}
	for _, q := range queues {
		p.Queues = append(p.Queues, config.QueueConfig{
			Name:              q,
			MaxConcurrentJobs: 3,
			MaxRetentionDays:  30,
			RetryStaleJobs:    true,
		})
	}
	return p
}

// fixture wires a QueuesDaemon to in-memory ports sharing one fixed clock.
type fixture struct {
	t           *testing.T
	ctx         context.Context
	clock       *data.FixedTimeProvider
	jobs        *memory.JobRepository
	daemons     *memory.DaemonRepository
	heartbeats  *memory.HeartbeatRepository
	processes   *memory.ProcessTable
	spawner     *memory.Spawner
	set         *WorkingSet
	metrics     *statsd.Recorder
	marker      *JobStatusMarker
	cancellator *Cancellator
	expiry      *ExpiryService
	daemon      *QueuesDaemon
	lock        *fakeLocker

	mu     sync.Mutex
	script map[string]func(j *model.Job) memory.Outcome
}

func newFixture(t *testing.T, profile config.DaemonProfile) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		ctx:        context.Background(),
		clock:      data.NewFixedTimeProvider(testEpoch),
		daemons:    memory.NewDaemonRepository(),
		heartbeats: memory.NewHeartbeatRepository(),
		processes:  memory.NewProcessTable(testPID),
		set:        NewWorkingSet(),
		metrics:    &statsd.Recorder{},
		lock:       &fakeLocker{},
		script:     make(map[string]func(j *model.Job) memory.Outcome),
	}
	f.jobs = memory.NewJobRepository()
	f.jobs.Now = f.clock.Now
	f.jobs.Daemons = f.daemons
	f.heartbeats.Now = f.clock.Now
	f.spawner = memory.NewSpawner(f.run)

	var err error
	f.marker, err = NewJobStatusMarker(JobStatusMarkerOptions{
		Repo:         f.jobs,
		WorkingSet:   f.set,
		Metrics:      f.metrics,
		Now:          f.clock.Now,
		FlushBackoff: zeroBackoff,
	})
	require.NoError(t, err)
	f.cancellator, err = NewCancellator(CancellatorOptions{Repo: f.jobs, Marker: f.marker})
	require.NoError(t, err)
	f.expiry, err = NewExpiryService(ExpiryServiceOptions{Repo: f.jobs, Metrics: f.metrics, Now: f.clock.Now})
	require.NoError(t, err)

	f.daemon, err = NewQueuesDaemon(QueuesDaemonOptions{
		Profile:     profile,
		Jobs:        f.jobs,
		Daemons:     f.daemons,
		Processes:   f.processes,
		Spawner:     f.spawner,
		Marker:      f.marker,
		Cancellator: f.cancellator,
		Expiry:      f.expiry,
		WorkingSet:  f.set,
		Heartbeats:  f.heartbeats,
		Locker:      f.lock,
		Metrics:     f.metrics,
		Host:        testHost,
		PID:         testPID,
		Now:         f.clock.Now,
		Sleep:       func(_ context.Context, d time.Duration) { f.clock.AddTime(d) },
	})
	require.NoError(t, err)
	return f
}

// run is the spawner script. Cancelling jobs run the cascade inline, the way the
// internal command does in a subprocess.
func (f *fixture) run(j *model.Job) memory.Outcome {
	if j.IsTypeCancelling() {
		failedID, cancellingID, err := CancellingArgs(j.Input)
		if err != nil {
			return memory.Outcome{ExitCode: 2, Output: err.Error()}
		}
		if _, err := f.cancellator.Cancel(f.ctx, failedID, cancellingID); err != nil {
			return memory.Outcome{ExitCode: 1, Output: err.Error()}
		}
		return memory.Outcome{}
	}
	f.mu.Lock()
	fn := f.script[j.Command]
	f.mu.Unlock()
	if fn == nil {
		return memory.Outcome{}
	}
	return fn(j)
}

func (f *fixture) onCommand(command string, fn func(j *model.Job) memory.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[command] = fn
}

func (f *fixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.daemon.start(f.ctx))
}

func (f *fixture) tick(n int) {
	f.t.Helper()
	for range n {
		require.NoError(f.t, f.daemon.Tick(f.ctx))
	}
}

func (f *fixture) enqueue(command string, strategy job.RetryStrategy, parents ...int64) *model.Job {
	f.t.Helper()
	j := model.NewJob(command, model.JobInput{}, "default")
	j.CreatedAt = f.clock.Now()
	if strategy != nil {
		j.RetryStrategy = strategy
	}
	j.ParentDependencyIDs = parents
	require.NoError(f.t, f.jobs.Create(f.ctx, j))
	return j
}

func (f *fixture) get(id int64) *model.Job {
	f.t.Helper()
	j, err := f.jobs.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return j
}

func (f *fixture) status(id int64) model.JobStatus {
	f.t.Helper()
	return f.get(id).Status()
}

type fakeLocker struct {
	held     bool
	denied   bool
	unlocked int
}

func (l *fakeLocker) TryLock() (bool, error) {
	if l.denied {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Unlock() error {
	l.held = false
	l.unlocked++
	return nil
}

func constant(t *testing.T, increment time.Duration, maxAttempts int) job.Constant {
	t.Helper()
	s, err := job.NewConstant(increment, maxAttempts)
	require.NoError(t, err)
	return s
}

// claimed moves a job to RUNNING on behalf of daemon.
func claimed(t *testing.T, m *JobStatusMarker, j *model.Job, daemon *model.Daemon) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.MarkPending(ctx, j, daemon))
	require.NoError(t, m.MarkRunning(ctx, j))
}
