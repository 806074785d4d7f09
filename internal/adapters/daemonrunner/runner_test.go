package daemonrunner

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/mocks/memory"
	"github.com/target/queuesd/internal/service"
)

func testProfile() config.DaemonProfile {
	return config.DaemonProfile{
		Name:                      "main",
		Queues:                    []config.QueueConfig{{Name: "default", MaxConcurrentJobs: 2, MaxRetentionDays: 30}},
		AliveDaemonsCheckInterval: time.Hour,
		ManagedEntitiesThreshold:  100,
		MaxRuntime:                time.Hour,
		SleepFor:                  10 * time.Millisecond,
		ProfilingInfoInterval:     time.Hour,
	}
}

func testOptions(t *testing.T, jobs *memory.JobRepository) RunnerOptions {
	t.Helper()
	return RunnerOptions{
		Profile:   testProfile(),
		Config:    config.DaemonConfig{LockDir: t.TempDir(), PostWriteDelay: time.Millisecond},
		Jobs:      jobs,
		Daemons:   memory.NewDaemonRepository(),
		Spawner:   memory.NewSpawner(nil),
		Processes: memory.NewProcessTable(4242),
		Host:      "worker-1",
		PID:       4242,
	}
}

func TestNewRunner_RequiresStorage(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Profile: testProfile()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection is required")

	_, err = NewRunner(RunnerOptions{
		Profile: config.DaemonProfile{Name: "main"},
		Jobs:    memory.NewJobRepository(),
		Daemons: memory.NewDaemonRepository(),
		Host:    "worker-1",
		PID:     1,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfig(err))
}

func TestRunner_Run(t *testing.T) {
	jobs := memory.NewJobRepository()
	j := model.NewJob("report:build", model.JobInput{}, "default")
	require.NoError(t, jobs.Create(context.Background(), j))

	opts := testOptions(t, jobs)
	r, err := NewRunner(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, getErr := jobs.GetByID(context.Background(), j.ID)
		return getErr == nil && got.Status() == model.JobStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, service.DaemonStateDead, r.Daemon().State())
	lock := flock.New(LockPath(opts.Config.LockDir, "main"))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released on shutdown")
	require.NoError(t, lock.Unlock())
}

func TestRunner_LockHeld(t *testing.T) {
	opts := testOptions(t, memory.NewJobRepository())
	held := flock.New(LockPath(opts.Config.LockDir, "main"))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = held.Unlock() })

	r, err := NewRunner(opts)
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestNewCancellator(t *testing.T) {
	_, err := NewCancellator(CancellatorOptions{})
	require.Error(t, err)

	c, err := NewCancellator(CancellatorOptions{Jobs: memory.NewJobRepository()})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
