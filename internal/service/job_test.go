package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/mocks"
	"github.com/target/queuesd/internal/mocks/memory"
	"github.com/target/queuesd/internal/observability/statsd"
)

const testProfilesYAML = `
daemons:
  main:
    queues:
      default: {}
      reports:
        max_concurrent_jobs: 1
`

func newTestJobService(t *testing.T) (*JobService, *memory.JobRepository, *statsd.Recorder) {
	t.Helper()
	profiles, err := config.ParseProfiles([]byte(testProfilesYAML))
	require.NoError(t, err)
	repo := memory.NewJobRepository()
	rec := &statsd.Recorder{}
	svc, err := NewJobService(JobServiceOptions{
		Repo:     repo,
		Profiles: profiles,
		Logger:   slog.Default(),
		Metrics:  rec,
		Now:      func() time.Time { return testEpoch },
	})
	require.NoError(t, err)
	return svc, repo, rec
}

func TestNewJobService(t *testing.T) {
	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("MustNewJobService panics without repo", func(t *testing.T) {
		assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
	})
}

func TestJobService_Enqueue(t *testing.T) {
	ctx := context.Background()
	svc, repo, rec := newTestJobService(t)

	parent, err := svc.Enqueue(ctx, EnqueueRequest{Command: "report:build", Queue: "reports"})
	require.NoError(t, err)

	later := testEpoch.Add(time.Hour)
	j, err := svc.Enqueue(ctx, EnqueueRequest{
		Command:      " mail:send ",
		Argv:         []string{"weekly", "--to=ops", "-v"},
		Queue:        "default",
		Priority:     3,
		Retry:        job.StrategySpec{Type: job.StrategyConstant, MaxAttempts: 3, Increment: time.Minute},
		After:        []int64{parent.ID, parent.ID},
		ExecuteAfter: &later,
	})
	require.NoError(t, err)

	stored, err := repo.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail:send", stored.Command)
	assert.Equal(t, "--to=ops -v weekly", stored.Input.String())
	assert.Equal(t, 3, stored.Priority)
	assert.Equal(t, model.JobStatusNew, stored.Status())
	assert.Equal(t, job.StrategyConstant, stored.Strategy().Type())
	assert.Equal(t, 3, stored.Strategy().MaxAttempts())
	assert.Equal(t, []int64{parent.ID}, stored.ParentDependencyIDs)
	assert.Equal(t, later, *stored.ExecuteAfterTime)
	assert.Equal(t, testEpoch, stored.CreatedAt)
	assert.Equal(t, 1.0, rec.Sum("job.enqueued", map[string]string{"queue": "default", "strategy": "constant"}))
}

func TestJobService_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestJobService(t)

	tests := []struct {
		name  string
		req   EnqueueRequest
		field string
	}{
		{name: "missing command", req: EnqueueRequest{Queue: "default"}, field: "command"},
		{name: "reserved command", req: EnqueueRequest{Command: model.CancellingCommand, Queue: "default"}, field: "command"},
		{name: "missing queue", req: EnqueueRequest{Command: "x"}, field: "queue"},
		{name: "unserved queue", req: EnqueueRequest{Command: "x", Queue: "nowhere"}, field: "queue"},
		{name: "negative priority", req: EnqueueRequest{Command: "x", Queue: "default", Priority: -1}, field: "priority"},
		{name: "bad parent", req: EnqueueRequest{Command: "x", Queue: "default", After: []int64{0}}, field: "after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, tt.field, apperrors.GetField(err))
		})
	}

	t.Run("invalid strategy", func(t *testing.T) {
		_, err := svc.Enqueue(ctx, EnqueueRequest{
			Command: "x",
			Queue:   "default",
			Retry:   job.StrategySpec{Type: job.StrategyConstant, MaxAttempts: 0, Increment: time.Second},
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := svc.Enqueue(ctx, EnqueueRequest{Command: "x", Queue: "default", After: []int64{99}})
		require.Error(t, err)
		assert.True(t, apperrors.IsForeignKey(err))
	})

	assert.Zero(t, repo.Len())
}

func TestJobService_Link(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestJobService(t)

	enqueue := func() *model.Job {
		j, err := svc.Enqueue(ctx, EnqueueRequest{Command: "x", Queue: "default"})
		require.NoError(t, err)
		return j
	}
	a, b, c := enqueue(), enqueue(), enqueue()

	require.NoError(t, svc.Link(ctx, a.ID, b.ID))
	require.NoError(t, svc.Link(ctx, b.ID, c.ID))
	require.NoError(t, svc.Link(ctx, a.ID, b.ID), "linking an existing edge is a no-op")

	err := svc.Link(ctx, c.ID, a.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyCycle)
	assert.True(t, apperrors.IsValidation(err))

	err = svc.Link(ctx, b.ID, a.ID)
	require.ErrorIs(t, err, model.ErrCrossDependency)

	err = svc.Link(ctx, a.ID, a.ID)
	require.ErrorIs(t, err, model.ErrSelfDependency)

	children, err := repo.FindChildren(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, b.ID, children[0].ID)
}

func TestJobService_LinkRefusesStartedChild(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	parent := model.NewJob("x", model.JobInput{}, "default")
	parent.ID = 1
	child := model.NewJob("x", model.JobInput{}, "default")
	child.ID = 2
	require.NoError(t, model.NewStatusMutator(nil).Transition(child, model.JobStatusPending))

	repo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(parent, nil)
	repo.EXPECT().GetByID(gomock.Any(), int64(2)).Return(child, nil)

	err := svc.Link(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestJobService_RandomGraph(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestJobService(t)

	created, err := svc.RandomGraph(ctx, 25, []string{"default", "reports"}, 42)
	require.NoError(t, err)
	require.Len(t, created, 25)
	assert.Equal(t, 25, repo.Len())

	all := repo.All()
	require.NoError(t, model.DetectCycle(all))
	for _, j := range all {
		for _, p := range j.ParentDependencyIDs {
			assert.Less(t, p, j.ID, "parents are always created first")
		}
	}

	_, err = svc.RandomGraph(ctx, 0, []string{"default"}, 1)
	require.Error(t, err)
	_, err = svc.RandomGraph(ctx, 1, nil, 1)
	require.Error(t, err)
}
