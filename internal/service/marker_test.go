package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/mocks"
	"github.com/target/queuesd/internal/mocks/memory"
	"github.com/target/queuesd/internal/observability/statsd"
)

func newTestMarker(t *testing.T, repo *memory.JobRepository, rec *statsd.Recorder) *JobStatusMarker {
	t.Helper()
	m, err := NewJobStatusMarker(JobStatusMarkerOptions{
		Repo:         repo,
		Metrics:      rec,
		Now:          func() time.Time { return testEpoch },
		FlushBackoff: zeroBackoff,
	})
	require.NoError(t, err)
	return m
}

func savedDaemon(t *testing.T) *model.Daemon {
	t.Helper()
	d := model.NewDaemon("main", testHost, testPID, json.RawMessage(`{}`))
	d.ID = 1
	return d
}

func TestNewJobStatusMarker(t *testing.T) {
	_, err := NewJobStatusMarker(JobStatusMarkerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobRepository is required")

	m, err := NewJobStatusMarker(JobStatusMarkerOptions{Repo: memory.NewJobRepository()})
	require.NoError(t, err)
	assert.Equal(t, DefaultFlushAttempts, m.flushAttempts)
}

func TestJobStatusMarker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	rec := &statsd.Recorder{}
	m := newTestMarker(t, repo, rec)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))

	require.NoError(t, m.MarkPending(ctx, j, savedDaemon(t)))
	require.NoError(t, m.MarkRunning(ctx, j))
	code := 0
	require.NoError(t, m.MarkSucceeded(ctx, j, model.ProcessInfo{Output: "done", ExitCode: &code}))

	got, err := repo.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, got.Status())
	assert.Equal(t, int64(1), *got.ProcessedByDaemonID)
	assert.Equal(t, "done", *got.Output)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, testEpoch, *got.StartedAt)
	assert.Equal(t, testEpoch, *got.ClosedAt)
	assert.Equal(t, int64(4), got.Version)

	assert.Equal(t, 1.0, rec.Sum("job.transition", map[string]string{"transition": "succeeded", "result": "success"}))
	assert.Equal(t, 3, repo.Updates())
}

func TestJobStatusMarker_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	rec := &statsd.Recorder{}
	m := newTestMarker(t, repo, rec)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))

	err := m.MarkRunning(ctx, j)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.JobStatusNew, j.Status())
	assert.Zero(t, repo.Updates())
	assert.Equal(t, 1.0, rec.Sum("job.transition", map[string]string{"transition": "running", "result": "error"}))
}

func TestJobStatusMarker_RefreshesOnLostRace(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))

	raced := false
	repo.BeforeUpdate = func(*model.Job) error {
		if raced {
			return nil
		}
		raced = true
		concurrent, err := repo.GetByID(ctx, j.ID)
		require.NoError(t, err)
		concurrent.Priority = 7
		return repo.Update(ctx, concurrent)
	}

	require.NoError(t, m.MarkPending(ctx, j, savedDaemon(t)))

	got, err := repo.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status())
	assert.Equal(t, 7, got.Priority, "the concurrent change survives the refresh")
	assert.Equal(t, got.Version, j.Version)
}

func TestJobStatusMarker_GivesUpAfterFlushAttempts(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))

	attempts := 0
	inner := false
	repo.BeforeUpdate = func(*model.Job) error {
		if inner {
			return nil
		}
		attempts++
		inner = true
		defer func() { inner = false }()
		concurrent, err := repo.GetByID(ctx, j.ID)
		require.NoError(t, err)
		return repo.Update(ctx, concurrent)
	}

	err := m.MarkPending(ctx, j, savedDaemon(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsStale(err))
	assert.Equal(t, DefaultFlushAttempts, attempts)
}

func TestJobStatusMarker_StorageErrorIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	boom := errors.New("connection reset")
	repo.EXPECT().Update(gomock.Any(), gomock.Any()).Return(boom).Times(1)

	m, err := NewJobStatusMarker(JobStatusMarkerOptions{Repo: repo, FlushBackoff: zeroBackoff})
	require.NoError(t, err)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	j.ID = 9
	err = m.MarkPending(context.Background(), j, savedDaemon(t))
	require.ErrorIs(t, err, boom)
}

func TestJobStatusMarker_MarkFailedJobAsRetried(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	j := model.NewJob("test:fail", model.JobInput{}, "default")
	j.RetryStrategy = constant(t, 5*time.Second, 2)
	require.NoError(t, repo.Create(ctx, j))
	child := model.NewJob("test:sleep", model.JobInput{}, "default")
	child.ParentDependencyIDs = []int64{j.ID}
	require.NoError(t, repo.Create(ctx, child))

	claimed(t, m, j, savedDaemon(t))
	code := 1
	info := model.ProcessInfo{Output: "boom", ExitCode: &code}
	require.NoError(t, m.MarkFailed(ctx, j, info))

	retry, err := m.MarkFailedJobAsRetried(ctx, j, info)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusRetried, j.Status())
	assert.Equal(t, retry.ID, *j.RetriedByID)
	assert.Equal(t, []int64{retry.ID}, j.RetryingJobIDs)
	assert.Equal(t, "boom", *j.Output)

	stored, err := repo.GetByID(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusNew, stored.Status())
	assert.Equal(t, -1, stored.Priority)
	assert.Equal(t, testEpoch.Add(5*time.Second), *stored.ExecuteAfterTime)
	assert.Equal(t, []int64{child.ID}, stored.ChildDependencyIDs, "the retry inherits the children")

	_, err = m.MarkFailedJobAsRetried(ctx, j, info)
	require.ErrorIs(t, err, model.ErrCannotRetry)
}

func TestJobStatusMarker_SettleFailureDecidesOnce(t *testing.T) {
	tests := []struct {
		name      string
		failAt    time.Duration
		wantRetry bool
	}{
		{name: "next attempt fits the window", failAt: 5 * time.Second, wantRetry: true},
		{name: "next attempt misses the window", failAt: 6 * time.Second, wantRetry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := memory.NewJobRepository()
			current := testEpoch
			var step time.Duration
			m, err := NewJobStatusMarker(JobStatusMarkerOptions{
				Repo: repo,
				Now: func() time.Time {
					at := current
					current = current.Add(step)
					return at
				},
				FlushBackoff: zeroBackoff,
			})
			require.NoError(t, err)

			window, err := job.NewTimeFixed(10*time.Second, 5*time.Second)
			require.NoError(t, err)
			first := model.NewJob("test:fail", model.JobInput{}, "default")
			first.RetryStrategy = window
			require.NoError(t, repo.Create(ctx, first))
			claimed(t, m, first, savedDaemon(t))
			second, err := m.SettleFailure(ctx, first, model.JobStatusFailed, model.ProcessInfo{}, true)
			require.NoError(t, err)
			require.NotNil(t, second)
			claimed(t, m, second, savedDaemon(t))

			// Every clock read from here on moves time forward.
			current = testEpoch.Add(tt.failAt)
			step = time.Second

			third, err := m.SettleFailure(ctx, second, model.JobStatusFailed, model.ProcessInfo{}, true)
			require.NoError(t, err)
			got, err := repo.GetByID(ctx, first.ID)
			require.NoError(t, err)

			if !tt.wantRetry {
				assert.Nil(t, third)
				assert.Equal(t, model.JobStatusFailed, second.Status())
				assert.Equal(t, model.JobStatusRetryFailed, got.Status())
				return
			}
			require.NotNil(t, third)
			assert.Equal(t, model.JobStatusRetried, second.Status())
			assert.Equal(t, testEpoch.Add(tt.failAt+5*time.Second), *third.ExecuteAfterTime)
			assert.Equal(t, model.JobStatusRetried, got.Status())
		})
	}
}

func TestJobStatusMarker_SettleStale(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	retried := model.NewJob("test:sleep", model.JobInput{}, "default")
	retried.RetryStrategy = constant(t, time.Second, 2)
	require.NoError(t, repo.Create(ctx, retried))
	claimed(t, m, retried, savedDaemon(t))
	retry, err := m.SettleStale(ctx, retried, model.ProcessInfo{Output: "left behind"}, true)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, model.JobStatusRetried, retried.Status())

	forbidden := model.NewJob("test:sleep", model.JobInput{}, "default")
	forbidden.RetryStrategy = constant(t, time.Second, 2)
	require.NoError(t, repo.Create(ctx, forbidden))
	claimed(t, m, forbidden, savedDaemon(t))
	retry, err = m.SettleStale(ctx, forbidden, model.ProcessInfo{Output: "left behind"}, false)
	require.NoError(t, err)
	assert.Nil(t, retry)
	assert.Equal(t, model.JobStatusFailed, forbidden.Status())
	assert.Equal(t, "left behind", *forbidden.Output)
}

func TestJobStatusMarker_NeverRetryJobCannotBeRetried(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	j := model.NewJob("test:fail", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))
	claimed(t, m, j, savedDaemon(t))

	_, err := m.MarkStaleJobAsRetried(ctx, j, model.ProcessInfo{})
	require.ErrorIs(t, err, model.ErrCannotRetry)
	assert.Equal(t, 1, repo.Len())
}

func TestJobStatusMarker_MarkJobAsCancelled(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, j))
	cancelling := model.NewJob(model.CancellingCommand, model.JobInput{}, "default")

	err := m.MarkJobAsCancelled(ctx, j, cancelling, "Parent job #1 failed")
	require.ErrorIs(t, err, model.ErrUnsavedJob)

	require.NoError(t, repo.Create(ctx, cancelling))
	err = m.MarkJobAsCancelled(ctx, j, cancelling, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, m.MarkJobAsCancelled(ctx, j, cancelling, "Parent job #1 failed"))
	assert.Equal(t, model.JobStatusCancelled, j.Status())
	assert.Equal(t, cancelling.ID, *j.CancelledByID)
	assert.Equal(t, "Parent job #1 failed", *j.CancellationReason)
	require.NotNil(t, j.ClosedAt)
}

func TestJobStatusMarker_LineageSkipsAncestorsNotRetried(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)

	first := model.NewJob("test:fail", model.JobInput{}, "default")
	first.RetryStrategy = constant(t, time.Second, 3)
	require.NoError(t, repo.Create(ctx, first))
	claimed(t, m, first, savedDaemon(t))
	require.NoError(t, m.MarkFailed(ctx, first, model.ProcessInfo{}))
	second, err := m.MarkFailedJobAsRetried(ctx, first, model.ProcessInfo{})
	require.NoError(t, err)

	require.NoError(t, m.MarkParentsAsRetryFailed(ctx, second))
	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRetryFailed, got.Status())

	claimed(t, m, second, savedDaemon(t))
	require.NoError(t, m.MarkSucceeded(ctx, second, model.ProcessInfo{}))

	got, err = repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRetryFailed, got.Status(), "a closed lineage is not reopened")
}
