package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/mocks/memory"
)

type cascadeFixture struct {
	ctx  context.Context
	repo *memory.JobRepository
	m    *JobStatusMarker
	c    *Cancellator
}

func newCascadeFixture(t *testing.T) *cascadeFixture {
	t.Helper()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)
	c, err := NewCancellator(CancellatorOptions{Repo: repo, Marker: m})
	require.NoError(t, err)
	return &cascadeFixture{ctx: context.Background(), repo: repo, m: m, c: c}
}

func (f *cascadeFixture) job(t *testing.T, parents ...int64) *model.Job {
	t.Helper()
	j := model.NewJob("test:sleep", model.JobInput{}, "default")
	j.ParentDependencyIDs = parents
	require.NoError(t, f.repo.Create(f.ctx, j))
	return j
}

func (f *cascadeFixture) fail(t *testing.T, j *model.Job) {
	t.Helper()
	claimed(t, f.m, j, savedDaemon(t))
	code := 1
	require.NoError(t, f.m.MarkFailed(f.ctx, j, model.ProcessInfo{ExitCode: &code}))
}

func (f *cascadeFixture) get(t *testing.T, id int64) *model.Job {
	t.Helper()
	j, err := f.repo.GetByID(f.ctx, id)
	require.NoError(t, err)
	return j
}

func TestNewCancellator(t *testing.T) {
	repo := memory.NewJobRepository()
	_, err := NewCancellator(CancellatorOptions{Repo: repo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobStatusMarker is required")

	_, err = NewCancellator(CancellatorOptions{Marker: newTestMarker(t, repo, nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobRepository is required")
}

func TestCancellator_CreateCancellingJob(t *testing.T) {
	f := newCascadeFixture(t)
	failed := f.job(t)
	f.fail(t, failed)

	cancelling, err := f.c.CreateCancellingJob(f.ctx, failed)
	require.NoError(t, err)

	stored := f.get(t, cancelling.ID)
	assert.Equal(t, model.CancellingCommand, stored.Command)
	assert.Equal(t, "default", stored.Queue)
	assert.Equal(t, CancellingPriority, stored.Priority)
	assert.Equal(t, model.JobStatusNew, stored.Status())
	assert.Equal(t, []string{"--cancelling-job-id=2", "--id=1"}, stored.Input.Argv())

	failedID, cancellingID, err := CancellingArgs(stored.Input)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, failedID)
	assert.Equal(t, cancelling.ID, cancellingID)

	_, err = f.c.CreateCancellingJob(f.ctx, model.NewJob("x", model.JobInput{}, "default"))
	require.ErrorIs(t, err, model.ErrUnsavedJob)
}

func TestCancellingArgs(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantErr string
	}{
		{name: "both ids", argv: []string{"--id=4", "--cancelling-job-id=9"}},
		{name: "missing id", argv: []string{"--cancelling-job-id=9"}, wantErr: "--id is required"},
		{name: "bare flag", argv: []string{"--id", "--cancelling-job-id=9"}, wantErr: "--id is required"},
		{name: "not a number", argv: []string{"--id=four", "--cancelling-job-id=9"}, wantErr: "positive job id"},
		{name: "missing cancelling id", argv: []string{"--id=4"}, wantErr: "--cancelling-job-id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failedID, cancellingID, err := CancellingArgs(model.ParseInput(tt.argv))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(4), failedID)
			assert.Equal(t, int64(9), cancellingID)
		})
	}
}

func TestCancellator_CancelDiamond(t *testing.T) {
	f := newCascadeFixture(t)
	//     a
	//    / \
	//   b   c
	//    \ /
	//     d
	a := f.job(t)
	b := f.job(t, a.ID)
	c := f.job(t, a.ID)
	d := f.job(t, b.ID, c.ID)
	f.fail(t, a)

	cancelling, err := f.c.CreateCancellingJob(f.ctx, a)
	require.NoError(t, err)

	n, err := f.c.Cancel(f.ctx, a.ID, cancelling.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, tc := range []struct {
		id     int64
		reason string
	}{
		{b.ID, "Parent job #1 failed"},
		{c.ID, "Parent job #1 failed"},
		{d.ID, "Parent job #2 failed"},
	} {
		got := f.get(t, tc.id)
		assert.Equal(t, model.JobStatusCancelled, got.Status(), "job %d", tc.id)
		assert.Equal(t, tc.reason, *got.CancellationReason, "job %d", tc.id)
		assert.Equal(t, cancelling.ID, *got.CancelledByID, "job %d", tc.id)
	}
	assert.Equal(t, model.JobStatusFailed, f.get(t, a.ID).Status())

	again, err := f.c.Cancel(f.ctx, a.ID, cancelling.ID)
	require.NoError(t, err)
	assert.Zero(t, again, "a second run finds nothing left to cancel")
}

func TestCancellator_CancelSkipsFinishedButTraversesThem(t *testing.T) {
	f := newCascadeFixture(t)
	a := f.job(t)
	b := f.job(t, a.ID)
	c := f.job(t, b.ID)

	claimed(t, f.m, b, savedDaemon(t))
	code := 0
	require.NoError(t, f.m.MarkSucceeded(f.ctx, b, model.ProcessInfo{ExitCode: &code}))
	f.fail(t, a)

	cancelling, err := f.c.CreateCancellingJob(f.ctx, a)
	require.NoError(t, err)
	n, err := f.c.Cancel(f.ctx, a.ID, cancelling.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, model.JobStatusSucceeded, f.get(t, b.ID).Status())
	got := f.get(t, c.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status())
	assert.Equal(t, "Parent job #2 failed", *got.CancellationReason)
}

func TestCancellator_CancelRequiresCancellingJob(t *testing.T) {
	f := newCascadeFixture(t)
	a := f.job(t)
	b := f.job(t, a.ID)

	_, err := f.c.Cancel(f.ctx, a.ID, b.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, model.JobStatusNew, f.get(t, b.ID).Status())

	_, err = f.c.Cancel(f.ctx, a.ID, 404)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
