package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/queuesd/internal/domain/model"
	"github.com/target/queuesd/internal/mocks/memory"
)

func TestWorkingSet_PutKeepsCanonicalInstance(t *testing.T) {
	set := NewWorkingSet()
	first := &model.Job{ID: 1}
	second := &model.Job{ID: 1}

	assert.Same(t, first, set.Put(first))
	assert.Same(t, first, set.Put(second))

	set.Replace(second)
	got, ok := set.Get(1)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.Nil(t, set.Put(nil))
	unsaved := &model.Job{}
	assert.Same(t, unsaved, set.Put(unsaved))
	assert.Equal(t, 1, set.Len())
}

func TestWorkingSet_DetachFinished(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	m := newTestMarker(t, repo, nil)
	set := NewWorkingSet()

	running := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, running))
	claimed(t, m, running, savedDaemon(t))

	done := model.NewJob("test:sleep", model.JobInput{}, "default")
	require.NoError(t, repo.Create(ctx, done))
	claimed(t, m, done, savedDaemon(t))
	require.NoError(t, m.MarkSucceeded(ctx, done, model.ProcessInfo{}))

	retried := model.NewJob("test:fail", model.JobInput{}, "default")
	retried.RetryStrategy = constant(t, time.Second, 2)
	require.NoError(t, repo.Create(ctx, retried))
	claimed(t, m, retried, savedDaemon(t))
	require.NoError(t, m.MarkFailed(ctx, retried, model.ProcessInfo{}))
	retry, err := m.MarkFailedJobAsRetried(ctx, retried, model.ProcessInfo{})
	require.NoError(t, err)
	claimed(t, m, retry, savedDaemon(t))

	for _, j := range []*model.Job{running, done, retried, retry} {
		set.Put(j)
	}

	assert.Equal(t, 1, set.DetachFinished())
	assert.Equal(t, []int64{running.ID, retried.ID, retry.ID}, set.IDs())

	set.Clear()
	assert.Zero(t, set.Len())
}
