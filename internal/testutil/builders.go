// Package testutil provides database, Redis and fixture helpers for queuesd tests.
package testutil

import (
	"time"

	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
)

// JobBuilder provides a fluent interface for building jobs for testing.
type JobBuilder struct {
	job *model.Job
}

// NewJob creates a JobBuilder for a NEW job in the default queue.
func NewJob(command string, argv ...string) *JobBuilder {
	return &JobBuilder{job: model.NewJob(command, model.ParseInput(argv), "default")}
}

// InQueue sets the queue.
func (b *JobBuilder) InQueue(queue string) *JobBuilder {
	b.job.Queue = queue
	return b
}

// WithPriority sets the priority.
func (b *JobBuilder) WithPriority(priority int) *JobBuilder {
	b.job.Priority = priority
	return b
}

// CreatedAt sets the creation time.
func (b *JobBuilder) CreatedAt(at time.Time) *JobBuilder {
	b.job.CreatedAt = at.UTC()
	return b
}

// ExecuteAfter delays the job until at.
func (b *JobBuilder) ExecuteAfter(at time.Time) *JobBuilder {
	at = at.UTC()
	b.job.ExecuteAfterTime = &at
	return b
}

// After makes the job wait on the given parents.
func (b *JobBuilder) After(parentIDs ...int64) *JobBuilder {
	b.job.ParentDependencyIDs = model.NormalizeIDs(append(b.job.ParentDependencyIDs, parentIDs...))
	return b
}

// WithRetry sets the retry strategy.
func (b *JobBuilder) WithRetry(strategy job.RetryStrategy) *JobBuilder {
	b.job.RetryStrategy = strategy
	return b
}

// Build returns the job.
func (b *JobBuilder) Build() *model.Job {
	return b.job
}
