// Package memory contains in-memory implementations of the core ports for unit tests.
// They keep copies of stored rows and enforce the same version checks as the Postgres
// repositories, so races and stale flushes can be reproduced without a database.
package memory

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

var _ core.JobRepository = (*JobRepository)(nil)

// JobRepository stores jobs and dependency edges in maps.
type JobRepository struct {
	// Now drives due-time checks of FindNextRunnableJob. Defaults to time.Now.
	Now func() time.Time
	// Daemons resolves processed_by_daemon for stale detection. Optional.
	Daemons *DaemonRepository
	// BeforeUpdate runs before every Update and may return an error to inject failures.
	BeforeUpdate func(j *model.Job) error

	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*model.Job
	children map[int64]map[int64]struct{}
	updates  int
}

// NewJobRepository creates an empty repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs:     make(map[int64]*model.Job),
		children: make(map[int64]map[int64]struct{}),
	}
}

func (r *JobRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Create stores a copy of the job and its edges.
func (r *JobRepository) Create(_ context.Context, j *model.Job) error {
	if j == nil {
		return errors.New("job is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range append(slices.Clone(j.ParentDependencyIDs), j.ChildDependencyIDs...) {
		if _, ok := r.jobs[id]; !ok {
			return apperrors.Wrapf(errors.New("missing job"), apperrors.ErrCodeForeignKey, "referenced job %d does not exist", id)
		}
	}

	r.nextID++
	j.ID = r.nextID
	j.Version = 1
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now().UTC()
	}
	for _, p := range j.ParentDependencyIDs {
		r.link(p, j.ID)
	}
	for _, c := range j.ChildDependencyIDs {
		r.link(j.ID, c)
	}
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *JobRepository) link(parent, child int64) {
	set, ok := r.children[parent]
	if !ok {
		set = make(map[int64]struct{})
		r.children[parent] = set
	}
	set[child] = struct{}{}
}

// GetByID returns a copy of the stored job with its relation sets resolved.
func (r *JobRepository) GetByID(_ context.Context, id int64) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return nil, apperrors.NotFoundf("job %d not found", id)
	}
	return r.hydrate(id), nil
}

// hydrate must be called with the lock held.
func (r *JobRepository) hydrate(id int64) *model.Job {
	j := cloneJob(r.jobs[id])
	j.ChildDependencyIDs = sortedIDs(r.children[id])
	j.ParentDependencyIDs = nil
	j.CancelledJobIDs = nil
	j.RetryingJobIDs = nil
	j.RetriedByID = nil
	for other, set := range r.children {
		if _, ok := set[id]; ok {
			j.ParentDependencyIDs = append(j.ParentDependencyIDs, other)
		}
	}
	for _, o := range r.jobs {
		if o.CancelledByID != nil && *o.CancelledByID == id {
			j.CancelledJobIDs = append(j.CancelledJobIDs, o.ID)
		}
		if o.FirstRetriedJobID != nil && *o.FirstRetriedJobID == id {
			j.RetryingJobIDs = append(j.RetryingJobIDs, o.ID)
		}
		if o.RetryOfID != nil && *o.RetryOfID == id && (j.RetriedByID == nil || o.ID < *j.RetriedByID) {
			retry := o.ID
			j.RetriedByID = &retry
		}
	}
	j.ParentDependencyIDs = normalize(j.ParentDependencyIDs)
	j.CancelledJobIDs = normalize(j.CancelledJobIDs)
	j.RetryingJobIDs = normalize(j.RetryingJobIDs)
	return j
}

// Update stores the job when its version matches, then advances the caller's version.
func (r *JobRepository) Update(_ context.Context, j *model.Job) error {
	if r.BeforeUpdate != nil {
		if err := r.BeforeUpdate(j); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[j.ID]
	if !ok || stored.Version != j.Version {
		return apperrors.Stalef("job %d at version %d was modified or removed concurrently", j.ID, j.Version)
	}
	j.Version++
	r.jobs[j.ID] = cloneJob(j)
	r.updates++
	return nil
}

// Updates returns the number of successful updates.
func (r *JobRepository) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// Delete removes a finished job at the expected version together with its edges.
func (r *JobRepository) Delete(_ context.Context, j *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[j.ID]
	if !ok || stored.Version != j.Version || !stored.IsStatusFinished() {
		return apperrors.Stalef("job %d at version %d was modified or removed concurrently", j.ID, j.Version)
	}
	delete(r.jobs, j.ID)
	delete(r.children, j.ID)
	for _, set := range r.children {
		delete(set, j.ID)
	}
	for _, o := range r.jobs {
		for _, ref := range []**int64{&o.RetryOfID, &o.FirstRetriedJobID, &o.CancelledByID} {
			if *ref != nil && **ref == j.ID {
				*ref = nil
			}
		}
	}
	return nil
}

// AddDependency links parent -> child.
func (r *JobRepository) AddDependency(_ context.Context, parentID, childID int64) error {
	if parentID == childID {
		return model.ErrSelfDependency
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, okParent := r.jobs[parentID]
	_, okChild := r.jobs[childID]
	if !okParent || !okChild {
		return apperrors.Wrapf(errors.New("missing job"), apperrors.ErrCodeForeignKey,
			"dependency %d -> %d references a missing job", parentID, childID)
	}
	r.link(parentID, childID)
	return nil
}

// FindNextRunnableJob mirrors the Postgres ordering by priority, creation time and id.
func (r *JobRepository) FindNextRunnableJob(_ context.Context, queue string, excluded []int64) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var best *model.Job
	for _, j := range r.jobs {
		if j.Queue != queue || !j.IsStatusNew() || slices.Contains(excluded, j.ID) {
			continue
		}
		if j.ExecuteAfterTime != nil && j.ExecuteAfterTime.After(now) {
			continue
		}
		if best == nil || compareRunnable(j, best) < 0 {
			best = j
		}
	}
	if best == nil {
		return nil, model.ErrNoJobsAvailable
	}
	return r.hydrate(best.ID), nil
}

func compareRunnable(a, b *model.Job) int {
	return cmp.Or(
		cmp.Compare(a.Priority, b.Priority),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// FindParents returns the direct parents of a job.
func (r *JobRepository) FindParents(_ context.Context, id int64) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, pid := range r.sortedJobIDs() {
		if _, ok := r.children[pid][id]; ok {
			out = append(out, r.hydrate(pid))
		}
	}
	return out, nil
}

// FindChildren returns the direct children of a job.
func (r *JobRepository) FindChildren(_ context.Context, id int64) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, cid := range sortedIDs(r.children[id]) {
		if _, ok := r.jobs[cid]; ok {
			out = append(out, r.hydrate(cid))
		}
	}
	return out, nil
}

// FindNextStaleJob returns the lowest-id working job whose daemon is unknown or dead.
func (r *JobRepository) FindNextStaleJob(_ context.Context, excluded []int64) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedJobIDs() {
		if slices.Contains(excluded, id) {
			continue
		}
		if r.isStale(r.jobs[id]) {
			return r.hydrate(id), nil
		}
	}
	return nil, model.ErrNoJobsAvailable
}

// CountStaleJobs counts working jobs whose daemon is unknown or dead.
func (r *JobRepository) CountStaleJobs(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if r.isStale(j) {
			n++
		}
	}
	return n, nil
}

func (r *JobRepository) isStale(j *model.Job) bool {
	if !j.IsStatusWorking() {
		return false
	}
	if j.ProcessedByDaemonID == nil {
		return true
	}
	if r.Daemons == nil {
		return false
	}
	d, ok := r.Daemons.get(*j.ProcessedByDaemonID)
	return ok && !d.IsAlive()
}

// FindExpiredJobs returns finished jobs closed before cutoff that no open lineage references.
func (r *JobRepository) FindExpiredJobs(
	_ context.Context,
	queue string,
	cutoff time.Time,
	limit int,
) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Job
	for _, id := range r.sortedJobIDs() {
		j := r.jobs[id]
		if j.Queue != queue || !j.IsStatusFinished() || j.ClosedAt == nil || !j.ClosedAt.Before(cutoff) {
			continue
		}
		if r.referencedByOpenLineage(j) || r.hasOpenChild(j.ID) {
			continue
		}
		out = append(out, r.hydrate(id))
		if len(out) == limit {
			break
		}
	}
	slices.SortStableFunc(out, func(a, b *model.Job) int { return a.ClosedAt.Compare(*b.ClosedAt) })
	return out, nil
}

func (r *JobRepository) referencedByOpenLineage(j *model.Job) bool {
	refs := func(p *int64, id int64) bool { return p != nil && *p == id }
	for _, o := range r.jobs {
		if o.IsStatusFinished() {
			continue
		}
		if refs(o.RetryOfID, j.ID) || refs(o.FirstRetriedJobID, j.ID) || refs(o.CancelledByID, j.ID) ||
			refs(j.RetryOfID, o.ID) || refs(j.FirstRetriedJobID, o.ID) || refs(j.CancelledByID, o.ID) {
			return true
		}
	}
	return false
}

func (r *JobRepository) hasOpenChild(id int64) bool {
	for cid := range r.children[id] {
		c, ok := r.jobs[cid]
		if ok && (c.IsStatusWaiting() || c.IsStatusWorking()) {
			return true
		}
	}
	return false
}

// CountByStatus counts jobs per status, for one queue or all when queue is empty.
func (r *JobRepository) CountByStatus(_ context.Context, queue string) (model.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := model.JobStats{}
	for _, j := range r.jobs {
		if queue == "" || j.Queue == queue {
			stats[j.Status()]++
		}
	}
	return stats, nil
}

// Len returns the number of stored jobs.
func (r *JobRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// All returns hydrated copies of every stored job ordered by id.
func (r *JobRepository) All() []*model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Job, 0, len(r.jobs))
	for _, id := range r.sortedJobIDs() {
		out = append(out, r.hydrate(id))
	}
	return out
}

func (r *JobRepository) sortedJobIDs() []int64 {
	return slices.Sorted(maps.Keys(r.jobs))
}

func sortedIDs(set map[int64]struct{}) []int64 {
	if len(set) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}

func normalize(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	return model.NormalizeIDs(ids)
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.ChildDependencyIDs = slices.Clone(j.ChildDependencyIDs)
	c.ParentDependencyIDs = slices.Clone(j.ParentDependencyIDs)
	c.CancelledJobIDs = slices.Clone(j.CancelledJobIDs)
	c.RetryingJobIDs = slices.Clone(j.RetryingJobIDs)
	c.Debug = maps.Clone(j.Debug)
	c.Input.Arguments = slices.Clone(j.Input.Arguments)
	c.Input.Options = maps.Clone(j.Input.Options)
	c.Input.Shortcuts = maps.Clone(j.Input.Shortcuts)
	return &c
}
