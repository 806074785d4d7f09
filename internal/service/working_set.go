package service

import (
	"maps"
	"slices"
	"sync"

	"github.com/target/queuesd/internal/domain/model"
)

// WorkingSet is the daemon's identity map of loaded jobs.
//
// One *model.Job exists per id while the job is tracked, so the status marker and
// the daemon loop mutate the same value. Jobs leave the set through DetachFinished
// once nothing in flight depends on them.
type WorkingSet struct {
	mu   sync.Mutex
	jobs map[int64]*model.Job
}

// NewWorkingSet creates an empty working set.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{jobs: make(map[int64]*model.Job)}
}

// Get returns the tracked job with the given id.
func (w *WorkingSet) Get(id int64) (*model.Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[id]
	return j, ok
}

// Put tracks j and returns the canonical instance. If a job with the same id is
// already tracked, the existing instance wins.
func (w *WorkingSet) Put(j *model.Job) *model.Job {
	if j == nil || j.ID == 0 {
		return j
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.jobs[j.ID]; ok {
		return existing
	}
	w.jobs[j.ID] = j
	return j
}

// Replace tracks j, dropping any previous instance with the same id.
func (w *WorkingSet) Replace(j *model.Job) {
	if j == nil || j.ID == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[j.ID] = j
}

// Detach stops tracking the job with the given id.
func (w *WorkingSet) Detach(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.jobs, id)
}

// Len returns the number of tracked jobs.
func (w *WorkingSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// IDs returns the tracked ids in ascending order.
func (w *WorkingSet) IDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.jobs))
}

// Clear drops every tracked job.
func (w *WorkingSet) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.jobs)
}

// DetachFinished drops every job that may leave memory and returns how many were
// dropped. Working jobs and retried jobs whose next attempt is still open stay.
func (w *WorkingSet) DetachFinished() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var drop []int64
	for id, j := range w.jobs {
		var retry *model.Job
		if j.RetriedByID != nil {
			retry = w.jobs[*j.RetriedByID]
		}
		if j.CanBeDetached(retry) {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(w.jobs, id)
	}
	return len(drop)
}
