package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

var (
	_ core.DaemonRepository    = (*DaemonRepository)(nil)
	_ core.HeartbeatRepository = (*HeartbeatRepository)(nil)
	_ core.ProcessChecker      = (*ProcessTable)(nil)
)

// DaemonRepository stores daemon rows in a map.
type DaemonRepository struct {
	mu      sync.Mutex
	nextID  int64
	daemons map[int64]*model.Daemon
}

// NewDaemonRepository creates an empty repository.
func NewDaemonRepository() *DaemonRepository {
	return &DaemonRepository{daemons: make(map[int64]*model.Daemon)}
}

// Create stores a copy of the daemon and assigns its id.
func (r *DaemonRepository) Create(_ context.Context, d *model.Daemon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	d.ID = r.nextID
	r.daemons[d.ID] = cloneDaemon(d)
	return nil
}

// Update stores the death fields of a daemon.
func (r *DaemonRepository) Update(_ context.Context, d *model.Daemon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.daemons[d.ID]; !ok {
		return apperrors.NotFoundf("daemon %d not found", d.ID)
	}
	r.daemons[d.ID] = cloneDaemon(d)
	return nil
}

// GetByID returns a copy of the daemon row.
func (r *DaemonRepository) GetByID(_ context.Context, id int64) (*model.Daemon, error) {
	d, ok := r.get(id)
	if !ok {
		return nil, apperrors.NotFoundf("daemon %d not found", id)
	}
	return d, nil
}

func (r *DaemonRepository) get(id int64) (*model.Daemon, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.daemons[id]
	if !ok {
		return nil, false
	}
	return cloneDaemon(d), true
}

// FindNextAlive returns the lowest-id live daemon other than excludingID and excluded.
func (r *DaemonRepository) FindNextAlive(_ context.Context, excludingID int64, excluded []int64) (*model.Daemon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(r.daemons)) {
		d := r.daemons[id]
		if id == excludingID || slices.Contains(excluded, id) || !d.IsAlive() {
			continue
		}
		return cloneDaemon(d), nil
	}
	return nil, model.ErrNoDaemonsAvailable
}

func cloneDaemon(d *model.Daemon) *model.Daemon {
	c := *d
	c.Config = slices.Clone(d.Config)
	return &c
}

// HeartbeatRepository keeps heartbeat deadlines in a map.
type HeartbeatRepository struct {
	Now func() time.Time

	mu    sync.Mutex
	beats map[int64]time.Time
}

// NewHeartbeatRepository creates an empty heartbeat store.
func NewHeartbeatRepository() *HeartbeatRepository {
	return &HeartbeatRepository{beats: make(map[int64]time.Time)}
}

func (h *HeartbeatRepository) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Beat records a heartbeat that expires after ttl.
func (h *HeartbeatRepository) Beat(_ context.Context, daemonID int64, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[daemonID] = h.now().Add(ttl)
	return nil
}

// IsBeating reports whether the heartbeat of the daemon has not expired.
func (h *HeartbeatRepository) IsBeating(_ context.Context, daemonID int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline, ok := h.beats[daemonID]
	return ok && h.now().Before(deadline), nil
}

// Forget drops the heartbeat of the daemon.
func (h *HeartbeatRepository) Forget(_ context.Context, daemonID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.beats, daemonID)
	return nil
}

// ProcessTable is a fake process table for liveness checks.
type ProcessTable struct {
	mu   sync.Mutex
	pids map[int]bool
}

// NewProcessTable creates a table holding the given live pids.
func NewProcessTable(pids ...int) *ProcessTable {
	t := &ProcessTable{pids: make(map[int]bool)}
	for _, pid := range pids {
		t.pids[pid] = true
	}
	return t
}

// Exists reports whether pid is live.
func (t *ProcessTable) Exists(_ context.Context, pid int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pids[pid], nil
}

// Kill removes pid from the table.
func (t *ProcessTable) Kill(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
}
