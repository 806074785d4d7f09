// Package profiling reports the resource usage of a running daemon.
package profiling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/target/queuesd/internal/observability/statsd"
)

// Options configures a Reporter.
type Options struct {
	Logger  *slog.Logger // Optional: structured logger
	Metrics statsd.Sink  // Optional: metrics sink
	// HeapProfileDir enables a heap profile dump on every report when non-empty.
	HeapProfileDir string
	PID            int              // Optional: defaults to os.Getpid
	Now            func() time.Time // Optional: clock
}

// Snapshot is one resource usage sample.
type Snapshot struct {
	RSS             uint64
	HeapAlloc       uint64
	HeapObjects     uint64
	Goroutines      int
	RunningJobs     int
	ManagedEntities int
	HeapProfile     string
}

// Reporter logs and emits resource usage. It implements service.Profiler.
type Reporter struct {
	logger  *slog.Logger
	metrics statsd.Sink
	heapDir string
	pid     int
	now     func() time.Time
}

// NewReporter creates a Reporter. The heap profile directory is created when missing.
func NewReporter(opts Options) (*Reporter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.HeapProfileDir != "" {
		if err := os.MkdirAll(opts.HeapProfileDir, 0o750); err != nil {
			return nil, fmt.Errorf("create heap profile dir: %w", err)
		}
	}
	return &Reporter{
		logger:  logger.With("component", "profiling"),
		metrics: opts.Metrics,
		heapDir: opts.HeapProfileDir,
		pid:     pid,
		now:     now,
	}, nil
}

// Profile samples resource usage, logs it and emits gauges.
func (r *Reporter) Profile(ctx context.Context, running, managed int) error {
	snap, err := r.Sample(ctx)
	if err != nil {
		return err
	}
	snap.RunningJobs = running
	snap.ManagedEntities = managed

	if r.heapDir != "" {
		path, dumpErr := r.writeHeapProfile()
		if dumpErr != nil {
			return dumpErr
		}
		snap.HeapProfile = path
	}

	attrs := []any{
		"rss", humanize.IBytes(snap.RSS),
		"heap_alloc", humanize.IBytes(snap.HeapAlloc),
		"heap_objects", humanize.Comma(clampInt64(snap.HeapObjects)),
		"goroutines", snap.Goroutines,
		"running_jobs", running,
		"managed_entities", managed,
	}
	if snap.HeapProfile != "" {
		attrs = append(attrs, "heap_profile", snap.HeapProfile)
	}
	r.logger.InfoContext(ctx, "profiling info", attrs...)

	if r.metrics != nil {
		r.metrics.Gauge("daemon.rss_bytes", float64(snap.RSS), nil)
		r.metrics.Gauge("daemon.heap_alloc_bytes", float64(snap.HeapAlloc), nil)
		r.metrics.Gauge("daemon.goroutines", float64(snap.Goroutines), nil)
		r.metrics.Gauge("daemon.managed_entities", float64(managed), nil)
	}
	return nil
}

// Sample reads the current process and Go runtime memory figures.
func (r *Reporter) Sample(ctx context.Context) (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := Snapshot{
		HeapAlloc:   ms.HeapAlloc,
		HeapObjects: ms.HeapObjects,
		Goroutines:  runtime.NumGoroutine(),
	}

	if r.pid > math.MaxInt32 {
		return snap, fmt.Errorf("pid %d out of range", r.pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(r.pid))
	if err != nil {
		return snap, fmt.Errorf("inspect pid %d: %w", r.pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("read memory of pid %d: %w", r.pid, err)
	}
	snap.RSS = mem.RSS
	return snap, nil
}

func (r *Reporter) writeHeapProfile() (string, error) {
	name := fmt.Sprintf("queuesd-heap-%d-%s.pprof", r.pid, r.now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(r.heapDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create heap profile: %w", err)
	}
	runtime.GC()
	writeErr := pprof.WriteHeapProfile(f)
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return "", fmt.Errorf("write heap profile: %w", writeErr)
	}
	return path, nil
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
