// Package process starts job subprocesses and inspects the local process table.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
)

// DefaultOutputLimit bounds the captured output of a job.
const DefaultOutputLimit = 64 * 1024

// DefaultSelfPrefixes are the command prefixes run through the queuesd binary itself.
var DefaultSelfPrefixes = []string{"internal:", "test:"}

var (
	_ core.Spawner = (*Spawner)(nil)
	_ core.Process = (*Process)(nil)
)

// Options configures a Spawner.
type Options struct {
	// Self is the executable used for self commands. Defaults to os.Executable.
	Self string
	// SelfPrefixes overrides DefaultSelfPrefixes.
	SelfPrefixes []string
	// OutputLimit overrides DefaultOutputLimit.
	OutputLimit int
	// Env is appended to the environment inherited by every job.
	Env    []string
	Logger *slog.Logger
}

// Spawner starts jobs as OS processes.
type Spawner struct {
	self     string
	prefixes []string
	limit    int
	env      []string
	logger   *slog.Logger
}

// NewSpawner creates a Spawner.
func NewSpawner(opts Options) (*Spawner, error) {
	self := opts.Self
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve queuesd executable: %w", err)
		}
		self = exe
	}
	prefixes := opts.SelfPrefixes
	if prefixes == nil {
		prefixes = DefaultSelfPrefixes
	}
	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		self:     self,
		prefixes: prefixes,
		limit:    limit,
		env:      opts.Env,
		logger:   logger.With("component", "spawner"),
	}, nil
}

// Argv returns the command line a job runs with.
func (s *Spawner) Argv(j *model.Job) []string {
	argv := append([]string{j.Command}, j.Input.Argv()...)
	for _, p := range s.prefixes {
		if strings.HasPrefix(j.Command, p) {
			return append([]string{s.self}, argv...)
		}
	}
	return argv
}

// Start launches the job and returns without waiting for it. The process is not
// bound to ctx: it lives until it exits or is killed.
func (s *Spawner) Start(ctx context.Context, j *model.Job) (core.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := s.Argv(j)

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // job commands are trusted producer input
	out := newTailBuffer(s.limit)
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env,
		"QUEUESD_JOB_ID="+strconv.FormatInt(j.ID, 10),
		"QUEUESD_QUEUE="+j.Queue,
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start job %d (%s): %w", j.ID, j.Command, err)
	}

	p := &Process{cmd: cmd, out: out, done: make(chan struct{})}
	go p.wait()

	s.logger.DebugContext(ctx, "job process started", "job_id", j.ID, "pid", p.PID(), "argv", argv)
	return p, nil
}

// Process is a running job subprocess.
type Process struct {
	cmd  *exec.Cmd
	out  *tailBuffer
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()
	if code == 0 && err != nil {
		code = -1
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Poll reports whether the process has exited. A process killed by a signal reports -1.
func (p *Process) Poll() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

// Output returns the tail of the combined stdout and stderr.
func (p *Process) Output() string {
	return p.out.String()
}

// Kill terminates the process and the children it started. Killing an exited process
// is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
