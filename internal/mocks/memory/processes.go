package memory

import (
	"context"
	"sync"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
)

var (
	_ core.Spawner = (*Spawner)(nil)
	_ core.Process = (*Process)(nil)
)

// Outcome scripts how a fake process behaves.
type Outcome struct {
	// ExitCode is reported once the process is done.
	ExitCode int
	// Polls is the number of Poll calls that report the process as still running.
	Polls int
	// Output is returned by Output.
	Output string
	// StartErr makes Start fail.
	StartErr error
}

// Spawner starts fake processes whose behavior is scripted per job.
type Spawner struct {
	// Script decides the outcome of each started job. Nil means success on first poll.
	Script func(j *model.Job) Outcome

	mu      sync.Mutex
	nextPID int
	started []int64
	live    map[int64]*Process
}

// NewSpawner creates a spawner with the given script.
func NewSpawner(script func(j *model.Job) Outcome) *Spawner {
	return &Spawner{Script: script, nextPID: 1000, live: make(map[int64]*Process)}
}

// Start records the job and returns a scripted process.
func (s *Spawner) Start(_ context.Context, j *model.Job) (core.Process, error) {
	var out Outcome
	if s.Script != nil {
		out = s.Script(j)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, j.ID)
	if out.StartErr != nil {
		return nil, out.StartErr
	}
	s.nextPID++
	p := &Process{pid: s.nextPID, remaining: out.Polls, exitCode: out.ExitCode, output: out.Output}
	if s.live == nil {
		s.live = make(map[int64]*Process)
	}
	s.live[j.ID] = p
	return p, nil
}

// Started returns the ids of every job passed to Start, in order.
func (s *Spawner) Started() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.started...)
}

// Process returns the fake process started for a job.
func (s *Spawner) Process(jobID int64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live[jobID]
	return p, ok
}

// Process is a scripted fake subprocess.
type Process struct {
	mu        sync.Mutex
	pid       int
	remaining int
	exitCode  int
	output    string
	killed    bool
	polls     int
}

// PID returns the fake pid.
func (p *Process) PID() int { return p.pid }

// Poll counts down the scripted polls before reporting the exit code.
func (p *Process) Poll() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.killed {
		return true, -1
	}
	if p.remaining > 0 {
		p.remaining--
		return false, 0
	}
	return true, p.exitCode
}

// Output returns the scripted output.
func (p *Process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Kill marks the process as terminated.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

// Finish makes the next Poll report the process as done.
func (p *Process) Finish(exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remaining = 0
	p.exitCode = exitCode
}

// Polls returns how many times Poll was called.
func (p *Process) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}
