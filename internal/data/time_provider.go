package data

import (
	"sync"
	"time"
)

// TimeProvider is the clock the repositories stamp rows with.
type TimeProvider interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedTimeProvider is a manually advanced clock shared by tests of the repositories
// and of the services driving them.
type FixedTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedTimeProvider returns a clock stopped at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t}
}

// Now returns the current fixed instant.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AddTime moves the clock forward by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
