// Package job holds scheduling policies shared by the job model and the daemon.
package job

import (
	"errors"
	"math"
	"time"
)

// StrategyType identifies a retry strategy variant in its persisted form.
type StrategyType string

const (
	// StrategyNeverRetry never allows another attempt.
	StrategyNeverRetry StrategyType = "never_retry"
	// StrategyConstant waits the same increment before every attempt.
	StrategyConstant StrategyType = "constant"
	// StrategyLinear waits increment × attempt number.
	StrategyLinear StrategyType = "linear"
	// StrategyExponential waits increment × base^attempt.
	StrategyExponential StrategyType = "exponential"
	// StrategyTimeFixed allows attempts only inside a window opened by the first failure.
	StrategyTimeFixed StrategyType = "time_fixed"
	// StrategyLive retries effectively forever.
	StrategyLive StrategyType = "live"
)

// LiveMaxAttempts bounds the live strategy so the attempt counter can never overflow.
const LiveMaxAttempts = math.MaxInt32

// DefaultExponentialBase is used when an exponential strategy is built without a base.
const DefaultExponentialBase = 2

var (
	// ErrInvalidMaxAttempts is returned when a bounded strategy is given fewer than one attempt.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidIncrement is returned when a delay increment is negative.
	ErrInvalidIncrement = errors.New("increment must not be negative")
	// ErrInvalidWindow is returned when a time fixed strategy has no window.
	ErrInvalidWindow = errors.New("time window must be positive")
	// ErrUnknownStrategy is returned when decoding an unknown strategy type.
	ErrUnknownStrategy = errors.New("unknown retry strategy")
)

// RetryStrategy decides whether a failed attempt may be retried and when.
//
// Strategies are immutable values: NewAttempt returns an advanced copy and never
// touches the receiver. Attempts counts the attempt carrying the strategy, so the
// first run of a job is attempt 1. Every decision is taken at an instant supplied
// by the caller; strategies never read the clock.
type RetryStrategy interface {
	Type() StrategyType
	Attempts() int
	MaxAttempts() int
	CanRetry(at time.Time) bool
	// RetryOn returns the instant the next attempt becomes eligible when the failure
	// is handled at from. The boolean is false when no further attempt is allowed.
	RetryOn(from time.Time) (time.Time, bool)
	NewAttempt(at time.Time) RetryStrategy
	snapshot() strategyState
}

type strategyState struct {
	Type            StrategyType `json:"type"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     int          `json:"max_attempts"`
	Increment       int64        `json:"increment_seconds,omitempty"`
	ExponentialBase float64      `json:"exponential_base,omitempty"`
	Window          int64        `json:"time_window_seconds,omitempty"`
	FirstFailureAt  *time.Time   `json:"first_failure_at,omitempty"`
}

type counter struct {
	attempts    int
	maxAttempts int
}

func (c counter) Attempts() int    { return c.attempts }
func (c counter) MaxAttempts() int { return c.maxAttempts }

func (c counter) canRetry() bool {
	return c.attempts < c.maxAttempts
}

func (c counter) next() counter {
	if c.attempts < math.MaxInt32 {
		c.attempts++
	}
	return c
}

func newCounter(maxAttempts int) (counter, error) {
	if maxAttempts < 1 {
		return counter{}, ErrInvalidMaxAttempts
	}
	return counter{attempts: 1, maxAttempts: maxAttempts}, nil
}

func checkIncrement(d time.Duration) error {
	if d < 0 {
		return ErrInvalidIncrement
	}
	return nil
}

// NeverRetry is the default strategy of every job.
type NeverRetry struct {
	counter
}

// NewNeverRetry returns a strategy that never retries.
func NewNeverRetry() NeverRetry {
	return NeverRetry{counter: counter{attempts: 1, maxAttempts: 1}}
}

// Type implements RetryStrategy.
func (NeverRetry) Type() StrategyType { return StrategyNeverRetry }

// CanRetry implements RetryStrategy.
func (NeverRetry) CanRetry(time.Time) bool { return false }

// RetryOn implements RetryStrategy.
func (NeverRetry) RetryOn(time.Time) (time.Time, bool) { return time.Time{}, false }

// NewAttempt implements RetryStrategy.
func (s NeverRetry) NewAttempt(time.Time) RetryStrategy {
	s.counter = s.next()
	return s
}

func (s NeverRetry) snapshot() strategyState {
	return strategyState{Type: StrategyNeverRetry, Attempts: s.attempts, MaxAttempts: s.maxAttempts}
}

// Constant waits a fixed increment before each new attempt.
type Constant struct {
	counter
	increment time.Duration
}

// NewConstant builds a constant strategy.
func NewConstant(increment time.Duration, maxAttempts int) (Constant, error) {
	c, err := newCounter(maxAttempts)
	if err != nil {
		return Constant{}, err
	}
	if err := checkIncrement(increment); err != nil {
		return Constant{}, err
	}
	return Constant{counter: c, increment: increment}, nil
}

// Type implements RetryStrategy.
func (Constant) Type() StrategyType { return StrategyConstant }

// CanRetry implements RetryStrategy.
func (s Constant) CanRetry(time.Time) bool { return s.canRetry() }

// RetryOn implements RetryStrategy.
func (s Constant) RetryOn(from time.Time) (time.Time, bool) {
	if !s.CanRetry(from) {
		return time.Time{}, false
	}
	return from.Add(s.increment), true
}

// NewAttempt implements RetryStrategy.
func (s Constant) NewAttempt(time.Time) RetryStrategy {
	s.counter = s.next()
	return s
}

func (s Constant) snapshot() strategyState {
	return strategyState{
		Type:        StrategyConstant,
		Attempts:    s.attempts,
		MaxAttempts: s.maxAttempts,
		Increment:   int64(s.increment / time.Second),
	}
}

// Linear grows the delay by one increment per attempt.
type Linear struct {
	counter
	increment time.Duration
}

// NewLinear builds a linear strategy.
func NewLinear(increment time.Duration, maxAttempts int) (Linear, error) {
	c, err := newCounter(maxAttempts)
	if err != nil {
		return Linear{}, err
	}
	if err := checkIncrement(increment); err != nil {
		return Linear{}, err
	}
	return Linear{counter: c, increment: increment}, nil
}

// Type implements RetryStrategy.
func (Linear) Type() StrategyType { return StrategyLinear }

// CanRetry implements RetryStrategy.
func (s Linear) CanRetry(time.Time) bool { return s.canRetry() }

// RetryOn implements RetryStrategy.
func (s Linear) RetryOn(from time.Time) (time.Time, bool) {
	if !s.CanRetry(from) {
		return time.Time{}, false
	}
	return from.Add(s.increment * time.Duration(s.attempts)), true
}

// NewAttempt implements RetryStrategy.
func (s Linear) NewAttempt(time.Time) RetryStrategy {
	s.counter = s.next()
	return s
}

func (s Linear) snapshot() strategyState {
	return strategyState{
		Type:        StrategyLinear,
		Attempts:    s.attempts,
		MaxAttempts: s.maxAttempts,
		Increment:   int64(s.increment / time.Second),
	}
}

// Exponential multiplies the increment by base^attempt.
type Exponential struct {
	counter
	increment time.Duration
	base      float64
}

// NewExponential builds an exponential strategy. A base lower than 1 falls back to 2.
func NewExponential(increment time.Duration, base float64, maxAttempts int) (Exponential, error) {
	c, err := newCounter(maxAttempts)
	if err != nil {
		return Exponential{}, err
	}
	if err := checkIncrement(increment); err != nil {
		return Exponential{}, err
	}
	if base < 1 {
		base = DefaultExponentialBase
	}
	return Exponential{counter: c, increment: increment, base: base}, nil
}

// Type implements RetryStrategy.
func (Exponential) Type() StrategyType { return StrategyExponential }

// CanRetry implements RetryStrategy.
func (s Exponential) CanRetry(time.Time) bool { return s.canRetry() }

// RetryOn implements RetryStrategy.
func (s Exponential) RetryOn(from time.Time) (time.Time, bool) {
	if !s.CanRetry(from) {
		return time.Time{}, false
	}
	factor := math.Pow(s.base, float64(s.attempts))
	delay := float64(s.increment) * factor
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return from.Add(time.Duration(delay)), true
}

// NewAttempt implements RetryStrategy.
func (s Exponential) NewAttempt(time.Time) RetryStrategy {
	s.counter = s.next()
	return s
}

func (s Exponential) snapshot() strategyState {
	return strategyState{
		Type:            StrategyExponential,
		Attempts:        s.attempts,
		MaxAttempts:     s.maxAttempts,
		Increment:       int64(s.increment / time.Second),
		ExponentialBase: s.base,
	}
}

// TimeFixed retries every increment for as long as the window opened by the first
// failure is still open.
type TimeFixed struct {
	counter
	increment      time.Duration
	window         time.Duration
	firstFailureAt *time.Time
}

// NewTimeFixed builds a time fixed strategy.
func NewTimeFixed(window, increment time.Duration) (TimeFixed, error) {
	if window <= 0 {
		return TimeFixed{}, ErrInvalidWindow
	}
	if err := checkIncrement(increment); err != nil {
		return TimeFixed{}, err
	}
	return TimeFixed{
		counter:   counter{attempts: 1, maxAttempts: LiveMaxAttempts},
		increment: increment,
		window:    window,
	}, nil
}

// Type implements RetryStrategy.
func (TimeFixed) Type() StrategyType { return StrategyTimeFixed }

// CanRetry implements RetryStrategy. The next attempt must become eligible before
// the window closes.
func (s TimeFixed) CanRetry(at time.Time) bool {
	if !s.canRetry() {
		return false
	}
	if s.firstFailureAt == nil {
		return s.increment < s.window
	}
	return !at.Add(s.increment).After(s.firstFailureAt.Add(s.window))
}

// RetryOn implements RetryStrategy.
func (s TimeFixed) RetryOn(from time.Time) (time.Time, bool) {
	if !s.CanRetry(from) {
		return time.Time{}, false
	}
	return from.Add(s.increment), true
}

// NewAttempt implements RetryStrategy. The first call pins the window start at at.
func (s TimeFixed) NewAttempt(at time.Time) RetryStrategy {
	if s.firstFailureAt == nil {
		t := at.UTC()
		s.firstFailureAt = &t
	}
	s.counter = s.next()
	return s
}

// FirstFailureAt returns the instant the retry window opened, if any.
func (s TimeFixed) FirstFailureAt() *time.Time {
	return s.firstFailureAt
}

func (s TimeFixed) snapshot() strategyState {
	return strategyState{
		Type:           StrategyTimeFixed,
		Attempts:       s.attempts,
		MaxAttempts:    s.maxAttempts,
		Increment:      int64(s.increment / time.Second),
		Window:         int64(s.window / time.Second),
		FirstFailureAt: s.firstFailureAt,
	}
}

// Live keeps retrying, used by jobs that must eventually succeed.
type Live struct {
	counter
	increment time.Duration
}

// NewLive builds a live strategy.
func NewLive(increment time.Duration) (Live, error) {
	if err := checkIncrement(increment); err != nil {
		return Live{}, err
	}
	return Live{counter: counter{attempts: 1, maxAttempts: LiveMaxAttempts}, increment: increment}, nil
}

// Type implements RetryStrategy.
func (Live) Type() StrategyType { return StrategyLive }

// CanRetry implements RetryStrategy.
func (s Live) CanRetry(time.Time) bool { return s.canRetry() }

// RetryOn implements RetryStrategy.
func (s Live) RetryOn(from time.Time) (time.Time, bool) {
	if !s.CanRetry(from) {
		return time.Time{}, false
	}
	return from.Add(s.increment), true
}

// NewAttempt implements RetryStrategy.
func (s Live) NewAttempt(time.Time) RetryStrategy {
	s.counter = s.next()
	return s
}

func (s Live) snapshot() strategyState {
	return strategyState{
		Type:        StrategyLive,
		Attempts:    s.attempts,
		MaxAttempts: s.maxAttempts,
		Increment:   int64(s.increment / time.Second),
	}
}

var (
	_ RetryStrategy = NeverRetry{}
	_ RetryStrategy = Constant{}
	_ RetryStrategy = Linear{}
	_ RetryStrategy = Exponential{}
	_ RetryStrategy = TimeFixed{}
	_ RetryStrategy = Live{}
)
