package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarshalStrategy encodes a strategy into the blob stored in jobs.retry_strategy.
// A nil strategy encodes as NeverRetry.
func MarshalStrategy(s RetryStrategy) ([]byte, error) {
	if s == nil {
		s = NewNeverRetry()
	}
	return json.Marshal(s.snapshot())
}

// UnmarshalStrategy decodes a blob written by MarshalStrategy. Empty input yields NeverRetry.
func UnmarshalStrategy(data []byte) (RetryStrategy, error) {
	if len(data) == 0 || string(data) == "null" {
		return NewNeverRetry(), nil
	}

	var st strategyState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode retry strategy: %w", err)
	}

	c := counter{attempts: st.Attempts, maxAttempts: st.MaxAttempts}
	if c.attempts < 1 {
		c.attempts = 1
	}
	increment := time.Duration(st.Increment) * time.Second

	switch st.Type {
	case StrategyNeverRetry:
		if c.maxAttempts < 1 {
			c.maxAttempts = 1
		}
		return NeverRetry{counter: c}, nil
	case StrategyConstant:
		return Constant{counter: c, increment: increment}, nil
	case StrategyLinear:
		return Linear{counter: c, increment: increment}, nil
	case StrategyExponential:
		base := st.ExponentialBase
		if base < 1 {
			base = DefaultExponentialBase
		}
		return Exponential{counter: c, increment: increment, base: base}, nil
	case StrategyTimeFixed:
		if st.Window <= 0 {
			return nil, ErrInvalidWindow
		}
		c.maxAttempts = LiveMaxAttempts
		return TimeFixed{
			counter:        c,
			increment:      increment,
			window:         time.Duration(st.Window) * time.Second,
			firstFailureAt: st.FirstFailureAt,
		}, nil
	case StrategyLive:
		c.maxAttempts = LiveMaxAttempts
		return Live{counter: c, increment: increment}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, st.Type)
	}
}

// StrategySpec is the user-facing description of a strategy, as accepted by producers.
type StrategySpec struct {
	Type            StrategyType  `json:"type"             yaml:"type"`
	MaxAttempts     int           `json:"max_attempts"     yaml:"max_attempts"`
	Increment       time.Duration `json:"increment"        yaml:"increment"`
	ExponentialBase float64       `json:"exponential_base" yaml:"exponential_base"`
	Window          time.Duration `json:"window"           yaml:"window"`
}

// Build turns s into a fresh strategy at attempt 1.
func (s StrategySpec) Build() (RetryStrategy, error) {
	switch s.Type {
	case "", StrategyNeverRetry, "never":
		return NewNeverRetry(), nil
	case StrategyConstant:
		return NewConstant(s.Increment, s.MaxAttempts)
	case StrategyLinear:
		return NewLinear(s.Increment, s.MaxAttempts)
	case StrategyExponential:
		return NewExponential(s.Increment, s.ExponentialBase, s.MaxAttempts)
	case StrategyTimeFixed:
		return NewTimeFixed(s.Window, s.Increment)
	case StrategyLive:
		return NewLive(s.Increment)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Type)
	}
}
