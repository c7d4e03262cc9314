package toolloop

import (
	"sync/atomic"
	"time"
)

// Default run limits.
const (
	DefaultMaxIterations uint32 = 50
	DefaultRunTimeout           = 300 * time.Second
)

// GuardConfig holds the limits of a run. It is a plain value and may be shared; every run
// builds its own Guard from it.
type GuardConfig struct {
	MaxIterations uint32        `mapstructure:"max_iterations" validate:"gte=1"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// DefaultGuardConfig returns 50 iterations and a five minute budget.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{MaxIterations: DefaultMaxIterations, Timeout: DefaultRunTimeout}
}

// Guard bounds one run: an iteration counter checked at the start of every round trip and a
// wall-clock timeout the loop enforces around the whole run. A Guard belongs to a single run.
type Guard struct {
	maxIterations uint32
	timeout       time.Duration
	current       atomic.Uint32
}

// NewGuard creates a Guard. The timeout is not enforced by the Guard itself.
func NewGuard(maxIterations uint32, timeout time.Duration) *Guard {
	return &Guard{maxIterations: maxIterations, timeout: timeout}
}

// NewGuardFromConfig creates a fresh Guard with cfg's limits.
func NewGuardFromConfig(cfg GuardConfig) *Guard {
	return NewGuard(cfg.MaxIterations, cfg.Timeout)
}

// IncrementIteration advances the counter. The call that would take it past MaxIterations
// fails with an IterationLimitError and leaves the counter at the limit.
func (g *Guard) IncrementIteration() error {
	for {
		cur := g.current.Load()
		if cur >= g.maxIterations {
			return &IterationLimitError{Limit: g.maxIterations}
		}
		if g.current.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// CurrentIteration returns the number of successful increments so far.
// It is safe to read while the run is in progress.
func (g *Guard) CurrentIteration() uint32 { return g.current.Load() }

// MaxIterations returns the configured limit.
func (g *Guard) MaxIterations() uint32 { return g.maxIterations }

// Timeout returns the configured wall-clock budget of the run.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Config returns the limits the Guard was built with.
func (g *Guard) Config() GuardConfig {
	return GuardConfig{MaxIterations: g.maxIterations, Timeout: g.timeout}
}
