package resilience

import (
	"sync"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a Breaker trips and recovers.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the probe count needed to close again.
	HalfOpenSuccesses int
}

// DefaultBreakerConfig suits per-agent HTTP endpoints.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:         5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg  BreakerConfig
	hook func(from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// WithHook registers a callback invoked on every state transition.
func (b *Breaker) WithHook(hook func(from, to BreakerState)) *Breaker {
	b.hook = hook
	return b
}

// State reports the current state, accounting for reset timeouts.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Do runs fn through the breaker. When the circuit is open it fails
// fast with a Transient error so callers can retry later.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return apperrors.New(apperrors.Transient, "circuit open")
	}

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state != StateOpen
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.HalfOpenSuccesses {
				b.transition(StateClosed)
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.transition(StateOpen)
		}
	}
}

// maybeProbe moves an expired open circuit to half-open. Caller holds mu.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
	}
}

// transition switches states and fires the hook. Caller holds mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.hook != nil {
		b.hook(from, to)
	}
}
