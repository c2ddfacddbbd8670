// Package breaker implements the CircuitBreaker (C2): a per-provider
// closed/open/half-open state machine. Grounded on the teacher's
// internal/circuitbreaker.Breaker: option-function construction, an
// onStateChange callback fired under the lock, and an injectable clock.
//
// A sony/gobreaker-backed implementation was attempted first (it is the
// idiomatic choice the wider example corpus reaches for -- see
// jordigilh-kubernaut and devops-mcp), but gobreaker's Settings.Timeout is
// measured against the real wall clock with no injection seam. spec.md's
// Design Notes require every timing-sensitive component to share one
// injectable Clock so breaker transitions are deterministically replayable
// in tests; that requirement outranks wiring gobreaker here. See DESIGN.md.
package breaker

import (
	"sync"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

// State is the breaker's current position in the closed/open/half_open
// state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a per-provider breaker. Field names follow spec.md §6.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeoutMs    int
	HalfOpenAttempts int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeoutMs:    30000,
		HalfOpenAttempts: 3,
	}
}

// Breaker is a goroutine-safe per-provider circuit breaker.
type Breaker struct {
	providerID string
	cfg        Config
	clk        clock.Clock

	mu               sync.Mutex
	state            State
	consecFailures   int
	halfOpenSuccesses int
	halfOpenAttempts int // probes issued so far this half-open episode
	openedAt         time.Time

	onStateChange func(providerID string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnStateChange registers a callback fired on every state transition
// (used to publish onto the OutcomeBus / metrics). Invoked while the
// breaker's lock is held; it must not call back into the breaker.
func WithOnStateChange(fn func(providerID string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a Breaker for one provider, starting Closed.
func New(providerID string, cfg Config, clk clock.Clock, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeoutMs <= 0 {
		cfg.OpenTimeoutMs = 30000
	}
	if cfg.HalfOpenAttempts <= 0 {
		cfg.HalfOpenAttempts = 3
	}
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Breaker{providerID: providerID, cfg: cfg, clk: clk, state: Closed}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ProviderID returns the provider this breaker guards.
func (b *Breaker) ProviderID() string { return b.providerID }

// Allow reports whether a request should be attempted, and if so returns a
// done func the caller must invoke exactly once with the outcome. While
// Open (before the timeout elapses), Allow returns ok=false and the
// provider must be removed from the candidate set (spec.md §4.2). At most
// HalfOpenAttempts probes are admitted per half-open episode.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()

	switch b.state {
	case Closed:
		return b.makeDone(), true

	case Open:
		if !now.After(b.openedAt.Add(time.Duration(b.cfg.OpenTimeoutMs) * time.Millisecond)) {
			return nil, false
		}
		b.setStateLocked(HalfOpen)
		b.halfOpenSuccesses = 0
		b.halfOpenAttempts = 1
		return b.makeDone(), true

	case HalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenAttempts {
			return nil, false
		}
		b.halfOpenAttempts++
		return b.makeDone(), true

	default:
		return nil, false
	}
}

// makeDone returns a closure bound to the state at call time; it must only
// be invoked once. Caller must hold b.mu when calling makeDone, but the
// returned closure acquires the lock itself when invoked later.
func (b *Breaker) makeDone() func(success bool) {
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			b.record(success)
		})
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.consecFailures = 0
			return
		}
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.setStateLocked(Open)
		}

	case HalfOpen:
		if !success {
			b.setStateLocked(Open)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.consecFailures = 0
			b.setStateLocked(Closed)
		}

	case Open:
		// A stray done() call after the episode moved on; ignore.
	}
}

// setStateLocked transitions state and fires the callback. Caller must hold b.mu.
func (b *Breaker) setStateLocked(to State) {
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = b.clk.Now()
	}
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.providerID, from, to)
	}
}

// State returns the current breaker state without evaluating timeout
// promotion (use Allow for that).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
