package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// OpenFor is how long the breaker rejects calls before probing.
	OpenFor time.Duration
	// MaxProbes bounds the calls admitted while half-open.
	MaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenFor:          30 * time.Second,
		MaxProbes:        3,
	}
}

type Stats struct {
	State       State
	Failures    int
	Successes   int
	Probes      int
	LastFailure time.Time
	Changed     time.Time
}

// CircuitBreaker stops calling a failing dependency until it has had time
// to recover.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	stats Stats

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.stats.Changed = cb.now()
	return cb
}

// SetClock replaces the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// OnStateChange registers fn to run, on its own goroutine, after every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. A cancelled ctx is not
// counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		cb.succeeded()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.failed()
	}
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stats.State {
	case StateOpen:
		if cb.now().Sub(cb.stats.Changed) < cb.cfg.OpenFor {
			return ErrOpen
		}
		cb.transition(StateHalfOpen)
	case StateHalfOpen:
		if cb.stats.Probes >= cb.cfg.MaxProbes {
			return fmt.Errorf("%w: %d probes admitted", ErrOpen, cb.stats.Probes)
		}
	default:
		return nil
	}
	cb.stats.Probes++
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stats.State == StateHalfOpen && cb.stats.Probes > 0 {
		cb.stats.Probes--
	}
}

func (cb *CircuitBreaker) failed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Failures++
	cb.stats.Successes = 0
	cb.stats.LastFailure = cb.now()

	switch cb.stats.State {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.stats.Failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) succeeded() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Failures = 0
	cb.stats.Successes++
	if cb.stats.State == StateHalfOpen && cb.stats.Successes >= cb.cfg.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.stats.State
	if from == to {
		return
	}
	cb.stats.State = to
	cb.stats.Changed = cb.now()
	cb.stats.Failures = 0
	cb.stats.Successes = 0
	cb.stats.Probes = 0

	if fn := cb.onStateChange; fn != nil {
		go fn(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats.State
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
