// Package circuitbreaker guards calls to external collaborators so a
// failing dependency sheds load instead of stacking timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxRequests caps concurrent probes while half-open.
	MaxRequests uint32
	// Interval resets the closed-state failure streak; zero keeps the
	// streak indefinitely.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive probe successes close it again.
	SuccessThreshold uint32
	Logger           *zap.Logger
}

// CircuitBreaker tracks consecutive outcomes per trip window. Each
// state transition bumps the window id so results from calls started
// in an earlier window cannot corrupt the current streak.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	window      uint64
	inFlight    uint32
	failStreak  uint32
	probeStreak uint32
	deadline    time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, logger: cfg.Logger}
	cb.resetWindow(time.Now())
	return cb
}

// Execute runs fn under the breaker. A panic in fn counts as a failure
// before re-panicking.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	window, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(window, false)
			panic(r)
		}
	}()

	err = fn()
	cb.record(window, err == nil)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)

	switch cb.state {
	case StateOpen:
		return cb.window, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.MaxRequests {
			return cb.window, ErrTooManyRequests
		}
	}

	cb.inFlight++
	return cb.window, nil
}

func (cb *CircuitBreaker) record(window uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)
	if window != cb.window {
		return
	}

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if success {
		cb.failStreak = 0
		if cb.state == StateHalfOpen {
			cb.probeStreak++
			if cb.probeStreak >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed, now)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failStreak++
		if cb.failStreak >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transition(StateOpen, now)
	}
}

// advance applies deadline-driven transitions: open breakers move to
// half-open after Timeout, closed breakers forget stale failure
// streaks after Interval.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateOpen:
		if now.After(cb.deadline) {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if !cb.deadline.IsZero() && now.After(cb.deadline) {
			cb.resetWindow(now)
		}
	}
}

func (cb *CircuitBreaker) transition(next State, now time.Time) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.resetWindow(now)

	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.window++
	cb.inFlight = 0
	cb.failStreak = 0
	cb.probeStreak = 0

	switch cb.state {
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		} else {
			cb.deadline = time.Time{}
		}
	default:
		cb.deadline = time.Time{}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}
