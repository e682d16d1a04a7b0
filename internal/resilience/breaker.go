// Package resilience provides reliability patterns for calls to the
// measurement source, the project portal and the notification transports.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker guards one upstream dependency. After maxFailures consecutive
// failures it rejects calls for timeout, then lets a single probe through.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	ignore      func(error) bool // errors that do not count as failures
	now         func() time.Time // for testing
}

// NewBreaker returns a closed breaker. name identifies the dependency in logs.
// maxFailures below 1 is treated as 1.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	// An ignored error still proves the dependency answered.
	if err != nil && (b.ignore == nil || !b.ignore(err)) {
		b.onFailure(err)
	} else {
		b.onSuccess()
	}
	return err
}

// Name returns the dependency name given to NewBreaker.
func (b *Breaker) Name() string { return b.name }

// SetIgnore makes errors matching fn pass through without counting as
// failures, e.g. a 404 for an unknown project.
func (b *Breaker) SetIgnore(fn func(error) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignore = fn
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return stateHalfOpen.String()
	}
	return b.state.String()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.transition(stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// The helpers below must be called with b.mu held.

func (b *Breaker) onFailure(err error) {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		if b.state != stateOpen {
			slog.Warn("circuit breaker opened",
				"breaker", b.name, "failures", b.failures, "retry_after", b.timeout, "error", err)
		}
		b.state = stateOpen
	}
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	b.transition(stateClosed)
}

func (b *Breaker) transition(to state) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker state changed", "breaker", b.name, "from", b.state, "to", to)
	b.state = to
}
