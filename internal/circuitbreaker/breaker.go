// Package circuitbreaker trips per target after consecutive failures and
// lets a single probe through once the cooldown elapses.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type targetState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*targetState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(target string, from, to State)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*targetState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// OnStateChange registers fn to observe transitions. fn runs under the
// breaker lock and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(target string, from, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

// Allow returns ErrCircuitOpen while target is open, or while a half-open
// probe is already in flight.
func (cb *CircuitBreaker) Allow(target string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(target, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	cb.transition(target, s, StateClosed)
}

func (cb *CircuitBreaker) RecordFailure(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		s = &targetState{state: StateClosed}
		cb.states[target] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		cb.transition(target, s, StateOpen)
	}
}

// Do runs fn if target is allowed and records its outcome.
func (cb *CircuitBreaker) Do(target string, fn func() error) error {
	if err := cb.Allow(target); err != nil {
		return errors.Wrapf(err, "target %s", target)
	}
	if err := fn(); err != nil {
		cb.RecordFailure(target)
		return err
	}
	cb.RecordSuccess(target)
	return nil
}

func (cb *CircuitBreaker) State(target string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[target]; ok {
		return s.state
	}
	return StateClosed
}

func (cb *CircuitBreaker) transition(target string, s *targetState, to State) {
	from := s.state
	s.state = to
	if from != to && cb.onChange != nil {
		cb.onChange(target, from, to)
	}
}
