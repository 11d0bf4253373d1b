// Package circuit implements a small circuit breaker used by the sink
// workers to short-circuit destinations that are known to be down between
// health probes.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow when the breaker is open.
var ErrOpen = fmt.Errorf("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	// Consecutive failures before the breaker opens.
	FailureThreshold int
	// How long the breaker stays open before probing again.
	ResetTimeout time.Duration
	// Successful probes in half-open before closing again.
	SuccessThreshold int
}

// Breaker tracks consecutive failures for one destination.
type Breaker struct {
	name   string
	config Config
	logger *logrus.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastChange  time.Time
}

// NewBreaker creates a breaker with defaults filled in.
func NewBreaker(name string, config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{
		name:       name,
		config:     config,
		logger:     logger,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrOpen until the reset timeout elapses, then moves to half-open, where
// every call is let through as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return ErrOpen
	default: // half-open: allow probes
		return nil
	}
}

// RecordSuccess feeds a successful call into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure feeds a failed call into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	b.failures++

	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.FailureThreshold) {
		b.openedAt = time.Now()
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    b.state.String(),
		"to":      next.String(),
	}).Info("Circuit breaker state change")
	b.state = next
	b.lastChange = time.Now()
	if next == StateClosed {
		b.failures = 0
		b.successes = 0
	}
	if next == StateHalfOpen {
		b.successes = 0
	}
}
