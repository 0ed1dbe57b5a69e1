// Package breaker implements a circuit breaker guarding broker sends, so a
// dead broker fails fast into the disk fallback path instead of blocking
// every ingest call on a timeout.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, rejecting requests
	StateHalfOpen              // testing if the service recovered
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Breaker struct {
	mu sync.RWMutex

	maxFailures     int
	resetTimeout    time.Duration
	halfOpenTimeout time.Duration

	state        State
	failures     int
	lastFailTime time.Time
	lastAttempt  time.Time

	// onStateChange, if set, is invoked with the new state while the lock
	// is held; keep it cheap.
	onStateChange func(State)
}

func New(maxFailures int, resetTimeout time.Duration, onStateChange func(State)) *Breaker {
	return &Breaker{
		maxFailures:     maxFailures,
		resetTimeout:    resetTimeout,
		halfOpenTimeout: 10 * time.Second,
		state:           StateClosed,
		onStateChange:   onStateChange,
	}
}

// Execute runs the operation through the circuit breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.lastFailTime) > b.resetTimeout {
			b.setState(StateHalfOpen)
			b.lastAttempt = now
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// Allow one request at a time to probe for recovery.
		if now.Sub(b.lastAttempt) < b.halfOpenTimeout {
			return ErrTooManyRequests
		}
		b.lastAttempt = now
		return nil
	}
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// Failed while probing, back to open.
		b.setState(StateOpen)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.setState(StateClosed)
		b.failures = 0
	}
}

func (b *Breaker) setState(s State) {
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}

func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) GetFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Healthy returns true if the circuit is closed.
func (b *Breaker) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateClosed
}
