// Package circuit implements the connection circuit breaker used by the
// price stream. Repeated connect failures open the breaker; after the timeout
// one half-open attempt is allowed through.
package circuit

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Attempts blocked
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Breaker is a failure-count circuit breaker for outbound connections.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	timeout      time.Duration
	lastTripTime time.Time
	onTrip       func(failures int)
	onReset      func()
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows a half-open probe after timeout.
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
	}
}

// OnTrip sets the callback invoked when the breaker opens.
func (b *Breaker) OnTrip(handler func(failures int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether an attempt may proceed. While open, attempts are
// blocked until the timeout elapses; the first attempt after that moves the
// breaker to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastTripTime) >= b.timeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	handler := b.onReset
	b.mu.Unlock()

	if wasOpen && handler != nil {
		handler()
	}
}

// RecordFailure counts one failure and trips the breaker at the threshold.
// A failed half-open probe re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	tripped := false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			tripped = true
		}
		b.state = StateOpen
		b.lastTripTime = time.Now()
	}
	failures := b.failures
	handler := b.onTrip
	b.mu.Unlock()

	if tripped && handler != nil {
		handler(failures)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
