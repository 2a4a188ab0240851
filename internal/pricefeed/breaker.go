package pricefeed

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the circuit is cooling down.
var ErrBreakerOpen = errors.New("circuit breaker open")

// breaker trips after a run of consecutive failures and rejects calls until
// the cooldown elapses. Guards the exchange REST surface.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// Call runs fn unless the breaker is open, and tracks the outcome.
func (b *breaker) Call(fn func() error) error {
	b.mu.Lock()
	if time.Now().Before(b.openUntil) {
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.threshold {
			b.openUntil = time.Now().Add(b.cooldown)
			b.failures = 0
		}
		return err
	}
	b.failures = 0
	return nil
}
