package statusclient

import (
	"fmt"
	"time"
)

// Backoff computes reconnect delays: Base * 2^(attempt-1), capped at Cap.
// After MaxAttempts consecutive failures the push channel is abandoned.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff yields 5s, 10s, 20s, 30s, 30s and then gives up.
var DefaultBackoff = Backoff{
	Base:        5 * time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 5,
}

func (b Backoff) String() string {
	return fmt.Sprintf("%v*2^n <= %v x%d", b.Base, b.Cap, b.MaxAttempts)
}

// DelayAfter returns the wait before the next attempt after failedAttempts
// consecutive failures.
func (b Backoff) DelayAfter(failedAttempts int) time.Duration {
	if failedAttempts <= 0 {
		panic("failed attempts must be positive")
	}

	delay := b.Base
	for i := 1; i < failedAttempts && delay < b.Cap; i++ {
		delay *= 2
	}
	if delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// Exhausted reports whether no further reconnect should be scheduled.
func (b Backoff) Exhausted(failedAttempts int) bool {
	return failedAttempts > b.MaxAttempts
}
