package dispatcher

import (
	"sync"
	"time"

	"github.com/rejourney/replay-agent/pkg/capability"
)

// breaker is the dispatcher's circuit breaker: a consecutive-failure
// counter that trips open for a fixed window, plus a separate sticky
// "billing blocked" latch that never resets for the life of the process.
type breaker struct {
	mu sync.Mutex

	clock capability.Clock

	failureThreshold int
	openDuration      time.Duration

	consecutiveFailures int
	open                bool
	openUntil            time.Time

	billingBlocked bool
}

func newBreaker(clock capability.Clock, failureThreshold int, openDuration time.Duration) *breaker {
	return &breaker{
		clock:            clock,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// canUploadNow reports whether a new upload attempt may proceed, handling
// the open breaker's auto-close transition on next-attempt.
func (b *breaker) canUploadNow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.billingBlocked {
		return false
	}
	if !b.open {
		return true
	}
	if !b.clock.Now().Before(b.openUntil) {
		b.open = false
		return true
	}
	return false
}

// recordFailure returns true the instant this failure trips the breaker
// open (so the caller can bump the breaker-open telemetry counter exactly
// once per trip).
func (b *breaker) recordFailure() (trippedOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if !b.open && b.consecutiveFailures >= b.failureThreshold {
		b.open = true
		b.openUntil = b.clock.Now().Add(b.openDuration)
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
}

// setBillingBlocked latches the sticky billing-blocked flag. Irreversible
// for the lifetime of this breaker instance.
func (b *breaker) setBillingBlocked() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.billingBlocked = true
}

func (b *breaker) isBillingBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.billingBlocked
}

func (b *breaker) consecutiveFailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
