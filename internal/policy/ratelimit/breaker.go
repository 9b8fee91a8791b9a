package ratelimit

import (
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// breaker is a consecutive-failure circuit. It is driven by the owning Guard
// and never performs I/O.
type breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	notify    func(from, to ingest.CircuitState)

	state         ingest.CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time, notify func(from, to ingest.CircuitState)) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		notify:    notify,
		state:     ingest.CircuitClosed,
	}
}

// allow admits a call or reports when the circuit will next admit one. In
// half-open only a single probe is admitted until it reports back.
func (b *breaker) allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case ingest.CircuitOpen:
		reopenAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(reopenAt) {
			return false, reopenAt
		}
		b.transition(ingest.CircuitHalfOpen)
		b.probeInFlight = true
		return true, time.Time{}
	case ingest.CircuitHalfOpen:
		if b.probeInFlight {
			return false, time.Time{}
		}
		b.probeInFlight = true
		return true, time.Time{}
	default:
		return true, time.Time{}
	}
}

// release frees the probe slot when an admitted caller gave up before
// making its call.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == ingest.CircuitHalfOpen {
		b.probeInFlight = false
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInFlight = false
	if b.state != ingest.CircuitClosed {
		b.openedAt = time.Time{}
		b.transition(ingest.CircuitClosed)
	}
}

// failure records a failed call and returns the failure count observed
// before this one.
func (b *breaker) failure() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	prior := b.failures
	b.failures++
	switch b.state {
	case ingest.CircuitHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		b.transition(ingest.CircuitOpen)
	case ingest.CircuitClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(ingest.CircuitOpen)
		}
	}
	return prior
}

func (b *breaker) snapshot() (ingest.CircuitState, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.openedAt
}

// transition must be called with mu held.
func (b *breaker) transition(to ingest.CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.notify != nil {
		b.notify(from, to)
	}
}
