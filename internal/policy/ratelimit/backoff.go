package ratelimit

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff mirrors the source retry schedule: 1s doubling up to a minute.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute}
}

// Delay returns the wait before the next attempt after `failures` prior
// consecutive failures. The result lies in [d/2, d) where d = min(Base*2^failures, Max).
func (b Backoff) Delay(failures int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
