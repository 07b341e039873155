package binance

import (
	"math/rand"
	"time"
)

// Backoff tracks reconnect attempts and produces the next reconnect delay:
// exponential growth from Base, capped at Max, plus up to 10% jitter. The
// returned delay never decreases across consecutive failures; Reset restores
// the base delay after a successful streaming entry.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempts int
	last     time.Duration
	rng      *rand.Rand
}

// NewBackoff creates a backoff state with the given bounds.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{
		Base: base,
		Max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next registers a failed attempt and returns the delay to wait before the
// next connection attempt.
func (b *Backoff) Next() time.Duration {
	b.attempts++

	delay := b.Base
	for i := 1; i < b.attempts; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}

	jitter := time.Duration(b.rng.Int63n(int64(delay)/10 + 1))
	delay += jitter

	// Jitter at the cap could otherwise produce a shorter delay than the
	// previous attempt's.
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	return delay
}

// Attempts returns the number of consecutive failures since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restores the base delay. Called on every successful streaming entry.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.last = 0
}
