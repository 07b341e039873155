package ratebudget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCeiling is Binance's published REQUEST_WEIGHT budget per minute.
const DefaultCeiling int64 = 1200

// DefaultWindow is the rolling window the budget applies to.
const DefaultWindow = time.Minute

// depthLimitWeights maps valid /api/v3/depth limit values to their request
// weight, per the published Binance weight table.
var depthLimitWeights = map[int]int64{
	5:    5,
	10:   5,
	20:   5,
	50:   5,
	100:  5,
	500:  10,
	1000: 20,
	5000: 50,
}

// WeightForDepthLimit returns the request weight charged for a depth request
// with the given limit. Limits outside the enumerated set are rejected.
func WeightForDepthLimit(limit int) (int64, error) {
	w, ok := depthLimitWeights[limit]
	if !ok {
		return 0, fmt.Errorf("invalid depth limit %d: must be one of 5,10,20,50,100,500,1000,5000", limit)
	}
	return w, nil
}

type entry struct {
	at     time.Time
	weight int64
}

// Tracker accounts request weight against a rolling time window. A request
// that would exceed the ceiling is delayed until enough of the window has
// rolled off, never dropped: the sum of weights inside the trailing window
// never exceeds the ceiling at any instant.
type Tracker struct {
	mu      sync.Mutex
	ceiling int64
	window  time.Duration
	entries []entry

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker with the given weight ceiling per window.
func NewTracker(ceiling int64, window time.Duration) *Tracker {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		ceiling: ceiling,
		window:  window,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetCeiling replaces the weight ceiling, typically after the exchange's
// actual REQUEST_WEIGHT limit has been fetched at startup.
func (t *Tracker) SetCeiling(ceiling int64) {
	if ceiling <= 0 {
		return
	}
	t.mu.Lock()
	t.ceiling = ceiling
	t.mu.Unlock()
}

// Used returns the weight consumed inside the current window.
func (t *Tracker) Used() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	var used int64
	for _, e := range t.entries {
		used += e.weight
	}
	return used
}

// Acquire charges weight against the budget, blocking until headroom is
// available or the context is cancelled. Weights larger than the ceiling can
// never be admitted and are rejected immediately.
func (t *Tracker) Acquire(ctx context.Context, weight int64) error {
	if weight <= 0 {
		return nil
	}
	for {
		t.mu.Lock()
		if weight > t.ceiling {
			ceiling := t.ceiling
			t.mu.Unlock()
			return fmt.Errorf("request weight %d exceeds budget ceiling %d", weight, ceiling)
		}
		now := t.now()
		t.prune(now)

		var used int64
		for _, e := range t.entries {
			used += e.weight
		}
		if used+weight <= t.ceiling {
			t.entries = append(t.entries, entry{at: now, weight: weight})
			t.mu.Unlock()
			return nil
		}

		// Wait until the oldest charge rolls out of the window.
		wait := t.entries[0].at.Add(t.window).Sub(now)
		t.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops entries older than the window. Caller holds the lock.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.entries) && !t.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		t.entries = append(t.entries[:0], t.entries[i:]...)
	}
}
