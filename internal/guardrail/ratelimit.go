package guardrail

import (
	"sync"
	"time"
)

// SlidingWindow counts events per key over a moving window. Old entries are
// evicted when the key is queried, never by a background timer, so behavior
// is deterministic under replay.
type SlidingWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow builds an empty limiter on the real clock.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{entries: map[string][]time.Time{}, now: time.Now}
}

// SetClock replaces the clock, used by tests.
func (w *SlidingWindow) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Allow records one event for key if fewer than limit happened within the
// window. When the limit is hit it reports false plus how long until the
// oldest counted event ages out.
func (w *SlidingWindow) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)

	kept := w.entries[key][:0]
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.entries[key] = kept

	if len(kept) >= limit {
		reset := kept[0].Add(window).Sub(now)
		if reset < 0 {
			reset = 0
		}
		return false, reset
	}
	w.entries[key] = append(kept, now)
	return true, 0
}

// Count returns how many events are currently inside the window for key.
func (w *SlidingWindow) Count(key string, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-window)
	n := 0
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
