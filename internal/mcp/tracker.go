package mcp

import (
	"sync"
	"time"
)

// compareTracker records recent hyoka_compare calls so handleReconcilePreview
// can detect when a caller previews a merge without looking at the
// disagreements first and nudge them.
//
// The tracker is keyed on (caller, pair) with a configurable time window. If
// a comparison was recorded within the window, WasCompared returns true. This
// is an in-memory, per-process structure; it does not survive restarts, which
// is acceptable because the nudge is advisory, not a hard gate.
type compareTracker struct {
	mu       sync.Mutex
	compares map[compareTrackerKey]time.Time
	window   time.Duration // how long a comparison is considered "recent"
}

type compareTrackerKey struct {
	caller string
	pair   string // study UUID + ":" + instrument key
}

func newCompareTracker(window time.Duration) *compareTracker {
	return &compareTracker{
		compares: make(map[compareTrackerKey]time.Time),
		window:   window,
	}
}

// Record notes that the given caller compared this reviewer pair.
func (t *compareTracker) Record(caller, pair string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compares[compareTrackerKey{caller, pair}] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to prevent
	// unbounded growth from many distinct (caller, pair) combinations over time.
	if len(t.compares) > 1000 {
		t.purgeStale()
	}
}

// WasCompared reports whether the given caller compared this pair within
// the configured time window.
func (t *compareTracker) WasCompared(caller, pair string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.compares[compareTrackerKey{caller, pair}]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.compares, compareTrackerKey{caller, pair})
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *compareTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.compares {
		if now.Sub(ts) > t.window {
			delete(t.compares, k)
		}
	}
}
