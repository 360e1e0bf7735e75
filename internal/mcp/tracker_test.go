package mcp

import (
	"testing"
	"time"
)

func TestCompareTracker_RecordAndCheck(t *testing.T) {
	tracker := newCompareTracker(time.Hour)

	// Not compared yet.
	if tracker.WasCompared("caller-1", "study-a:robins") {
		t.Fatal("expected WasCompared to return false before any Record")
	}

	tracker.Record("caller-1", "study-a:robins")

	if !tracker.WasCompared("caller-1", "study-a:robins") {
		t.Fatal("expected WasCompared to return true after Record")
	}
}

func TestCompareTracker_DifferentPairs(t *testing.T) {
	tracker := newCompareTracker(time.Hour)

	tracker.Record("caller-1", "study-a:robins")

	// Same caller, different pair — should not count.
	if tracker.WasCompared("caller-1", "study-a:amstar2") {
		t.Fatal("expected WasCompared to return false for an uncompared pair")
	}
	if tracker.WasCompared("caller-1", "study-b:robins") {
		t.Fatal("expected WasCompared to return false for a different study")
	}
}

func TestCompareTracker_DifferentCallers(t *testing.T) {
	tracker := newCompareTracker(time.Hour)

	tracker.Record("caller-1", "study-a:robins")

	// Different caller, same pair — should not count.
	if tracker.WasCompared("caller-2", "study-a:robins") {
		t.Fatal("expected WasCompared to return false for a different caller")
	}
}

func TestCompareTracker_Expiry(t *testing.T) {
	// Use a very short window so entries expire immediately.
	tracker := newCompareTracker(time.Millisecond)

	tracker.Record("caller-1", "study-a:robins")
	time.Sleep(5 * time.Millisecond)

	if tracker.WasCompared("caller-1", "study-a:robins") {
		t.Fatal("expected WasCompared to return false after window expired")
	}
}

func TestCompareTracker_UpdateTimestamp(t *testing.T) {
	tracker := newCompareTracker(50 * time.Millisecond)

	tracker.Record("caller-1", "study-a:robins")
	time.Sleep(30 * time.Millisecond)

	// Re-record refreshes the timestamp.
	tracker.Record("caller-1", "study-a:robins")
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first record but only 30ms after the refresh.
	if !tracker.WasCompared("caller-1", "study-a:robins") {
		t.Fatal("expected WasCompared to return true after refresh")
	}
}

func TestCompareTracker_PurgeStale(t *testing.T) {
	tracker := newCompareTracker(time.Millisecond)

	// Grow past the purge threshold with entries that expire immediately.
	for i := 0; i < 1100; i++ {
		tracker.Record("caller-1", "study:"+string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	time.Sleep(5 * time.Millisecond)

	// The next Record triggers a purge of everything stale.
	tracker.Record("caller-1", "fresh:robins")

	tracker.mu.Lock()
	size := len(tracker.compares)
	tracker.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected purge to leave 1 entry, got %d", size)
	}
}
