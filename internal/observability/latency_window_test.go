package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe("text_query", 500*time.Millisecond, true)
	w.Observe("text_query", 700*time.Millisecond, true)
	w.Observe("text_query", 900*time.Millisecond, false)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Operations) != 1 {
		t.Fatalf("len(Operations) = %d, want 1", len(snap.Operations))
	}
	s := snap.Operations[0]
	if s.Operation != "text_query" {
		t.Fatalf("Operation = %q, want %q", s.Operation, "text_query")
	}
	if s.Samples != 3 || s.Failures != 1 {
		t.Fatalf("Samples/Failures = %d/%d, want 3/1", s.Samples, s.Failures)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe("live_connect", 10*time.Millisecond, true)
	w.Observe("live_connect", 20*time.Millisecond, true)
	w.Observe("live_connect", 30*time.Millisecond, true)

	s := w.Snapshot().Operations[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}
