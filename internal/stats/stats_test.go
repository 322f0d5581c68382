package stats

import (
	"testing"
	"time"
)

// TestCacheReusesRowAcrossChunks verifies streaming body chunks sharing a
// traceparent observe the same Row, and a fresh Row is allocated only
// after the caller releases the traceparent at end_of_stream.
func TestCacheReusesRowAcrossChunks(t *testing.T) {
	c := NewCache()

	first := c.Get("tp-1")
	first.MemoryUsed(4096)

	second := c.Get("tp-1")
	if second != first {
		t.Fatal("expected the same row across chunks of one streaming body")
	}
	if second.GetMemoryUsed() != 4096 {
		t.Fatalf("expected the reused row to carry prior state, got %d", second.GetMemoryUsed())
	}

	c.Release("tp-1")

	third := c.Get("tp-1")
	if third == first {
		t.Fatal("expected a fresh row after Release")
	}
	if third.GetMemoryUsed() != 0 {
		t.Fatalf("expected a fresh row to start from zero, got %d", third.GetMemoryUsed())
	}
}

func TestCacheIsolatesDistinctTraceparents(t *testing.T) {
	c := NewCache()
	a := c.Get("tp-a")
	b := c.Get("tp-b")
	if a == b {
		t.Fatal("expected distinct rows for distinct traceparents")
	}
}

func TestRowObserveOverridesElapsed(t *testing.T) {
	r := NewRow(PhaseRequestHeaders)
	if r.GetTimeElapsed() <= 0 {
		t.Fatal("expected a nonzero elapsed duration before Observe")
	}
	r.Observe(5 * time.Second)
	if got := r.GetTimeElapsed(); got != 5*time.Second {
		t.Fatalf("expected Observe to override the elapsed duration, got %v", got)
	}
}
