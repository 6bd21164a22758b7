package hashengine

import (
	"math"
	"testing"
	"time"
)

func TestRateWindow_ZeroUntilTwoSamples(t *testing.T) {
	w := NewRateWindow(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)

	if r := w.Rate(base); r != 0 {
		t.Fatalf("empty window rate = %v, want 0", r)
	}
	w.Add(base, 5000)
	r := w.Rate(base)
	if r != 0 || math.IsNaN(r) {
		t.Fatalf("single-sample rate = %v, want 0", r)
	}
}

func TestRateWindow_Rate(t *testing.T) {
	w := NewRateWindow(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)

	w.Add(base, 0)
	w.Add(base.Add(1*time.Second), 2000)
	w.Add(base.Add(2*time.Second), 2000)

	// 4000 hashes over 2 seconds = 2 kH/s.
	if r := w.Rate(base.Add(2 * time.Second)); r != 2 {
		t.Fatalf("rate = %v, want 2", r)
	}
}

func TestRateWindow_SameTimestamp(t *testing.T) {
	w := NewRateWindow(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)
	w.Add(base, 100)
	w.Add(base, 100)
	if r := w.Rate(base); r != 0 {
		t.Fatalf("zero-span rate = %v, want 0", r)
	}
}

func TestRateWindow_Eviction(t *testing.T) {
	w := NewRateWindow(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := range 5 {
		w.Add(base.Add(time.Duration(i)*time.Second), 1_000_000)
	}
	if w.Len() != 5 {
		t.Fatalf("Len = %d, want 5", w.Len())
	}

	// Jump past the window: every old sample is stale.
	later := base.Add(30 * time.Second)
	if r := w.Rate(later); r != 0 {
		t.Fatalf("rate after window expiry = %v, want 0", r)
	}
	if w.Len() != 0 {
		t.Fatalf("Len after expiry = %d, want 0", w.Len())
	}

	// New samples are computed without the purged ones.
	w.Add(later, 0)
	w.Add(later.Add(time.Second), 500)
	if r := w.Rate(later.Add(time.Second)); r != 0.5 {
		t.Fatalf("rate after refill = %v, want 0.5", r)
	}
}

func TestRateWindow_PartialEviction(t *testing.T) {
	w := NewRateWindow(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)
	w.Add(base, 1000)
	w.Add(base.Add(5*time.Second), 1000)
	w.Add(base.Add(12*time.Second), 1000)

	// At t=12s the cutoff is t=2s: the first sample goes.
	if got := w.Rate(base.Add(12 * time.Second)); w.Len() != 2 {
		t.Fatalf("Len = %d (rate %v), want 2", w.Len(), got)
	}
}

func TestRateWindow_Reset(t *testing.T) {
	w := NewRateWindow(time.Second)
	w.Add(time.Now(), 1)
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", w.Len())
	}
}
