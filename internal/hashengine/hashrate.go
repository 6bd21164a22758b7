package hashengine

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// DefaultRateWindow is the span of samples used for the smoothed hash rate.
const DefaultRateWindow = 10 * time.Second

// RateWindow keeps a sliding window of hash-rate samples.
type RateWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []types.HashRateSample
}

// NewRateWindow creates a window covering the given span.
func NewRateWindow(window time.Duration) *RateWindow {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateWindow{window: window}
}

// Add records hashes completed up to at and evicts stale samples.
func (w *RateWindow) Add(at time.Time, hashes uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(at)
	w.samples = append(w.samples, types.HashRateSample{At: at, Hashes: hashes})
}

// Rate returns the smoothed rate in kH/s as of now.
// It is 0 until at least two samples spanning a positive duration exist.
func (w *RateWindow) Rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	if len(w.samples) < 2 {
		return 0
	}
	span := w.samples[len(w.samples)-1].At.Sub(w.samples[0].At).Seconds()
	if span <= 0 {
		return 0
	}
	var total uint64
	for _, s := range w.samples {
		total += s.Hashes
	}
	return float64(total) / span / 1000
}

// Len returns the number of samples currently retained.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Reset drops every sample.
func (w *RateWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
}

func (w *RateWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
