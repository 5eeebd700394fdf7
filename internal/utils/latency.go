package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed window of recent durations and computes
// percentiles over it.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyTracker creates a tracker keeping the last size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{samples: make([]time.Duration, size)}
}

// Observe records a new duration, overwriting the oldest once the window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

// Percentile returns the p-th percentile (0-100) of the window, zero if empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.RLock()
	window := slices.Clone(l.window())
	l.mu.RUnlock()

	if len(window) == 0 {
		return 0
	}
	slices.Sort(window)
	switch {
	case p <= 0:
		return window[0]
	case p >= 100:
		return window[len(window)-1]
	}
	return window[int((p/100.0)*float64(len(window)-1))]
}

// Count returns the number of samples in the window.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.window())
}

func (l *LatencyTracker) window() []time.Duration {
	if l.full {
		return l.samples
	}
	return l.samples[:l.next]
}
