// Package metrics records router and per-upstream measurements for
// Prometheus and the /status endpoint.
package metrics

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/rpcfallback/pkg/types"
)

const (
	// DefaultReservoirSize bounds the samples kept for percentile estimates.
	DefaultReservoirSize = 2048
)

// Upper bounds of the latency buckets, in milliseconds. The last bucket is
// open ended.
var latencyBounds = []float64{50, 100, 250, 1000}

var latencyLabels = []string{"0-50ms", "50-100ms", "100-250ms", "250ms-1s", "1s+"}

// LatencyStats keeps running latency statistics for one upstream. Percentiles
// are estimated from a fixed-size reservoir (Vitter's Algorithm R), so
// memory does not grow with traffic.
type LatencyStats struct {
	mu sync.Mutex

	count   int64
	sumMs   float64
	minMs   float64
	maxMs   float64
	buckets []int64

	reservoir []float64
	size      int
	rng       uint64 // xorshift64* state
}

// NewLatencyStats creates an empty tracker.
func NewLatencyStats() *LatencyStats {
	return newLatencyStats(DefaultReservoirSize)
}

func newLatencyStats(size int) *LatencyStats {
	return &LatencyStats{
		minMs:     math.MaxFloat64,
		buckets:   make([]int64, len(latencyLabels)),
		reservoir: make([]float64, 0, size),
		size:      size,
		rng:       0x9E3779B97F4A7C15,
	}
}

// Observe records one call duration.
func (s *LatencyStats) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sumMs += ms
	s.minMs = min(s.minMs, ms)
	s.maxMs = max(s.maxMs, ms)
	s.buckets[bucketIndex(ms)]++

	if len(s.reservoir) < s.size {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.next() % uint64(s.count); j < uint64(s.size) {
		s.reservoir[j] = ms
	}
}

func bucketIndex(ms float64) int {
	for i, bound := range latencyBounds {
		if ms < bound {
			return i
		}
	}
	return len(latencyBounds)
}

func (s *LatencyStats) next() uint64 {
	s.rng ^= s.rng >> 12
	s.rng ^= s.rng << 25
	s.rng ^= s.rng >> 27
	return s.rng * 0x2545F4914F6CDD1D
}

// Snapshot returns the current statistics, or nil before the first sample.
func (s *LatencyStats) Snapshot() *types.LatencyStats {
	s.mu.Lock()
	if s.count == 0 {
		s.mu.Unlock()
		return nil
	}
	sorted := slices.Clone(s.reservoir)
	stats := &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.minMs,
		Max:     s.maxMs,
		Avg:     s.sumMs / float64(s.count),
		Buckets: make([]types.LatencyBucket, len(latencyLabels)),
	}
	for i, label := range latencyLabels {
		stats.Buckets[i] = types.LatencyBucket{Label: label, Count: int(s.buckets[i])}
	}
	s.mu.Unlock()

	slices.Sort(sorted)
	stats.P50 = percentile(sorted, 0.50)
	stats.P90 = percentile(sorted, 0.90)
	stats.P99 = percentile(sorted, 0.99)
	return stats
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (s *LatencyStats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
