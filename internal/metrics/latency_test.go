package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestLatencyStats_Basic(t *testing.T) {
	s := NewLatencyStats()

	for i := 0; i < 100; i++ {
		s.Observe(time.Duration(i) * time.Millisecond)
	}

	stats := s.Snapshot()
	if stats == nil {
		t.Fatal("Snapshot() = nil, want stats")
	}
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.Min != 0 {
		t.Errorf("Min = %f, want 0", stats.Min)
	}
	if stats.Max != 99 {
		t.Errorf("Max = %f, want 99", stats.Max)
	}
	if math.Abs(stats.Avg-49.5) > 0.01 {
		t.Errorf("Avg = %f, want 49.5", stats.Avg)
	}
	if math.Abs(stats.P50-49.5) > 0.01 {
		t.Errorf("P50 = %f, want 49.5", stats.P50)
	}
	if math.Abs(stats.P99-98.01) > 0.01 {
		t.Errorf("P99 = %f, want 98.01", stats.P99)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	if stats := NewLatencyStats().Snapshot(); stats != nil {
		t.Errorf("Snapshot() = %+v, want nil", stats)
	}
}

func TestLatencyStats_Buckets(t *testing.T) {
	tests := []struct {
		name   string
		sample time.Duration
		bucket int
	}{
		{name: "fast", sample: 10 * time.Millisecond, bucket: 0},
		{name: "lower bound is exclusive", sample: 50 * time.Millisecond, bucket: 1},
		{name: "moderate", sample: 180 * time.Millisecond, bucket: 2},
		{name: "slow", sample: 900 * time.Millisecond, bucket: 3},
		{name: "timeout range", sample: 3 * time.Second, bucket: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLatencyStats()
			s.Observe(tt.sample)
			stats := s.Snapshot()
			if len(stats.Buckets) != 5 {
				t.Fatalf("len(Buckets) = %d, want 5", len(stats.Buckets))
			}
			for i, b := range stats.Buckets {
				want := 0
				if i == tt.bucket {
					want = 1
				}
				if b.Count != want {
					t.Errorf("Buckets[%d] (%s) = %d, want %d", i, b.Label, b.Count, want)
				}
			}
		})
	}
}

func TestLatencyStats_ReservoirBounded(t *testing.T) {
	s := newLatencyStats(64)
	for i := 0; i < 10_000; i++ {
		s.Observe(time.Duration(i%100) * time.Millisecond)
	}

	if len(s.reservoir) != 64 {
		t.Errorf("reservoir size = %d, want 64", len(s.reservoir))
	}
	stats := s.Snapshot()
	if stats.Count != 10_000 {
		t.Errorf("Count = %d, want 10000", stats.Count)
	}
	if stats.P50 < 0 || stats.P50 > 99 {
		t.Errorf("P50 = %f, want within observed range", stats.P50)
	}
}

func TestLatencyStats_Concurrent(t *testing.T) {
	s := NewLatencyStats()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Observe(time.Duration(id*100+j%100) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Count(); got != 10_000 {
		t.Errorf("Count() = %d, want 10000", got)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{name: "empty", sorted: nil, p: 0.5, want: 0},
		{name: "single", sorted: []float64{7}, p: 0.99, want: 7},
		{name: "interpolated", sorted: []float64{10, 20}, p: 0.5, want: 15},
		{name: "max", sorted: []float64{1, 2, 3}, p: 1, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.sorted, tt.p); got != tt.want {
				t.Errorf("percentile(%v, %v) = %v, want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}

func BenchmarkLatencyStats_Observe(b *testing.B) {
	s := NewLatencyStats()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s.Observe(time.Duration(i%1000) * time.Millisecond)
	}
}
