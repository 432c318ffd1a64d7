// Package stats implements the statistics kernel shared by the measurement
// modules. All functions are pure and operate on sample vectors; failed
// probes are conventionally encoded as zeros and filtered with Positive
// before aggregation. Empty input returns zero, never panics.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of the samples.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// Median returns the middle element for odd-length input and the average of
// the two middle elements for even-length input.
func Median(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	cp := sortedCopy(samples)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

// Percentile returns the nearest-rank percentile: the element at index
// ceil(p*n/100)-1 of an ascending-sorted copy, clamped to [0, n-1].
func Percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	cp := sortedCopy(samples)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return cp[idx]
}

// StdDev returns the population standard deviation (divide by n).
// Fewer than two samples return 0.
func StdDev(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	mean := Mean(samples)
	variance := 0.0
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

// Jitter returns the mean absolute difference of consecutive samples in
// arrival order. Fewer than two samples return 0.
func Jitter(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(n-1)
}

// Consistency scores the stability of a vector in [0,100] as
// max(0, 100 - 100*stddev/mean). A zero mean scores 0.
func Consistency(samples []float64) float64 {
	mean := Mean(samples)
	if mean == 0 {
		return 0
	}
	score := 100 - 100*StdDev(samples)/mean
	if score < 0 {
		return 0
	}
	return score
}

// Min returns the smallest sample.
func Min(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	min := samples[0]
	for _, s := range samples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// Max returns the largest sample.
func Max(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	max := samples[0]
	for _, s := range samples[1:] {
		if s > max {
			max = s
		}
	}
	return max
}

// Positive returns the strictly positive samples, preserving arrival order.
func Positive(samples []float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			out = append(out, s)
		}
	}
	return out
}

// MOS estimates a Mean Opinion Score in [1,5] from latency, jitter and loss
// using an additive deduction table.
func MOS(latencyMs, jitterMs, lossPct float64) float64 {
	score := 5.0
	switch {
	case latencyMs > 150:
		score -= 1.0
	case latencyMs > 100:
		score -= 0.5
	case latencyMs > 50:
		score -= 0.2
	}
	switch {
	case jitterMs > 30:
		score -= 1.0
	case jitterMs > 20:
		score -= 0.5
	case jitterMs > 10:
		score -= 0.2
	}
	switch {
	case lossPct > 1:
		score -= 1.5
	case lossPct > 0.5:
		score -= 0.8
	case lossPct > 0.1:
		score -= 0.3
	}
	if score < 1 {
		return 1
	}
	if score > 5 {
		return 5
	}
	return score
}

func sortedCopy(samples []float64) []float64 {
	cp := make([]float64, len(samples))
	copy(cp, samples)
	sort.Float64s(cp)
	return cp
}
