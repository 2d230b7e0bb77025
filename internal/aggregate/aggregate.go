// Package aggregate reduces a window of raw samples into one statistical
// summary. Everything here is a pure, deterministic function of its input;
// the sampling worker owns timing and persistence.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/fwmon/fwmon/internal/buffer"
)

// StreamStats are the summary statistics for one metric stream, computed
// over the successful samples in a window.
type StreamStats struct {
	Mean float64
	Max  float64
	Min  float64
	P95  float64
}

// Quality describes how representative a summary is.
type Quality struct {
	// SampleCount is the number of sampling ticks attempted in the
	// window, successes and failures alike. One tick contributes a
	// sample per stream but counts once; samples sharing a timestamp
	// came from the same query.
	SampleCount int

	// SuccessRate is successful ticks over attempted ticks, in [0,1].
	// Exactly 0 for an empty window, never NaN.
	SuccessRate float64

	// SamplingPeriodSeconds is the span between the first and last sample
	// timestamps in the window (0 if fewer than two samples), clamped to
	// the enclosing poll interval.
	SamplingPeriodSeconds float64
}

// Summary is the reduction of one boundary window. Stream entries are nil
// when the window held no successful samples for that stream.
type Summary struct {
	Throughput *StreamStats
	PPS        *StreamStats
	Quality    Quality
}

// Reduce partitions a time-ordered window of raw samples by stream and
// computes per-stream statistics plus window-level quality metadata.
func Reduce(window []buffer.RawSample, interval time.Duration) Summary {
	var sum Summary

	if len(window) == 0 {
		return sum
	}

	values := make(map[buffer.Stream][]float64)
	ticks := make(map[time.Time]bool, len(window))
	first, last := window[0].Timestamp, window[0].Timestamp

	for _, s := range window {
		if s.Timestamp.Before(first) {
			first = s.Timestamp
		}
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
		if !s.Success {
			// A failed tick counts once unless a sibling sample from
			// the same tick succeeded.
			if !ticks[s.Timestamp] {
				ticks[s.Timestamp] = false
			}
			continue
		}
		ticks[s.Timestamp] = true
		values[s.Stream] = append(values[s.Stream], s.Value)
	}

	if v := values[buffer.StreamThroughput]; len(v) > 0 {
		st := Stats(v)
		sum.Throughput = &st
	}
	if v := values[buffer.StreamPPS]; len(v) > 0 {
		st := Stats(v)
		sum.PPS = &st
	}

	succeeded := 0
	for _, ok := range ticks {
		if ok {
			succeeded++
		}
	}
	sum.Quality.SampleCount = len(ticks)
	sum.Quality.SuccessRate = float64(succeeded) / float64(len(ticks))

	period := last.Sub(first).Seconds()
	if interval > 0 && period > interval.Seconds() {
		period = interval.Seconds()
	}
	sum.Quality.SamplingPeriodSeconds = period

	return sum
}

// Stats computes mean, max, min, and p95 over a non-empty value slice.
func Stats(values []float64) StreamStats {
	return StreamStats{
		Mean: Mean(values),
		Max:  Max(values),
		Min:  Min(values),
		P95:  Percentile(values, 0.95),
	}
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Max returns the largest value, or 0 for an empty slice.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Min returns the smallest value, or 0 for an empty slice.
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Percentile returns the p-th percentile (p in [0,1]) using the
// nearest-rank method: values are sorted ascending and the element at
// index ceil(p*n)-1 is returned. This matches how the appliance's own
// resource monitor summarizes per-core loads.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
