// Package buffer provides a bounded, time-ordered store of recent raw
// samples for one target. Capacity is enforced by two independent bounds,
// maximum count and maximum age, so memory stays fixed regardless of run
// duration or sampler rate.
package buffer

import (
	"sort"
	"sync"
	"time"
)

// Stream identifies one metric stream within a target's buffer.
type Stream string

// Metric streams produced by the fast sampler.
const (
	StreamThroughput Stream = "throughput_mbps"
	StreamPPS        Stream = "pps"
)

// RawSample is a single sampling attempt. Failures are recorded too; they
// count toward the success-rate denominator at aggregation time.
type RawSample struct {
	Stream    Stream
	Timestamp time.Time
	Value     float64
	Success   bool
}

// Buffer holds per-stream rings of raw samples for a single target.
// Append and DrainWindow are safe for concurrent use; each element is
// appended atomically.
type Buffer struct {
	mu         sync.Mutex
	maxSamples int
	maxAge     time.Duration
	streams    map[Stream]*ring
}

// ring is a fixed-capacity circular buffer with overwrite-oldest semantics.
type ring struct {
	data  []RawSample
	head  int // next write position
	count int
}

// DefaultMaxSamples is the per-stream count cap when none is configured:
// two hours of one-second samples.
const DefaultMaxSamples = 7200

// New creates a buffer with the given per-stream count cap and age cap.
func New(maxSamples int, maxAge time.Duration) *Buffer {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	return &Buffer{
		maxSamples: maxSamples,
		maxAge:     maxAge,
		streams:    make(map[Stream]*ring),
	}
}

// Append adds one sample to its stream's ring, evicting the oldest entry
// if the stream is at capacity, then drops anything past the age bound.
func (b *Buffer) Append(s RawSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.streams[s.Stream]
	if !ok {
		r = &ring{data: make([]RawSample, b.maxSamples)}
		b.streams[s.Stream] = r
	}

	r.push(s)
	r.evictBefore(s.Timestamp.Add(-b.maxAge))
}

// DrainWindow returns all samples with start <= ts < end, across streams,
// ordered by timestamp. The samples are not removed; the caller advances
// its boundary and evicts separately.
func (b *Buffer) DrainWindow(start, end time.Time) []RawSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []RawSample
	for _, r := range b.streams {
		r.each(func(s RawSample) {
			if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
				out = append(out, s)
			}
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// EvictOlderThan drops samples older than the horizon from every stream
// and returns the number removed.
func (b *Buffer) EvictOlderThan(horizon time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, r := range b.streams {
		removed += r.evictBefore(horizon)
	}
	return removed
}

// Len returns the total number of buffered samples across streams.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, r := range b.streams {
		n += r.count
	}
	return n
}

// StreamLen returns the number of buffered samples for one stream.
func (b *Buffer) StreamLen(stream Stream) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.streams[stream]; ok {
		return r.count
	}
	return 0
}

// Cap returns the configured per-stream count bound.
func (b *Buffer) Cap() int {
	return b.maxSamples
}

// push appends a sample, overwriting the oldest entry when full.
func (r *ring) push(s RawSample) {
	r.data[r.head] = s
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// evictBefore drops entries with timestamps before the horizon. Entries
// are time-ordered, so eviction only ever trims from the tail.
func (r *ring) evictBefore(horizon time.Time) int {
	removed := 0
	for r.count > 0 {
		tail := (r.head - r.count + len(r.data)) % len(r.data)
		if !r.data[tail].Timestamp.Before(horizon) {
			break
		}
		r.data[tail] = RawSample{}
		r.count--
		removed++
	}
	return removed
}

// each visits buffered samples in chronological order (oldest first).
func (r *ring) each(fn func(RawSample)) {
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		fn(r.data[(start+i)%len(r.data)])
	}
}
