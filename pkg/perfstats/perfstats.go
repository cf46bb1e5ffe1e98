// Package perfstats holds the small accumulators that we use to report how long
// detection calls take, and how often the loop has to skip work.
package perfstats

import (
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/moodlens/pkg/stats"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// LatencyHistory keeps the most recent N durations, oldest first
type LatencyHistory struct {
	ring ringbuffer.RingP[time.Duration]
}

func NewLatencyHistory(size int) *LatencyHistory {
	return &LatencyHistory{
		ring: ringbuffer.NewRingP[time.Duration](size),
	}
}

func (h *LatencyHistory) Add(v time.Duration) {
	h.ring.Add(v)
}

func (h *LatencyHistory) Len() int {
	return h.ring.Len()
}

// Recent returns a copy of the history, oldest first
func (h *LatencyHistory) Recent() []time.Duration {
	out := make([]time.Duration, 0, h.ring.Len())
	for i := 0; i < h.ring.Len(); i++ {
		out = append(out, h.ring.Peek(i))
	}
	return out
}

// Jitter returns the standard deviation of the history
func (h *LatencyHistory) Jitter() time.Duration {
	_, std := stats.MeanStdDev(h.Recent())
	return time.Duration(std)
}

// Exponential moving average, with a weight of 1/64 on the new sample.
// The first sample seeds the average. Not safe for concurrent use.
func UpdateMovingAverage(avg *int64, sample int64) {
	if *avg == 0 {
		*avg = sample
	} else {
		*avg = (*avg*63 + sample) >> 6
	}
}
