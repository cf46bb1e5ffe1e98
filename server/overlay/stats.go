package overlay

import (
	"time"

	"github.com/cyclopcam/moodlens/pkg/perfstats"
)

// Number of recent detection latencies that we remember
const latencyHistorySize = 64

// Stats is a snapshot of the loop's counters
type Stats struct {
	Ticks          int64           // Ticks received while Running
	Invocations    int64           // Detection calls issued
	Throttled      int64           // Ticks that arrived too soon after the previous invocation
	NoFrame        int64           // Ticks that were due, but the sink had no frame yet
	Completions    int64           // Detection calls that came back while Running (success or failure)
	Renders        int64           // Batches drawn
	Failures       int64           // Detection calls that returned an error
	DroppedStale   int64           // Completions discarded by SequenceGuard
	LateAfterStop  int64           // Completions that arrived after Stop, and were ignored
	InFlight       int64           // Detection calls that have not yet returned
	AvgLatency     time.Duration   // Average detection latency
	SmoothLatency  time.Duration   // Exponential moving average of detection latency, which tracks recent changes
	MaxLatency     time.Duration   // Worst detection latency
	RecentLatency  []time.Duration // Most recent detection latencies, oldest first
	LatencyJitter  time.Duration   // Standard deviation of RecentLatency
	Interval       time.Duration   // Current effective throttle interval (grows under FailureBackoff)
	LastRenderedAt time.Time
}

type loopStats struct {
	Stats
	latency perfstats.TimeAccumulator
	history *perfstats.LatencyHistory
	smooth  int64 // nanoseconds
}

func newLoopStats() loopStats {
	return loopStats{
		history: perfstats.NewLatencyHistory(latencyHistorySize),
	}
}

func (l *Loop) updateStats(f func(s *loopStats)) {
	l.statsLock.Lock()
	f(&l.stats)
	l.statsLock.Unlock()
}

// Stats returns a copy of the loop's counters
func (l *Loop) Stats() Stats {
	l.statsLock.Lock()
	defer l.statsLock.Unlock()
	s := l.stats.Stats
	s.AvgLatency = l.stats.latency.Average()
	s.SmoothLatency = time.Duration(l.stats.smooth)
	s.MaxLatency = l.stats.latency.Max
	s.RecentLatency = l.stats.history.Recent()
	s.LatencyJitter = l.stats.history.Jitter()
	return s
}
