// Package telemetry provides an in-memory metrics sink.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerStats summarizes the observations of one timer.
type TimerStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// Mean returns the average observation, or zero when empty.
func (s TimerStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Recorder aggregates counters and timers in memory and implements
// ports.Metrics. Series are keyed by name plus sorted tags.
//
// Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]TimerStats
	logger   *zap.Logger
}

// NewRecorder creates an empty recorder. A nil logger disables debug output.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		counters: make(map[string]int64),
		timers:   make(map[string]TimerStats),
		logger:   logger,
	}
}

// Count adds delta to a counter.
func (r *Recorder) Count(name string, delta int64, tags ...string) {
	key := seriesKey(name, tags)
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
	r.logger.Debug("metric count", zap.String("series", key), zap.Int64("delta", delta))
}

// Timing records one duration observation.
func (r *Recorder) Timing(name string, d time.Duration, tags ...string) {
	key := seriesKey(name, tags)
	r.mu.Lock()
	s := r.timers[key]
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	r.timers[key] = s
	r.mu.Unlock()
}

// Counter returns the value of a counter series.
func (r *Recorder) Counter(name string, tags ...string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, tags)]
}

// Timer returns the stats of a timer series.
func (r *Recorder) Timer(name string, tags ...string) TimerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[seriesKey(name, tags)]
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// seriesKey renders name{k=v,...} with tags sorted by key.
// A trailing key without value is ignored.
func seriesKey(name string, tags []string) string {
	if len(tags) < 2 {
		return name
	}
	pairs := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		pairs = append(pairs, tags[i]+"="+tags[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
