package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/careline/pkg/session"
)

// TargetStatistics aggregates decisions for one target.
type TargetStatistics struct {
	Target        session.Target   `json:"target"`
	Decisions     int64            `json:"decisions"`
	BySource      map[string]int64 `json:"by_source"`
	AvgConfidence float64          `json:"avg_confidence"`
	AvgLatency    time.Duration    `json:"avg_latency"`
	P50Latency    time.Duration    `json:"p50_latency"`
	P95Latency    time.Duration    `json:"p95_latency"`
	P99Latency    time.Duration    `json:"p99_latency"`
	FirstUsed     time.Time        `json:"first_used"`
	LastUsed      time.Time        `json:"last_used"`
}

// GlobalStatistics aggregates all decisions.
type GlobalStatistics struct {
	TotalDecisions int64         `json:"total_decisions"`
	Fallbacks      int64         `json:"fallbacks"`
	Bypasses       int64         `json:"bypasses"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// maxLatencySamples bounds the per-target latency window.
const maxLatencySamples = 1000

// StatisticsTracker records routing decisions.
type StatisticsTracker struct {
	stats     map[session.Target]*TargetStatistics
	global    GlobalStatistics
	latencies map[session.Target][]time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

// NewStatisticsTracker creates an empty tracker.
func NewStatisticsTracker() *StatisticsTracker {
	return &StatisticsTracker{
		stats:     make(map[session.Target]*TargetStatistics),
		latencies: make(map[session.Target][]time.Duration),
		now:       time.Now,
	}
}

// Record adds one decision.
func (st *StatisticsTracker) Record(d Decision, latency time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	s, ok := st.stats[d.Target]
	if !ok {
		s = &TargetStatistics{Target: d.Target, BySource: make(map[string]int64), FirstUsed: now}
		st.stats[d.Target] = s
	}
	s.Decisions++
	s.BySource[d.Source]++
	s.LastUsed = now
	s.AvgConfidence += (d.Confidence - s.AvgConfidence) / float64(s.Decisions)
	s.AvgLatency += (latency - s.AvgLatency) / time.Duration(s.Decisions)

	samples := append(st.latencies[d.Target], latency)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	st.latencies[d.Target] = samples
	st.calculatePercentiles(s, samples)

	st.global.TotalDecisions++
	switch d.Source {
	case SourceFallback:
		st.global.Fallbacks++
	case SourceContinuity:
		st.global.Bypasses++
	}
	st.global.AvgLatency += (latency - st.global.AvgLatency) / time.Duration(st.global.TotalDecisions)
}

// Target returns a copy of the statistics for t, or nil.
func (st *StatisticsTracker) Target(t session.Target) *TargetStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.stats[t]
	if !ok {
		return nil
	}
	return copyStats(s)
}

// All returns copies of every target's statistics, ordered by target.
func (st *StatisticsTracker) All() []*TargetStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*TargetStatistics, 0, len(st.stats))
	for _, s := range st.stats {
		out = append(out, copyStats(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Global returns aggregate statistics.
func (st *StatisticsTracker) Global() GlobalStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.global
}

// Reset clears everything.
func (st *StatisticsTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats = make(map[session.Target]*TargetStatistics)
	st.latencies = make(map[session.Target][]time.Duration)
	st.global = GlobalStatistics{}
}

func copyStats(s *TargetStatistics) *TargetStatistics {
	c := *s
	c.BySource = make(map[string]int64, len(s.BySource))
	for k, v := range s.BySource {
		c.BySource[k] = v
	}
	return &c
}

func (st *StatisticsTracker) calculatePercentiles(s *TargetStatistics, samples []time.Duration) {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50Latency = percentile(sorted, 50)
	s.P95Latency = percentile(sorted, 95)
	s.P99Latency = percentile(sorted, 99)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := (len(sorted) * p) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
