package extract

import (
	"sync"
	"time"
)

const (
	latencyAlpha     = 0.2
	minAdaptiveRatio = 0.25
)

// ExtractorMetrics counts how one extractor has performed since the
// last reset. AvgLatencyMs is an exponential moving average.
type ExtractorMetrics struct {
	Attempts     int64   `json:"attempts"`
	Failures     int64   `json:"failures"`
	Hits         int64   `json:"hits"`
	Candidates   int64   `json:"candidates"`
	Accepted     int64   `json:"accepted"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type metricsRegistry struct {
	lock   sync.Mutex
	byName map[string]*ExtractorMetrics
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{byName: make(map[string]*ExtractorMetrics)}
}

func (r *metricsRegistry) entry(name string) *ExtractorMetrics {
	m, ok := r.byName[name]
	if !ok {
		m = &ExtractorMetrics{}
		r.byName[name] = m
	}
	return m
}

func (r *metricsRegistry) recordAttempt(name string, elapsed time.Duration, candidates int, failed bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	m := r.entry(name)
	m.Attempts++
	if failed {
		m.Failures++
	}
	if candidates > 0 {
		m.Hits++
		m.Candidates += int64(candidates)
	}

	ms := float64(elapsed.Milliseconds())
	if m.AvgLatencyMs == 0 {
		m.AvgLatencyMs = ms
	} else {
		m.AvgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*m.AvgLatencyMs
	}
}

func (r *metricsRegistry) recordAccepted(names []string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, name := range names {
		r.entry(name).Accepted++
	}
}

// acceptanceRatio reports how many of the extractor's candidates made
// it through the vote, clamped so a cold or unlucky extractor is damped
// rather than silenced. No data yet counts as neutral.
func (r *metricsRegistry) acceptanceRatio(name string) float64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	m, ok := r.byName[name]
	if !ok || m.Candidates == 0 {
		return 1
	}
	ratio := float64(m.Accepted) / float64(m.Candidates)
	if ratio < minAdaptiveRatio {
		return minAdaptiveRatio
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func (r *metricsRegistry) snapshot() map[string]ExtractorMetrics {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make(map[string]ExtractorMetrics, len(r.byName))
	for name, m := range r.byName {
		out[name] = *m
	}
	return out
}

func (r *metricsRegistry) reset() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.byName = make(map[string]*ExtractorMetrics)
}
