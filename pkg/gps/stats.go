package gps

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
)

// Provider request outcomes
const (
	OutcomeFix       = "fix"
	OutcomeEmpty     = "empty"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// ProviderStats summarizes the requests made to one provider
type ProviderStats struct {
	Requests     int       `json:"requests"`
	Fixes        int       `json:"fixes"`
	Empty        int       `json:"empty"`
	Errors       int       `json:"errors"`
	Cancelled    int       `json:"cancelled"`
	LastFix      time.Time `json:"last_fix"`
	LastError    string    `json:"last_error"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	SuccessRate  float64   `json:"success_rate"`
}

type providerStatsTracker struct {
	mu    sync.Mutex
	stats map[pkg.Source]*ProviderStats
}

func newProviderStatsTracker() *providerStatsTracker {
	return &providerStatsTracker{stats: make(map[pkg.Source]*ProviderStats)}
}

func (t *providerStatsTracker) record(source pkg.Source, outcome string, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[source]
	if !ok {
		s = &ProviderStats{}
		t.stats[source] = s
	}
	s.Requests++
	switch outcome {
	case OutcomeFix:
		s.Fixes++
		s.LastFix = time.Now()
	case OutcomeEmpty:
		s.Empty++
	case OutcomeError:
		s.Errors++
		if err != nil {
			s.LastError = err.Error()
		}
	case OutcomeCancelled:
		s.Cancelled++
	}
	s.AvgLatencyMs = (s.AvgLatencyMs*float64(s.Requests-1) + float64(latency.Milliseconds())) / float64(s.Requests)
	s.SuccessRate = float64(s.Fixes) / float64(s.Requests)
}

func (t *providerStatsTracker) snapshot() map[pkg.Source]ProviderStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[pkg.Source]ProviderStats, len(t.stats))
	for source, s := range t.stats {
		out[source] = *s
	}
	return out
}
