package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger tracks timing and success rates of named operations
// (an acquisition, a single provider request) and logs slow or failed ones.
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric is the running summary of one operation name
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	InFlight      int64         `json:"in_flight"`
	MaxInFlight   int64         `json:"max_in_flight"`
}

// SuccessRate returns the share of successful completions in percent
func (m PerformanceMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// Operation is a started, not yet completed, operation
type Operation struct {
	name    string
	started time.Time
	tracker *PerformanceLogger
	once    sync.Once
}

// NewPerformanceLogger creates a tracker; operations slower than slowThreshold are logged at info
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// StartOperation begins timing an operation
func (pl *PerformanceLogger) StartOperation(name string) *Operation {
	if pl == nil {
		return &Operation{name: name, started: time.Now()}
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	metric, ok := pl.metrics[name]
	if !ok {
		metric = &PerformanceMetric{Name: name}
		pl.metrics[name] = metric
	}
	metric.InFlight++
	if metric.InFlight > metric.MaxInFlight {
		metric.MaxInFlight = metric.InFlight
	}

	return &Operation{name: name, started: time.Now(), tracker: pl}
}

// Complete records the outcome. Only the first call counts.
func (op *Operation) Complete(err error) time.Duration {
	duration := time.Since(op.started)
	if op.tracker == nil {
		return duration
	}
	op.once.Do(func() {
		op.tracker.record(op.name, duration, err)
	})
	return duration
}

func (pl *PerformanceLogger) record(name string, duration time.Duration, err error) {
	pl.mu.Lock()
	metric := pl.metrics[name]
	metric.Count++
	metric.InFlight--
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()
	if metric.Count == 1 || duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)
	if err != nil {
		metric.ErrorCount++
	}
	snapshot := *metric
	pl.mu.Unlock()

	if err != nil {
		pl.logger.Warn("operation_failed",
			"operation", name,
			"duration", duration,
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()),
		)
		return
	}
	if pl.slowThreshold > 0 && duration > pl.slowThreshold {
		pl.logger.Info("operation_slow",
			"operation", name,
			"duration", duration,
			"avg_duration", snapshot.AvgDuration,
			"threshold", pl.slowThreshold,
		)
	}
}

// GetMetric returns a copy of the named metric
func (pl *PerformanceLogger) GetMetric(name string) (PerformanceMetric, bool) {
	if pl == nil {
		return PerformanceMetric{}, false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	metric, ok := pl.metrics[name]
	if !ok {
		return PerformanceMetric{}, false
	}
	return *metric, true
}

// GetAllMetrics returns copies of every metric
func (pl *PerformanceLogger) GetAllMetrics() map[string]PerformanceMetric {
	result := make(map[string]PerformanceMetric)
	if pl == nil {
		return result
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for name, metric := range pl.metrics {
		result[name] = *metric
	}
	return result
}

// LogMetrics writes a summary line per operation
func (pl *PerformanceLogger) LogMetrics() {
	for name, metric := range pl.GetAllMetrics() {
		pl.logger.Info("operation_summary",
			"operation", name,
			"count", metric.Count,
			"avg_duration", metric.AvgDuration,
			"min_duration", metric.MinDuration,
			"max_duration", metric.MaxDuration,
			"success_rate", fmt.Sprintf("%.2f%%", metric.SuccessRate()),
			"max_in_flight", metric.MaxInFlight,
		)
	}
}
