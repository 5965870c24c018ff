package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger keeps running duration statistics per named operation
// (dataset download, batch insert, geocode lookups) and logs the slow ones.
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.RWMutex
	metrics map[string]*OperationMetric
}

// OperationMetric summarizes one named operation
type OperationMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// AvgDuration is the mean over all completed runs
func (m OperationMetric) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// SuccessRate is the percentage of runs that completed without error
func (m OperationMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// Operation is an in-flight timed operation
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger; operations slower than
// slowThreshold are logged at info level, the rest at debug.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	if slowThreshold <= 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*OperationMetric),
	}
}

// Start begins timing an operation
func (pl *PerformanceLogger) Start(name string) *Operation {
	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation
func (op *Operation) Complete(err error) time.Duration {
	d := time.Since(op.start)
	op.pl.record(op.name, d, err)
	return d
}

func (pl *PerformanceLogger) record(name string, d time.Duration, err error) {
	pl.mu.Lock()
	m, ok := pl.metrics[name]
	if !ok {
		m = &OperationMetric{Name: name, MinDuration: d}
		pl.metrics[name] = m
	}
	m.Count++
	m.TotalDuration += d
	m.LastExecuted = time.Now()
	if d < m.MinDuration {
		m.MinDuration = d
	}
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	if err != nil {
		m.ErrorCount++
	}
	snapshot := *m
	pl.mu.Unlock()

	switch {
	case err != nil:
		pl.logger.Warn("Operation failed",
			"operation", name,
			"duration", d.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()),
		)
	case d > pl.slowThreshold:
		pl.logger.Info("Slow operation completed",
			"operation", name,
			"duration", d.String(),
			"avg_duration", snapshot.AvgDuration().String(),
			"count", snapshot.Count,
		)
	default:
		pl.logger.Debug("Operation completed", "operation", name, "duration", d.String())
	}
}

// Metric returns a copy of the named metric
func (pl *PerformanceLogger) Metric(name string) (OperationMetric, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	m, ok := pl.metrics[name]
	if !ok {
		return OperationMetric{}, false
	}
	return *m, true
}

// LogMetrics writes a summary line for each operation
func (pl *PerformanceLogger) LogMetrics() {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	for name, m := range pl.metrics {
		pl.logger.Info("Operation summary",
			"operation", name,
			"count", m.Count,
			"avg_duration", m.AvgDuration().String(),
			"min_duration", m.MinDuration.String(),
			"max_duration", m.MaxDuration.String(),
			"error_count", m.ErrorCount,
			"last_executed", m.LastExecuted.Format(time.RFC3339),
		)
	}
}

// LogDatabasePerformance logs a single database statement outcome
func (pl *PerformanceLogger) LogDatabasePerformance(operation string, duration time.Duration, rowsAffected int, err error) {
	fields := map[string]interface{}{
		"operation":     operation,
		"duration":      duration.String(),
		"rows_affected": rowsAffected,
	}
	if err != nil {
		fields["error"] = err.Error()
		pl.logger.Error("Database operation failed", fields)
		return
	}
	pl.logger.Debug("Database operation completed", fields)
}
