package database

import (
	"context"
	"time"

	"github.com/visitorhub/dbcore/pkg/pool"
	"github.com/visitorhub/dbcore/pkg/resilience"
)

// QueryCheck is the result of the end-to-end probe query.
type QueryCheck struct {
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// HealthStatus is a point-in-time report combining pool health and a probe
// query through the full facade path.
type HealthStatus struct {
	Status      pool.HealthStatus      `json:"status"`
	Pool        pool.PoolStats         `json:"pool"`
	Connections []pool.ConnectionCheck `json:"connections"`
	QueryTest   *QueryCheck            `json:"query_test,omitempty"`
	CheckedAt   time.Time              `json:"checked_at"`
}

// PerformanceMetrics aggregates pool, retry and query statistics.
type PerformanceMetrics struct {
	Pool        pool.PoolStats        `json:"pool"`
	Retry       resilience.RetryStats `json:"retry"`
	Queries     QueryStats            `json:"queries"`
	Uptime      time.Duration         `json:"uptime"`
	CollectedAt time.Time             `json:"collected_at"`
}

// HealthCheck runs SELECT 1 through the facade, then probes the pool. A
// failing probe query makes the whole report unhealthy.
func (db *DB) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	var one int
	_, err := db.Get(ctx, &one, "SELECT 1")
	check := &QueryCheck{Passed: err == nil && one == 1, Duration: time.Since(start)}
	if err != nil {
		check.Error = err.Error()
	}

	ph := db.pool.HealthCheck(ctx)
	status := HealthStatus{
		Status:      ph.Status,
		Pool:        ph.Stats,
		Connections: ph.Connections,
		QueryTest:   check,
		CheckedAt:   time.Now(),
	}
	if !check.Passed {
		status.Status = pool.HealthStatusUnhealthy
	}
	return status
}

// GetPerformanceMetrics returns current pool, retry and query statistics.
func (db *DB) GetPerformanceMetrics() PerformanceMetrics {
	db.lifecycleMu.Lock()
	startedAt := db.startedAt
	db.lifecycleMu.Unlock()

	m := PerformanceMetrics{
		Pool:        db.pool.Stats(),
		Retry:       db.retry.Stats(),
		Queries:     db.queries.snapshot(),
		CollectedAt: time.Now(),
	}
	if !startedAt.IsZero() {
		m.Uptime = m.CollectedAt.Sub(startedAt)
	}
	return m
}
