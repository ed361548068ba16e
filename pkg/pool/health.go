package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HealthStatus represents overall pool health
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ConnectionCheckStatus is the outcome of probing one connection.
type ConnectionCheckStatus string

const (
	CheckPassed ConnectionCheckStatus = "passed"
	CheckInUse  ConnectionCheckStatus = "in_use"
	CheckFailed ConnectionCheckStatus = "failed"
)

// ConnectionCheck contains the probe result for a single connection
type ConnectionCheck struct {
	ConnectionID string                `json:"connection_id"`
	Status       ConnectionCheckStatus `json:"status"`
	ResponseTime time.Duration         `json:"response_time"`
	Error        string                `json:"error,omitempty"`
}

// PoolHealth is a point-in-time health report. It is never cached.
type PoolHealth struct {
	Status      HealthStatus      `json:"status"`
	Stats       PoolStats         `json:"stats"`
	Connections []ConnectionCheck `json:"connections"`
	CheckedAt   time.Time         `json:"checked_at"`
}

// HealthCheck runs the probe query on every idle connection concurrently,
// or pings it when the probe query is empty. Idle connections are checked
// out for the duration of their probe; leased connections are reported as
// in use and count as passing. Connections that fail the probe are
// destroyed.
func (p *ConnectionPool) HealthCheck(ctx context.Context) PoolHealth {
	report := PoolHealth{CheckedAt: time.Now()}

	p.mu.Lock()
	if p.destroyed {
		report.Status = HealthStatusUnhealthy
		report.Stats = p.snapshotLocked()
		p.mu.Unlock()
		return report
	}

	probing := p.idle
	p.idle = nil
	for _, conn := range probing {
		conn.inUse = true
	}
	for id, conn := range p.connections {
		if conn.inUse && !containsConn(probing, conn) {
			report.Connections = append(report.Connections, ConnectionCheck{
				ConnectionID: id,
				Status:       CheckInUse,
			})
		}
	}
	p.mu.Unlock()

	checks := make([]ConnectionCheck, len(probing))
	var g errgroup.Group
	for i, conn := range probing {
		g.Go(func() error {
			checks[i] = p.probe(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	var failed []*PooledConnection
	p.mu.Lock()
	for i, conn := range probing {
		conn.inUse = false
		if checks[i].Status == CheckFailed || p.destroyed {
			p.removeLocked(conn)
			failed = append(failed, conn)
			continue
		}
		p.releaseToWaiterOrIdleLocked(conn)
	}
	p.dispatchLocked()
	report.Stats = p.snapshotLocked()
	p.unlock()

	for _, conn := range failed {
		p.closeSession(conn)
	}

	report.Connections = append(report.Connections, checks...)
	report.Status = aggregateHealth(report.Connections)

	if len(failed) > 0 {
		log.Warn().
			Int("failed", len(failed)).
			Int("checked", len(report.Connections)).
			Msg("Pool health check destroyed failing connections")
	}
	return report
}

func (p *ConnectionPool) probe(ctx context.Context, conn *PooledConnection) ConnectionCheck {
	pctx, cancel := context.WithTimeout(ctx, p.config.CreateTimeout)
	defer cancel()

	start := time.Now()
	check := ConnectionCheck{ConnectionID: conn.ID, Status: CheckPassed}
	var err error
	if p.probeQuery != "" {
		var one int
		err = conn.Session.GetContext(pctx, &one, p.probeQuery)
	} else {
		err = conn.Session.PingContext(pctx)
	}
	if err != nil {
		check.Status = CheckFailed
		check.Error = err.Error()
	}
	check.ResponseTime = time.Since(start)
	return check
}

// aggregateHealth: all pass is healthy, more than half degraded, otherwise
// (including no connections at all) unhealthy.
func aggregateHealth(checks []ConnectionCheck) HealthStatus {
	if len(checks) == 0 {
		return HealthStatusUnhealthy
	}
	passed := 0
	for _, c := range checks {
		if c.Status != CheckFailed {
			passed++
		}
	}
	switch {
	case passed == len(checks):
		return HealthStatusHealthy
	case passed*2 > len(checks):
		return HealthStatusDegraded
	default:
		return HealthStatusUnhealthy
	}
}

func containsConn(list []*PooledConnection, conn *PooledConnection) bool {
	for _, c := range list {
		if c == conn {
			return true
		}
	}
	return false
}
