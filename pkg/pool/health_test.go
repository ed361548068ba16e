package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateHealth(t *testing.T) {
	pass := ConnectionCheck{Status: CheckPassed}
	busy := ConnectionCheck{Status: CheckInUse}
	fail := ConnectionCheck{Status: CheckFailed}

	tests := []struct {
		name   string
		checks []ConnectionCheck
		want   HealthStatus
	}{
		{"no connections", nil, HealthStatusUnhealthy},
		{"all pass", []ConnectionCheck{pass, busy}, HealthStatusHealthy},
		{"two of three", []ConnectionCheck{pass, busy, fail}, HealthStatusDegraded},
		{"exactly half", []ConnectionCheck{pass, fail}, HealthStatusUnhealthy},
		{"all fail", []ConnectionCheck{fail}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateHealth(tt.checks))
		})
	}
}

func TestHealthCheckChecksIdleAndDestroysFailures(t *testing.T) {
	conn := &fakeConnector{}
	cfg := testConfig()
	cfg.Min = 3
	p := newTestPool(t, conn, cfg)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	report := p.HealthCheck(ctx)
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Len(t, report.Connections, 3)

	leased, err := p.Acquire(ctx)
	require.NoError(t, err)

	conn.mu.Lock()
	var broken *fakeSession
	for _, s := range conn.sessions {
		if s != leased.Session.(*fakeSession) {
			broken = s
			break
		}
	}
	conn.mu.Unlock()
	broken.queryErr.Store(errors.New("server has gone away"))

	report = p.HealthCheck(ctx)
	assert.Equal(t, HealthStatusDegraded, report.Status)
	statuses := map[ConnectionCheckStatus]int{}
	for _, c := range report.Connections {
		statuses[c.Status]++
	}
	assert.Equal(t, 1, statuses[CheckInUse])
	assert.Equal(t, 1, statuses[CheckPassed])
	assert.Equal(t, 1, statuses[CheckFailed])

	assert.True(t, broken.closed.Load())
	s := p.Stats()
	assert.Equal(t, 2, s.TotalConnections)
	assert.Equal(t, 1, s.IdleConnections)
	assert.Equal(t, 1, s.ActiveConnections)

	require.NoError(t, p.Release(leased))
}

func TestHealthCheckEmptyPoolIsUnhealthy(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, testConfig())
	report := p.HealthCheck(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Empty(t, report.Connections)
}

func TestHealthCheckAfterDestroy(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, testConfig())
	require.NoError(t, p.Destroy(context.Background()))
	assert.Equal(t, HealthStatusUnhealthy, p.HealthCheck(context.Background()).Status)
}

func TestHealthCheckFailsWhenQueryFailsDespitePing(t *testing.T) {
	conn := &fakeConnector{}
	cfg := testConfig()
	cfg.Min = 1
	p := newTestPool(t, conn, cfg)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	// The handle answers pings but cannot run statements.
	conn.mu.Lock()
	s := conn.sessions[0]
	conn.mu.Unlock()
	s.queryErr.Store(errors.New("disk I/O error"))

	report := p.HealthCheck(ctx)
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	require.Len(t, report.Connections, 1)
	assert.Equal(t, CheckFailed, report.Connections[0].Status)
	assert.Equal(t, "disk I/O error", report.Connections[0].Error)
	assert.True(t, s.closed.Load())
	assert.Equal(t, 0, p.Stats().TotalConnections)
}

func TestHealthCheckPingsWhenQueryIsEmpty(t *testing.T) {
	conn := &fakeConnector{}
	cfg := testConfig()
	cfg.Min = 1
	p := newTestPool(t, conn, cfg, WithProbeQuery(""))
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	conn.mu.Lock()
	s := conn.sessions[0]
	conn.mu.Unlock()
	s.queryErr.Store(errors.New("not reached"))

	assert.Equal(t, HealthStatusHealthy, p.HealthCheck(ctx).Status)

	s.pingErr.Store(errors.New("connection refused"))
	assert.Equal(t, HealthStatusUnhealthy, p.HealthCheck(ctx).Status)
}
