package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/visitorhub/dbcore/pkg/database"
	"github.com/visitorhub/dbcore/pkg/pool"
)

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) HealthCheck(ctx context.Context) database.HealthStatus {
	args := m.Called(ctx)
	return args.Get(0).(database.HealthStatus)
}

func (m *mockReporter) GetPerformanceMetrics() database.PerformanceMetrics {
	args := m.Called()
	return args.Get(0).(database.PerformanceMetrics)
}

func serve(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerHealthStatusCodes(t *testing.T) {
	tests := []struct {
		status pool.HealthStatus
		code   int
	}{
		{pool.HealthStatusHealthy, http.StatusOK},
		{pool.HealthStatusDegraded, http.StatusOK},
		{pool.HealthStatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := &mockReporter{}
			r.On("HealthCheck", mock.Anything).Return(database.HealthStatus{Status: tt.status, CheckedAt: time.Now()})

			s := NewServer(ServerConfig{}, r, nil, nil, zerolog.Nop())
			rec := serve(s, "/healthz")

			assert.Equal(t, tt.code, rec.Code)
			var body database.HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.status, body.Status)
			r.AssertExpectations(t)
		})
	}
}

func TestServerPerformance(t *testing.T) {
	r := &mockReporter{}
	r.On("GetPerformanceMetrics").Return(database.PerformanceMetrics{
		Pool:    pool.PoolStats{TotalConnections: 3, ActiveConnections: 1},
		Queries: database.QueryStats{TotalQueries: 42},
	})

	s := NewServer(ServerConfig{}, r, nil, nil, zerolog.Nop())
	rec := serve(s, "/debug/performance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body database.PerformanceMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 3, body.Pool.TotalConnections)
	assert.Equal(t, int64(42), body.Queries.TotalQueries)
}

func TestServerRoutes(t *testing.T) {
	r := &mockReporter{}
	s := NewServer(ServerConfig{}, r, nil, nil, zerolog.Nop())

	assert.Equal(t, http.StatusOK, serve(s, "/livez").Code)
	// No collector, no metrics route.
	assert.Equal(t, http.StatusNotFound, serve(s, "/metrics").Code)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerWithRealDatabase(t *testing.T) {
	db := newTestDB(t)
	c := NewCollector("dbcore")
	require.NoError(t, c.Attach(db))
	require.NoError(t, db.Connect(context.Background()))

	tm, err := NewTracingManager(context.Background(), DefaultTracingConfig())
	require.NoError(t, err)

	s := NewServer(ServerConfig{HealthTimeout: time.Second}, db, c, tm, zerolog.Nop())

	rec := serve(s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health database.HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, pool.HealthStatusHealthy, health.Status)
	require.NotNil(t, health.QueryTest)
	assert.True(t, health.QueryTest.Passed)

	body := serve(s, "/metrics").Body.String()
	assert.Contains(t, body, `dbcore_query_total{operation="get",status="ok"} 1`)

	require.NoError(t, db.Close(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, "/healthz").Code)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1", Port: 0}, &mockReporter{}, nil, nil, zerolog.Nop())
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
