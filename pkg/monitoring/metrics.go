package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/visitorhub/dbcore/pkg/database"
	"github.com/visitorhub/dbcore/pkg/pool"
	"github.com/visitorhub/dbcore/pkg/resilience"
)

const statusOK = "ok"

// Collector turns pool, retry and query events into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	poolEvents      *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	queriesTotal    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	slowQueries     *prometheus.CounterVec
	veryLongQueries *prometheus.CounterVec

	namespace string
}

// NewCollector registers the event metrics on a fresh registry that also
// carries the Go and process collectors.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	c := &Collector{registry: reg, namespace: namespace}

	c.poolEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Connection pool lifecycle events by type",
		},
		[]string{"event"},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Retries scheduled after a retryable failure",
		},
		[]string{"operation", "kind"},
	)

	c.retryDelay = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "delay_seconds",
			Help:      "Backoff delay before a retry",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		},
		[]string{"operation"},
	)

	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Facade calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Facade call duration including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"operation"},
	)

	c.slowQueries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "slow_total",
			Help:      "Calls above the slow query threshold",
		},
		[]string{"operation"},
	)

	c.veryLongQueries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "very_long_total",
			Help:      "Calls above the maximum query time",
		},
		[]string{"operation"},
	)

	return c
}

// Attach subscribes the collector to db's pool, retry manager and query
// events, and exports pool gauges read at scrape time.
func (c *Collector) Attach(db *database.DB) error {
	if err := c.registry.Register(newPoolStatsCollector(c.namespace, db)); err != nil {
		return err
	}
	db.Pool().AddEventListener(c.ObservePoolEvent)
	db.Retry().AddListener(c.ObserveRetry)
	db.AddQueryListener(c.ObserveQuery)
	log.Debug().Str("namespace", c.namespace).Msg("Metrics collector attached")
	return nil
}

// ObservePoolEvent counts a pool event.
func (c *Collector) ObservePoolEvent(e pool.Event) {
	c.poolEvents.WithLabelValues(string(e.Type)).Inc()
}

// ObserveRetry records a scheduled retry.
func (c *Collector) ObserveRetry(e resilience.RetryEvent) {
	c.retryAttempts.WithLabelValues(e.Operation, string(e.Kind)).Inc()
	c.retryDelay.WithLabelValues(e.Operation).Observe(e.Delay.Seconds())
}

// ObserveQuery records a facade call.
func (c *Collector) ObserveQuery(e database.QueryEvent) {
	status := statusOK
	if e.Err != nil {
		status = string(e.Kind)
	}
	c.queriesTotal.WithLabelValues(e.Operation, status).Inc()
	c.queryDuration.WithLabelValues(e.Operation).Observe(e.Duration.Seconds())
	if e.Slow {
		c.slowQueries.WithLabelValues(e.Operation).Inc()
	}
	if e.VeryLong {
		c.veryLongQueries.WithLabelValues(e.Operation).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// poolStatsCollector reads live pool and retry stats on every scrape.
type poolStatsCollector struct {
	db *database.DB

	connections *prometheus.Desc
	created     *prometheus.Desc
	destroyed   *prometheus.Desc
	acquired    *prometheus.Desc
	timeouts    *prometheus.Desc
	errors      *prometheus.Desc
	acquireAvg  *prometheus.Desc
	retryTotals *prometheus.Desc
}

func newPoolStatsCollector(namespace string, db *database.DB) *poolStatsCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &poolStatsCollector{
		db:          db,
		connections: desc("pool", "connections", "Connections by state", "state"),
		created:     desc("pool", "connections_created_total", "Connections created"),
		destroyed:   desc("pool", "connections_destroyed_total", "Connections destroyed"),
		acquired:    desc("pool", "acquired_total", "Successful acquisitions"),
		timeouts:    desc("pool", "acquire_timeouts_total", "Acquisitions that timed out"),
		errors:      desc("pool", "errors_total", "Connection creation failures"),
		acquireAvg:  desc("pool", "acquire_average_seconds", "Mean wait over the last acquisitions"),
		retryTotals: desc("retry", "executions_total", "Retry manager totals by outcome", "outcome"),
	}
}

func (p *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.connections
	ch <- p.created
	ch <- p.destroyed
	ch <- p.acquired
	ch <- p.timeouts
	ch <- p.errors
	ch <- p.acquireAvg
	ch <- p.retryTotals
}

func (p *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.db.Pool().Stats()
	ch <- prometheus.MustNewConstMetric(p.connections, prometheus.GaugeValue, float64(s.ActiveConnections), "active")
	ch <- prometheus.MustNewConstMetric(p.connections, prometheus.GaugeValue, float64(s.IdleConnections), "idle")
	ch <- prometheus.MustNewConstMetric(p.connections, prometheus.GaugeValue, float64(s.PendingRequests), "pending")
	ch <- prometheus.MustNewConstMetric(p.created, prometheus.CounterValue, float64(s.TotalCreated))
	ch <- prometheus.MustNewConstMetric(p.destroyed, prometheus.CounterValue, float64(s.TotalDestroyed))
	ch <- prometheus.MustNewConstMetric(p.acquired, prometheus.CounterValue, float64(s.TotalAcquired))
	ch <- prometheus.MustNewConstMetric(p.timeouts, prometheus.CounterValue, float64(s.TotalTimeouts))
	ch <- prometheus.MustNewConstMetric(p.errors, prometheus.CounterValue, float64(s.TotalErrors))
	ch <- prometheus.MustNewConstMetric(p.acquireAvg, prometheus.GaugeValue, s.AverageAcquireTime.Seconds())

	r := p.db.Retry().Stats()
	ch <- prometheus.MustNewConstMetric(p.retryTotals, prometheus.CounterValue, float64(r.TotalAttempts), "attempted")
	ch <- prometheus.MustNewConstMetric(p.retryTotals, prometheus.CounterValue, float64(r.SuccessfulRetries), "recovered")
	ch <- prometheus.MustNewConstMetric(p.retryTotals, prometheus.CounterValue, float64(r.FailedRetries), "exhausted")
}
