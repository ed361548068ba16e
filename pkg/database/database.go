// Package database is the single entry point business code uses to reach
// the database. It composes the connection pool, the retry manager and the
// transaction manager, and records query metrics.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/visitorhub/dbcore/pkg/dberr"
	"github.com/visitorhub/dbcore/pkg/pool"
	"github.com/visitorhub/dbcore/pkg/resilience"
	"github.com/visitorhub/dbcore/pkg/transaction"
)

const tracerName = "github.com/visitorhub/dbcore/pkg/database"

// Result describes the effect of a write statement.
type Result = transaction.Result

// Executor runs statements inside a transaction scope.
type Executor = transaction.Executor

// Statement is one entry of a fixed transaction batch.
type Statement struct {
	Query string
	Args  []interface{}
}

// Option configures a DB.
type Option func(*DB)

// WithConnector replaces the database/sql connector built from Driver and
// DSN.
func WithConnector(c pool.Connector) Option {
	return func(db *DB) {
		db.connector = c
	}
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(t trace.Tracer) Option {
	return func(db *DB) {
		db.tracer = t
	}
}

// WithWarningInterval limits how often very long queries are logged.
func WithWarningInterval(d time.Duration) Option {
	return func(db *DB) {
		db.warnLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// DB is the database facade. Construct one per process with New, call
// Connect at startup and Close at shutdown, and pass it to collaborators.
type DB struct {
	config     Config
	connector  pool.Connector
	classifier dberr.Classifier
	pool       *pool.ConnectionPool
	retry      *resilience.RetryManager
	queries    *queryRecorder
	tracer     trace.Tracer

	warnLimiter *rate.Limiter

	listenerMu     sync.RWMutex
	queryListeners []QueryListener

	lifecycleMu sync.Mutex
	connected   bool
	closed      bool
	startedAt   time.Time
}

// New builds the facade. It does not dial; call Connect.
func New(cfg Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &DB{
		config:      cfg,
		classifier:  dberr.ClassifierFor(cfg.Driver),
		queries:     newQueryRecorder(cfg.Query.SlowLogSize),
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.tracer == nil {
		db.tracer = otel.Tracer(tracerName)
	}

	if db.connector == nil {
		if cfg.Driver == "" {
			return nil, errors.New("database driver is required")
		}
		connector, err := pool.NewSQLConnector(cfg.Driver, cfg.DSN, cfg.SessionStatements)
		if err != nil {
			return nil, err
		}
		db.connector = connector
	}

	retry, err := resilience.NewRetryManager(cfg.Retry, resilience.WithClassifier(db.classifier))
	if err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	db.retry = retry

	p, err := pool.New(db.connector, cfg.Pool, pool.WithClassifier(db.classifier))
	if err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	db.pool = p

	return db, nil
}

// Connect warms the pool and starts background maintenance.
func (db *DB) Connect(ctx context.Context) error {
	db.lifecycleMu.Lock()
	defer db.lifecycleMu.Unlock()

	if db.closed {
		return dberr.New(dberr.KindPoolDestroyed, "connect", nil)
	}
	if db.connected {
		return nil
	}
	if err := db.pool.Initialize(ctx); err != nil {
		return err
	}
	db.connected = true
	db.startedAt = time.Now()

	log.Info().
		Str("driver", db.config.Driver).
		Int("pool_min", db.config.Pool.Min).
		Int("pool_max", db.config.Pool.Max).
		Msg("Database connected")
	return nil
}

// Close destroys the pool. Later calls fail with a pool-destroyed error.
// Calling Close again is a no-op.
func (db *DB) Close(ctx context.Context) error {
	db.lifecycleMu.Lock()
	defer db.lifecycleMu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	err := db.pool.Destroy(ctx)
	if c, ok := db.connector.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close database handle")
		}
	}

	log.Info().Msg("Database closed")
	return err
}

// Pool exposes the connection pool for monitoring.
func (db *DB) Pool() *pool.ConnectionPool {
	return db.pool
}

// Retry exposes the retry manager for monitoring.
func (db *DB) Retry() *resilience.RetryManager {
	return db.retry
}

// Config returns the validated configuration.
func (db *DB) Config() Config {
	return db.config
}

// AddQueryListener registers a listener for query events.
func (db *DB) AddQueryListener(l QueryListener) {
	db.listenerMu.Lock()
	defer db.listenerMu.Unlock()
	db.queryListeners = append(db.queryListeners, l)
}

// Run executes a statement that returns no rows.
func (db *DB) Run(ctx context.Context, query string, args ...interface{}) (Result, error) {
	var res Result
	err := db.execute(ctx, "run", query, func(ctx context.Context, s pool.Session) error {
		r, err := s.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		res = transaction.NewResult(r)
		return nil
	})
	return res, err
}

// Get scans the first row into dest. found is false when no row matches.
func (db *DB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	found := false
	err := db.execute(ctx, "get", query, func(ctx context.Context, s pool.Session) error {
		if err := s.GetContext(ctx, dest, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				found = false
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// All scans every row into dest, which must be a pointer to a slice.
func (db *DB) All(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return db.execute(ctx, "all", query, func(ctx context.Context, s pool.Session) error {
		return s.SelectContext(ctx, dest, query, args...)
	})
}

// Transaction runs a fixed batch of statements all-or-nothing and returns
// one result per statement.
func (db *DB) Transaction(ctx context.Context, statements []Statement) ([]Result, error) {
	var results []Result
	err := db.WithTransaction(ctx, func(ctx context.Context, exec Executor) error {
		results = make([]Result, 0, len(statements))
		for i, stmt := range statements {
			r, err := exec.Run(ctx, stmt.Query, stmt.Args...)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// WithTransaction runs fn inside a transaction on one leased connection.
// The transaction commits when fn returns nil and rolls back otherwise. On a
// retryable failure the whole scope runs again after the rollback, so fn
// must not have side effects outside the database.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, exec Executor) error) error {
	opts := transaction.Options{Classifier: db.classifier}
	return db.execute(ctx, "transaction", "", func(ctx context.Context, s pool.Session) error {
		return transaction.Execute(ctx, s, opts, fn)
	})
}

// execute runs fn with retries on a leased session and records the call.
func (db *DB) execute(ctx context.Context, op, query string, fn func(context.Context, pool.Session) error) error {
	logged := truncateQuery(query)
	ctx, span := db.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", db.config.Driver),
			attribute.String("db.operation", op),
			attribute.String("db.statement", logged),
		))
	defer span.End()

	start := time.Now()
	attempts := 0
	err := db.retry.Execute(ctx, op, func(ctx context.Context) error {
		attempts++
		return db.withSession(ctx, op, query, fn)
	})
	duration := time.Since(start)

	span.SetAttributes(attribute.Int("db.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dberr.KindOf(err)))
	}

	db.recordQuery(op, logged, duration, err)
	return err
}

func (db *DB) withSession(ctx context.Context, op, query string, fn func(context.Context, pool.Session) error) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := db.pool.Release(conn); rerr != nil {
			log.Error().Err(rerr).Str("conn_id", conn.ID).Msg("Failed to release connection")
		}
	}()

	qctx := ctx
	if db.config.Query.Timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, db.config.Query.Timeout)
		defer cancel()
	}

	err = fn(qctx, conn.Session)
	if err == nil {
		return nil
	}

	translated := dberr.Translate(db.classifier, op, query, err)
	switch dberr.KindOf(translated) {
	case dberr.KindTransientNetwork:
		conn.Invalidate()
	case dberr.KindSyntax:
		log.Error().
			Err(err).
			Str("operation", op).
			Str("query", truncateQuery(query)).
			Msg("SQL syntax error")
	}
	return translated
}

func (db *DB) recordQuery(op, query string, duration time.Duration, err error) {
	q := db.config.Query
	event := QueryEvent{
		Operation: op,
		Query:     query,
		Duration:  duration,
		Err:       err,
		Slow:      q.SlowThreshold > 0 && duration > q.SlowThreshold,
		VeryLong:  q.MaxQueryTime > 0 && duration > q.MaxQueryTime,
	}
	if err != nil {
		event.Kind = dberr.KindOf(err)
	}
	db.queries.record(event)

	switch {
	case event.VeryLong:
		// Suppressed warnings are still counted in QueryStats.
		if db.warnLimiter.Allow() {
			log.Warn().
				Str("operation", op).
				Str("query", query).
				Dur("duration", duration).
				Dur("max_query_time", q.MaxQueryTime).
				Msg("Query exceeded maximum query time")
		}
	case event.Slow:
		log.Warn().
			Str("operation", op).
			Str("query", query).
			Dur("duration", duration).
			Dur("slow_threshold", q.SlowThreshold).
			Msg("Slow query")
	}

	db.listenerMu.RLock()
	listeners := db.queryListeners
	db.listenerMu.RUnlock()
	for _, l := range listeners {
		notifyQuery(l, event)
	}
}

func notifyQuery(l QueryListener, e QueryEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("operation", e.Operation).Msg("Query listener panicked")
		}
	}()
	l(e)
}
