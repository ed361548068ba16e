// Package pool implements the bounded database connection pool every data
// access call goes through.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

const acquireSampleSize = 100

// DefaultProbeQuery is accepted by every supported driver.
const DefaultProbeQuery = "SELECT 1"

// PoolConfig contains configuration for the connection pool
type PoolConfig struct {
	Min                 int           `json:"min"`
	Max                 int           `json:"max"`
	AcquireTimeout      time.Duration `json:"acquire_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout"`
	CreateTimeout       time.Duration `json:"create_timeout"`
	ReapInterval        time.Duration `json:"reap_interval"`
	CreateRetryInterval time.Duration `json:"create_retry_interval"`
}

// DefaultPoolConfig returns a default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:                 2,
		Max:                 10,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         30 * time.Second,
		CreateTimeout:       10 * time.Second,
		ReapInterval:        time.Second,
		CreateRetryInterval: 200 * time.Millisecond,
	}
}

// Validate checks bounds and fills zero durations with defaults.
func (c *PoolConfig) Validate() error {
	if c.Max < 1 {
		return fmt.Errorf("pool max must be at least 1, got %d", c.Max)
	}
	if c.Min < 0 || c.Min > c.Max {
		return fmt.Errorf("pool min must be between 0 and max (%d), got %d", c.Max, c.Min)
	}

	def := DefaultPoolConfig()
	durations := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"acquire_timeout", &c.AcquireTimeout, def.AcquireTimeout},
		{"idle_timeout", &c.IdleTimeout, def.IdleTimeout},
		{"create_timeout", &c.CreateTimeout, def.CreateTimeout},
		{"reap_interval", &c.ReapInterval, def.ReapInterval},
		{"create_retry_interval", &c.CreateRetryInterval, def.CreateRetryInterval},
	}
	for _, d := range durations {
		if *d.val < 0 {
			return fmt.Errorf("pool %s must not be negative, got %s", d.name, *d.val)
		}
		if *d.val == 0 {
			*d.val = d.def
		}
	}
	return nil
}

// PoolStats provides pool statistics. Connection counts are recomputed from
// the connection set whenever a snapshot is taken.
type PoolStats struct {
	TotalConnections   int           `json:"total_connections"`
	ActiveConnections  int           `json:"active_connections"`
	IdleConnections    int           `json:"idle_connections"`
	PendingRequests    int           `json:"pending_requests"`
	TotalCreated       int64         `json:"total_created"`
	TotalDestroyed     int64         `json:"total_destroyed"`
	TotalAcquired      int64         `json:"total_acquired"`
	TotalReleased      int64         `json:"total_released"`
	TotalErrors        int64         `json:"total_errors"`
	TotalTimeouts      int64         `json:"total_timeouts"`
	AverageAcquireTime time.Duration `json:"average_acquire_time"`
}

// EventType identifies a pool lifecycle notification.
type EventType string

const (
	EventConnectionCreated   EventType = "connection_created"
	EventConnectionDestroyed EventType = "connection_destroyed"
	EventPoolFull            EventType = "pool_full"
	EventAcquireTimeout      EventType = "acquire_timeout"
	EventError               EventType = "error"
)

// Event is delivered to listeners after the pool lock is released.
type Event struct {
	Type         EventType
	ConnectionID string
	Err          error
	Stats        PoolStats
	Time         time.Time
}

// EventListener receives pool events. Panics are recovered and logged.
type EventListener func(Event)

// Option configures a ConnectionPool.
type Option func(*ConnectionPool)

// WithClassifier sets the classifier used for connection creation failures.
func WithClassifier(c dberr.Classifier) Option {
	return func(p *ConnectionPool) {
		p.classifier = c
	}
}

// WithProbeQuery sets the statement health checks run on each idle
// connection. An empty query falls back to a driver ping.
func WithProbeQuery(query string) Option {
	return func(p *ConnectionPool) {
		p.probeQuery = query
	}
}

type acquireResult struct {
	conn *PooledConnection
	err  error
}

type waiter struct {
	ch          chan acquireResult
	requestedAt time.Time
}

// ConnectionPool lends database sessions to callers. A single mutex guards
// the connection set, the idle list, creation reservations and the waiter
// queue; no I/O is done while holding it.
type ConnectionPool struct {
	config     PoolConfig
	connector  Connector
	classifier dberr.Classifier
	probeQuery string

	mu          sync.Mutex
	connections map[string]*PooledConnection
	// idle is ordered by lastUsedAt, most recent last.
	idle               []*PooledConnection
	creating           int
	creatingForWaiters int
	waiters            []*waiter
	retryPending       bool
	started            bool
	destroyed          bool

	listeners []EventListener
	events    []Event

	stats         PoolStats
	acquireTimes  [acquireSampleSize]time.Duration
	acquireCount  int
	acquireCursor int

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a pool. It neither blocks nor dials; call Initialize to warm
// the minimum number of connections and start the reaper.
func New(connector Connector, config PoolConfig, opts ...Option) (*ConnectionPool, error) {
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ConnectionPool{
		config:      config,
		connector:   connector,
		classifier:  dberr.Network,
		probeQuery:  DefaultProbeQuery,
		connections: make(map[string]*PooledConnection),
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the pool configuration.
func (p *ConnectionPool) Config() PoolConfig {
	return p.config
}

// AddEventListener registers a listener for pool events.
func (p *ConnectionPool) AddEventListener(l EventListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Initialize creates the minimum number of connections and starts the
// reaper. Individual creation failures are logged and counted; startup
// continues without them.
func (p *ConnectionPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return dberr.New(dberr.KindPoolDestroyed, "initialize", nil)
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.wg.Add(1)
	go p.reapWorker()
	p.mu.Unlock()

	created := 0
	for i := 0; i < p.config.Min; i++ {
		p.mu.Lock()
		if p.destroyed || len(p.connections)+p.creating >= p.config.Max {
			p.mu.Unlock()
			break
		}
		p.creating++
		p.mu.Unlock()

		session, err := p.dial(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.recordErrorLocked("", err)
			p.unlock()
			log.Warn().Err(err).Int("index", i).Msg("Failed to create initial connection")
			continue
		}
		if p.destroyed {
			p.unlock()
			discardSession(session, "")
			break
		}
		p.releaseToWaiterOrIdleLocked(p.registerLocked(session))
		p.unlock()
		created++
	}

	log.Info().
		Int("min", p.config.Min).
		Int("max", p.config.Max).
		Int("created", created).
		Msg("Connection pool initialized")
	return nil
}

// Acquire leases a connection. Idle connections are reused most recently
// used first; otherwise a new one is created while below Max; otherwise the
// caller queues FIFO until a connection is released, AcquireTimeout elapses
// or ctx ends.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	start := time.Now()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, dberr.New(dberr.KindPoolDestroyed, "acquire", nil)
	}

	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.leaseLocked(conn, start)
			p.unlock()
			return conn, nil
		}

		if len(p.connections)+p.creating < p.config.Max {
			p.creating++
			p.mu.Unlock()
			return p.createForCaller(ctx, start)
		}
	}

	w := &waiter{ch: make(chan acquireResult, 1), requestedAt: start}
	p.waiters = append(p.waiters, w)
	if len(p.connections)+p.creating >= p.config.Max {
		p.emitLocked(Event{Type: EventPoolFull})
	}
	p.dispatchLocked()
	p.unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timer.C:
		if p.abandonWaiter(w, true) {
			return nil, dberr.Newf(dberr.KindAcquireTimeout, "acquire",
				"no connection available within %s", p.config.AcquireTimeout)
		}
	case <-ctx.Done():
		if p.abandonWaiter(w, false) {
			return nil, ctx.Err()
		}
	}

	// A handoff won the race against the timer; it was sent under the same
	// lock that would have removed the waiter, so it is already buffered.
	res := <-w.ch
	return res.conn, res.err
}

// Release returns a leased connection. Unknown or already released
// connections are rejected. Invalid connections are destroyed; otherwise the
// connection goes to the oldest waiter or back to the idle set.
func (p *ConnectionPool) Release(conn *PooledConnection) error {
	if conn == nil {
		return errors.New("connection is nil")
	}

	p.mu.Lock()
	owned, ok := p.connections[conn.ID]
	if !ok || owned != conn {
		p.mu.Unlock()
		return fmt.Errorf("connection %s does not belong to this pool", conn.ID)
	}
	if !conn.inUse {
		p.mu.Unlock()
		return fmt.Errorf("connection %s is not leased", conn.ID)
	}

	conn.inUse = false
	conn.lastUsedAt = time.Now()
	p.stats.TotalReleased++

	if !conn.valid || p.destroyed {
		p.removeLocked(conn)
		p.dispatchLocked()
		p.unlock()
		p.closeSession(conn)
		return nil
	}

	p.releaseToWaiterOrIdleLocked(conn)
	p.unlock()
	return nil
}

// Destroy rejects queued waiters, closes idle connections and stops the
// reaper. Leased connections are closed when they are released. Calling
// Destroy again is a no-op.
func (p *ConnectionPool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true

	for _, w := range p.waiters {
		w.ch <- acquireResult{err: dberr.New(dberr.KindPoolDestroyed, "acquire", nil)}
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	for _, conn := range idle {
		p.removeLocked(conn)
	}
	leased := 0
	for _, conn := range p.connections {
		conn.valid = false
		leased++
	}
	p.unlock()

	close(p.stopChan)
	p.cancel()

	for _, conn := range idle {
		p.closeSession(conn)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Connection pool shutdown timeout")
	}

	log.Info().
		Int("closed_idle", len(idle)).
		Int("leased", leased).
		Msg("Connection pool destroyed")
	return nil
}

// Stats returns a snapshot of pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Private methods

func (p *ConnectionPool) createForCaller(ctx context.Context, start time.Time) (*PooledConnection, error) {
	session, err := p.dial(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.recordErrorLocked("", err)
		p.dispatchLocked()
		p.unlock()
		return nil, dberr.New(dberr.KindConnectionCreate, "acquire", err)
	}
	if p.destroyed {
		p.unlock()
		discardSession(session, "")
		return nil, dberr.New(dberr.KindPoolDestroyed, "acquire", nil)
	}
	conn := p.registerLocked(session)
	p.leaseLocked(conn, start)
	p.unlock()
	return conn, nil
}

// createForWaiter runs in the background on behalf of queued callers.
func (p *ConnectionPool) createForWaiter() {
	defer p.wg.Done()

	session, err := p.dial(p.ctx)

	p.mu.Lock()
	p.creating--
	p.creatingForWaiters--
	if err != nil {
		p.recordErrorLocked("", err)
		p.scheduleCreateRetryLocked()
		p.unlock()
		log.Warn().Err(err).Msg("Failed to create connection for waiting request")
		return
	}
	if p.destroyed {
		p.unlock()
		discardSession(session, "")
		return
	}
	p.releaseToWaiterOrIdleLocked(p.registerLocked(session))
	p.unlock()
}

func (p *ConnectionPool) scheduleCreateRetryLocked() {
	if p.destroyed || p.retryPending || len(p.waiters) == 0 {
		return
	}
	p.retryPending = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.config.CreateRetryInterval)
		defer timer.Stop()
		select {
		case <-p.stopChan:
			return
		case <-timer.C:
		}
		p.mu.Lock()
		p.retryPending = false
		p.dispatchLocked()
		p.unlock()
	}()
}

// dispatchLocked matches queued waiters with idle connections, then reserves
// free capacity for the waiters still unserved.
func (p *ConnectionPool) dispatchLocked() {
	if p.destroyed {
		return
	}
	for len(p.waiters) > 0 && len(p.idle) > 0 {
		n := len(p.idle)
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.handoffLocked(conn)
	}
	if p.retryPending {
		return
	}
	for len(p.waiters) > p.creatingForWaiters && len(p.connections)+p.creating < p.config.Max {
		p.creating++
		p.creatingForWaiters++
		p.wg.Add(1)
		go p.createForWaiter()
	}
}

func (p *ConnectionPool) releaseToWaiterOrIdleLocked(conn *PooledConnection) {
	if len(p.waiters) > 0 {
		p.handoffLocked(conn)
		return
	}
	p.insertIdleLocked(conn)
}

// handoffLocked gives conn to the oldest waiter, removing it from the queue
// in the same critical section.
func (p *ConnectionPool) handoffLocked(conn *PooledConnection) {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	p.leaseLocked(conn, w.requestedAt)
	w.ch <- acquireResult{conn: conn}
}

// abandonWaiter removes w from the queue. It returns false if w was already
// resolved by a handoff or by Destroy.
func (p *ConnectionPool) abandonWaiter(w *waiter, timedOut bool) bool {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q != w {
			continue
		}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		if timedOut {
			p.stats.TotalTimeouts++
			p.emitLocked(Event{Type: EventAcquireTimeout})
		}
		p.unlock()
		return true
	}
	p.mu.Unlock()
	return false
}

func (p *ConnectionPool) insertIdleLocked(conn *PooledConnection) {
	i := sort.Search(len(p.idle), func(i int) bool {
		return p.idle[i].lastUsedAt.After(conn.lastUsedAt)
	})
	p.idle = append(p.idle, nil)
	copy(p.idle[i+1:], p.idle[i:])
	p.idle[i] = conn
}

func (p *ConnectionPool) leaseLocked(conn *PooledConnection, requestedAt time.Time) {
	now := time.Now()
	conn.inUse = true
	conn.lastUsedAt = now
	p.stats.TotalAcquired++

	p.acquireTimes[p.acquireCursor] = now.Sub(requestedAt)
	p.acquireCursor = (p.acquireCursor + 1) % acquireSampleSize
	if p.acquireCount < acquireSampleSize {
		p.acquireCount++
	}
}

func (p *ConnectionPool) registerLocked(session Session) *PooledConnection {
	now := time.Now()
	conn := &PooledConnection{
		ID:         uuid.NewString(),
		Session:    session,
		CreatedAt:  now,
		pool:       p,
		lastUsedAt: now,
		valid:      true,
	}
	p.connections[conn.ID] = conn
	p.stats.TotalCreated++
	p.emitLocked(Event{Type: EventConnectionCreated, ConnectionID: conn.ID})

	log.Debug().
		Str("conn_id", conn.ID).
		Int("total_connections", len(p.connections)).
		Msg("Created new connection")
	return conn
}

// removeLocked drops conn from the connection set. The caller closes the
// session after unlocking and removes conn from the idle list if needed.
func (p *ConnectionPool) removeLocked(conn *PooledConnection) {
	if _, ok := p.connections[conn.ID]; !ok {
		return
	}
	delete(p.connections, conn.ID)
	conn.valid = false
	p.stats.TotalDestroyed++
	p.emitLocked(Event{Type: EventConnectionDestroyed, ConnectionID: conn.ID})

	log.Debug().
		Str("conn_id", conn.ID).
		Dur("age", time.Since(conn.CreatedAt)).
		Msg("Destroyed connection")
}

func (p *ConnectionPool) recordErrorLocked(connID string, err error) {
	p.stats.TotalErrors++
	p.emitLocked(Event{Type: EventError, ConnectionID: connID, Err: err})
}

// dial opens a session bounded by CreateTimeout. Failures come back
// classified so retry decisions can look at the cause.
func (p *ConnectionPool) dial(ctx context.Context) (Session, error) {
	cctx, cancel := context.WithTimeout(ctx, p.config.CreateTimeout)
	defer cancel()

	session, err := p.connector.Connect(cctx)
	if err == nil {
		return session, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, dberr.Newf(dberr.KindTransientNetwork, "connect",
			"connection not established within %s: %v", p.config.CreateTimeout, err)
	}
	return nil, dberr.Translate(p.classifier, "connect", "", err)
}

func (p *ConnectionPool) closeSession(conn *PooledConnection) {
	discardSession(conn.Session, conn.ID)
}

func discardSession(session Session, connID string) {
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		log.Warn().Err(err).Str("conn_id", connID).Msg("Failed to close connection")
	}
}

func (p *ConnectionPool) snapshotLocked() PoolStats {
	s := p.stats
	s.TotalConnections = len(p.connections)
	s.IdleConnections = len(p.idle)
	s.ActiveConnections = s.TotalConnections - s.IdleConnections
	s.PendingRequests = len(p.waiters)

	if p.acquireCount > 0 {
		var sum time.Duration
		for i := 0; i < p.acquireCount; i++ {
			sum += p.acquireTimes[i]
		}
		s.AverageAcquireTime = sum / time.Duration(p.acquireCount)
	}
	return s
}

func (p *ConnectionPool) emitLocked(e Event) {
	if len(p.listeners) == 0 {
		return
	}
	e.Time = time.Now()
	e.Stats = p.snapshotLocked()
	p.events = append(p.events, e)
}

// unlock releases the mutex and delivers events queued while it was held.
func (p *ConnectionPool) unlock() {
	events := p.events
	p.events = nil
	listeners := p.listeners
	p.mu.Unlock()

	for _, e := range events {
		for _, l := range listeners {
			notify(l, e)
		}
	}
}

func notify(l EventListener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("Pool event listener panicked")
		}
	}()
	l(e)
}
