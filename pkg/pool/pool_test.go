package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

type fakeSession struct {
	Session // unused methods panic

	id       int
	closed   atomic.Bool
	pingErr  atomic.Value
	queryErr atomic.Value
}

func (s *fakeSession) PingContext(ctx context.Context) error {
	if err, ok := s.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *fakeSession) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err, ok := s.queryErr.Load().(error); ok {
		return err
	}
	if n, ok := dest.(*int); ok {
		*n = 1
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failNext int
	failErr  error
	delay    time.Duration
}

func (c *fakeConnector) Connect(ctx context.Context) (Session, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		if c.failErr != nil {
			return nil, c.failErr
		}
		return nil, errors.New("connect failed")
	}
	s := &fakeSession{id: len(c.sessions)}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeConnector) setFailures(n int, err error) {
	c.mu.Lock()
	c.failNext = n
	c.failErr = err
	c.mu.Unlock()
}

func (c *fakeConnector) created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func testConfig() PoolConfig {
	return PoolConfig{
		Min:                 0,
		Max:                 4,
		AcquireTimeout:      time.Second,
		IdleTimeout:         time.Minute,
		CreateTimeout:       time.Second,
		ReapInterval:        time.Hour,
		CreateRetryInterval: 10 * time.Millisecond,
	}
}

func newTestPool(t testing.TB, connector Connector, cfg PoolConfig, opts ...Option) *ConnectionPool {
	t.Helper()
	p, err := New(connector, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Destroy(context.Background())
	})
	return p
}

func assertConsistent(t *testing.T, p *ConnectionPool) {
	t.Helper()
	s := p.Stats()
	assert.Equal(t, s.TotalConnections, s.IdleConnections+s.ActiveConnections)
	assert.LessOrEqual(t, s.TotalConnections, p.Config().Max)
}

func TestPoolConfigValidate(t *testing.T) {
	cfg := PoolConfig{Min: 1, Max: 3}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPoolConfig().AcquireTimeout, cfg.AcquireTimeout)
	assert.Equal(t, DefaultPoolConfig().ReapInterval, cfg.ReapInterval)

	bad := []PoolConfig{
		{Min: 0, Max: 0},
		{Min: 4, Max: 2},
		{Min: -1, Max: 2},
		{Min: 0, Max: 2, AcquireTimeout: -time.Second},
	}
	for i, c := range bad {
		assert.Error(t, c.Validate(), "case %d", i)
	}

	_, err := New(nil, DefaultPoolConfig())
	assert.Error(t, err)
}

func TestInitializeCreatesMinimum(t *testing.T) {
	conn := &fakeConnector{}
	cfg := testConfig()
	cfg.Min = 3
	p := newTestPool(t, conn, cfg)

	require.NoError(t, p.Initialize(context.Background()))

	s := p.Stats()
	assert.Equal(t, 3, s.TotalConnections)
	assert.Equal(t, 3, s.IdleConnections)
	assert.Equal(t, int64(3), s.TotalCreated)
}

func TestInitializeContinuesAfterFailures(t *testing.T) {
	conn := &fakeConnector{}
	conn.setFailures(2, nil)
	cfg := testConfig()
	cfg.Min = 3
	p := newTestPool(t, conn, cfg)

	require.NoError(t, p.Initialize(context.Background()))

	s := p.Stats()
	assert.Equal(t, 1, s.TotalConnections)
	assert.Equal(t, int64(2), s.TotalErrors)
}

func TestAcquireReusesMostRecentlyUsed(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, testConfig())
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Release(c1))
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Release(c2))

	got, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c2, got)
	assert.True(t, got.InUse())
	assertConsistent(t, p)
}

// min=1, max=2, acquire timeout 100ms: the third acquire times out, and a
// fourth acquire queued before that timeout gets the next released
// connection immediately.
func TestAcquireTimeoutThenHandoff(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.AcquireTimeout = 100 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	thirdStart := time.Now()
	thirdErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		thirdErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)

	type result struct {
		conn *PooledConnection
		err  error
	}
	fourth := make(chan result, 1)
	go func() {
		c, err := p.Acquire(ctx)
		fourth <- result{c, err}
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 2 }, time.Second, time.Millisecond)

	err = <-thirdErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrAcquireTimeout))
	assert.GreaterOrEqual(t, time.Since(thirdStart), 100*time.Millisecond)
	assert.Equal(t, 1, p.Stats().PendingRequests)

	require.NoError(t, p.Release(c1))

	select {
	case r := <-fourth:
		require.NoError(t, r.err)
		assert.Same(t, c1, r.conn)
	case <-time.After(30 * time.Millisecond):
		t.Fatal("fourth acquire was not resolved by the release")
	}

	s := p.Stats()
	assert.Equal(t, 0, s.PendingRequests)
	assert.Equal(t, int64(1), s.TotalTimeouts)
	assertConsistent(t, p)
}

func TestTimedOutWaiterNeverResolved(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.True(t, dberr.Is(err, dberr.KindAcquireTimeout))
	assert.Equal(t, 0, p.Stats().PendingRequests)

	require.NoError(t, p.Release(c))
	s := p.Stats()
	assert.Equal(t, 1, s.IdleConnections)
	assert.Equal(t, 0, s.ActiveConnections)
}

func TestContextCancellationRemovesWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	p := newTestPool(t, &fakeConnector{}, cfg)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, p.Stats().PendingRequests)
	require.NoError(t, p.Release(held))
	assert.Equal(t, 1, p.Stats().IdleConnections)
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	const n = 5
	order := make(chan int, n)
	conns := make(chan *PooledConnection, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			c, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			conns <- c
		}()
		require.Eventually(t, func() bool { return p.Stats().PendingRequests == i+1 }, time.Second, time.Millisecond)
	}

	require.NoError(t, p.Release(held))
	for i := 0; i < n; i++ {
		assert.Equal(t, i, <-order)
		c := <-conns
		require.NoError(t, p.Release(c))
	}
	assert.Equal(t, 1, p.Stats().IdleConnections)
}

func TestReleaseValidatesOwnership(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, testConfig())
	other := newTestPool(t, &fakeConnector{}, testConfig())
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	foreign, err := other.Acquire(ctx)
	require.NoError(t, err)

	assert.Error(t, p.Release(nil))
	assert.Error(t, p.Release(foreign))
	require.NoError(t, p.Release(c))
	assert.Error(t, p.Release(c), "double release must be rejected")

	s := p.Stats()
	assert.Equal(t, 1, s.IdleConnections)
	assert.Equal(t, int64(1), s.TotalReleased)
}

func TestInvalidConnectionIsReplacedForWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	conn := &fakeConnector{}
	p := newTestPool(t, conn, cfg)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		w, err := p.Acquire(ctx)
		if err == nil {
			got <- w
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	c.Invalidate()
	require.NoError(t, p.Release(c))
	assert.True(t, c.Session.(*fakeSession).closed.Load())

	select {
	case w := <-got:
		assert.NotEqual(t, c.ID, w.ID)
		assert.True(t, w.IsValid())
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after the invalid connection was destroyed")
	}
	assert.Equal(t, 2, conn.created())
	assertConsistent(t, p)
}

func TestWaiterCreationRetriesAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	conn := &fakeConnector{}
	p := newTestPool(t, conn, cfg)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	c.Invalidate()

	got := make(chan error, 1)
	go func() {
		w, err := p.Acquire(ctx)
		if err == nil {
			err = p.Release(w)
		}
		got <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	conn.setFailures(2, syscall.ECONNREFUSED)
	require.NoError(t, p.Release(c))

	require.NoError(t, <-got)
	s := p.Stats()
	assert.Equal(t, int64(2), s.TotalErrors)
	assert.Equal(t, 1, s.TotalConnections)
}

func TestDirectCreateFailureIsClassified(t *testing.T) {
	conn := &fakeConnector{}
	conn.setFailures(1, fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED))
	p := newTestPool(t, conn, testConfig())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.KindConnectionCreate, dberr.KindOf(err))
	assert.Equal(t, dberr.KindTransientNetwork, dberr.EffectiveKind(err))

	conn.setFailures(1, errors.New("password authentication failed"))
	_, err = p.Acquire(context.Background())
	assert.Equal(t, dberr.KindUnknown, dberr.EffectiveKind(err))

	s := p.Stats()
	assert.Equal(t, 0, s.TotalConnections)
	assert.Equal(t, int64(2), s.TotalErrors)
}

func TestCreateTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CreateTimeout = 10 * time.Millisecond
	p := newTestPool(t, &fakeConnector{delay: time.Second}, cfg)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.KindTransientNetwork, dberr.EffectiveKind(err))
}

func TestDestroy(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 2
	cfg.Min = 2
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	waiterErr := make(chan error, 1)
	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Destroy(ctx))
	require.NoError(t, p.Destroy(ctx))

	assert.ErrorIs(t, <-waiterErr, dberr.ErrPoolDestroyed)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, dberr.ErrPoolDestroyed)

	assert.False(t, c1.IsValid())
	require.NoError(t, p.Release(c1))
	require.NoError(t, p.Release(c3))
	assert.True(t, c1.Session.(*fakeSession).closed.Load())
	assert.True(t, c3.Session.(*fakeSession).closed.Load())
	assert.Equal(t, 0, p.Stats().TotalConnections)
}

func TestReaperKeepsMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 2
	cfg.Max = 5
	cfg.IdleTimeout = 10 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()

	var held []*PooledConnection
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, c)
	}
	for _, c := range held[:3] {
		require.NoError(t, p.Release(c))
	}

	// Nothing is old enough yet.
	assert.Equal(t, 0, p.reapIdle(time.Now()))

	// One active connection: floor is min - active = 1 idle.
	reaped := p.reapIdle(time.Now().Add(time.Second))
	assert.Equal(t, 2, reaped)
	s := p.Stats()
	assert.Equal(t, 1, s.IdleConnections)
	assert.Equal(t, 1, s.ActiveConnections)

	require.NoError(t, p.Release(held[3]))
	assert.Equal(t, 0, p.reapIdle(time.Now().Add(time.Second)))
	assert.Equal(t, 2, p.Stats().IdleConnections)
}

func TestReaperRemovesOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 3
	cfg.IdleTimeout = 50 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	require.NoError(t, p.Release(a))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, p.Release(b))

	assert.Equal(t, 1, p.reapIdle(time.Now()))
	got, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestReapWorkerRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 3
	cfg.IdleTimeout = 5 * time.Millisecond
	cfg.ReapInterval = 5 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(c))

	require.Eventually(t, func() bool { return p.Stats().TotalConnections == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventListeners(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	cfg.AcquireTimeout = 10 * time.Millisecond
	p := newTestPool(t, &fakeConnector{}, cfg)

	var mu sync.Mutex
	seen := map[EventType]int{}
	p.AddEventListener(func(e Event) { panic("listener bug") })
	p.AddEventListener(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	c.Invalidate()
	require.NoError(t, p.Release(c))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventConnectionCreated])
	assert.Equal(t, 1, seen[EventPoolFull])
	assert.Equal(t, 1, seen[EventAcquireTimeout])
	assert.Equal(t, 1, seen[EventConnectionDestroyed])
}

func TestConcurrentAcquireReleaseIsLeakFree(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 3
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, &fakeConnector{delay: time.Millisecond}, cfg)
	ctx := context.Background()

	var inUse, peak int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				c, err := p.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt64(&inUse, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt64(&inUse, -1)
				assert.NoError(t, p.Release(c))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(cfg.Max))
	s := p.Stats()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 0, s.PendingRequests)
	assert.Equal(t, s.TotalConnections, s.IdleConnections)
	assert.Equal(t, s.TotalAcquired, s.TotalReleased)
	assert.LessOrEqual(t, s.TotalConnections, cfg.Max)
}
