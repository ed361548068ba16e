package pool

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Session is the database session a pooled connection wraps. *sqlx.Conn
// satisfies it.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// PooledConnection represents a connection in the pool. All mutable fields
// are guarded by the owning pool's mutex.
type PooledConnection struct {
	ID        string
	Session   Session
	CreatedAt time.Time

	pool       *ConnectionPool
	lastUsedAt time.Time
	inUse      bool
	valid      bool
}

// LastUsedAt returns when the connection was last leased or returned.
func (c *PooledConnection) LastUsedAt() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.lastUsedAt
}

// InUse reports whether the connection is currently leased.
func (c *PooledConnection) InUse() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.inUse
}

// IsValid reports whether the connection may be returned to the idle set.
func (c *PooledConnection) IsValid() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.valid
}

// Invalidate marks the connection broken. The pool destroys it on release
// instead of lending it again.
func (c *PooledConnection) Invalidate() {
	c.pool.mu.Lock()
	c.valid = false
	c.pool.mu.Unlock()
}

// GetAge returns how long ago the connection was created.
func (c *PooledConnection) GetAge() time.Duration {
	return time.Since(c.CreatedAt)
}
