package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/visitorhub/dbcore/pkg/pool"
	"github.com/visitorhub/dbcore/pkg/resilience"
)

// QueryConfig controls per-query limits and slow query tracking.
type QueryConfig struct {
	Timeout       time.Duration `json:"timeout"`        // Per-call deadline, 0 disables
	SlowThreshold time.Duration `json:"slow_threshold"` // Calls above this go to the slow log, 0 disables
	MaxQueryTime  time.Duration `json:"max_query_time"` // Calls above this log a warning
	SlowLogSize   int           `json:"slow_log_size"`  // Capacity of the slow query ring buffer
}

// Config is everything the facade needs to open a database.
type Config struct {
	Driver            string                 `json:"driver"`
	DSN               string                 `json:"dsn"`
	SessionStatements []string               `json:"session_statements"`
	Pool              pool.PoolConfig        `json:"pool"`
	Retry             resilience.RetryConfig `json:"retry"`
	Query             QueryConfig            `json:"query"`
}

// DefaultSQLiteSessionStatements tune every new SQLite session.
var DefaultSQLiteSessionStatements = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// DefaultConfig returns a SQLite configuration with default pool, retry and
// query settings.
func DefaultConfig() Config {
	stmts := make([]string, len(DefaultSQLiteSessionStatements))
	copy(stmts, DefaultSQLiteSessionStatements)
	return Config{
		Driver:            "sqlite3",
		DSN:               "./data/dbcore.db",
		SessionStatements: stmts,
		Pool:              pool.DefaultPoolConfig(),
		Retry:             resilience.DefaultRetryConfig(),
		Query: QueryConfig{
			Timeout:       30 * time.Second,
			SlowThreshold: time.Second,
			MaxQueryTime:  5 * time.Second,
			SlowLogSize:   100,
		},
	}
}

// Validate checks the configuration and fills unset query defaults.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	if c.Query.Timeout < 0 || c.Query.SlowThreshold < 0 || c.Query.MaxQueryTime < 0 {
		return errors.New("query durations must not be negative")
	}
	if c.Query.SlowLogSize < 0 {
		return fmt.Errorf("slow log size must not be negative, got %d", c.Query.SlowLogSize)
	}
	if c.Query.SlowLogSize == 0 {
		c.Query.SlowLogSize = 100
	}
	return nil
}
