package pool

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	// Drivers selectable through configuration.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var _ Session = (*sqlx.Conn)(nil)

// Connector opens new database sessions for the pool.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

// SQLConnector dials sessions through database/sql. The handle's own idle
// cache is disabled, so closing a session closes the driver connection and
// the pool alone decides how many sessions exist.
type SQLConnector struct {
	db                *sqlx.DB
	driverName        string
	sessionStatements []string
}

// NewSQLConnector prepares a connector for the given driver and DSN. No
// connection is opened until Connect is called.
func NewSQLConnector(driverName, dsn string, sessionStatements []string) (*SQLConnector, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s handle: %w", driverName, err)
	}
	db.SetMaxIdleConns(0)

	stmts := make([]string, len(sessionStatements))
	copy(stmts, sessionStatements)

	return &SQLConnector{
		db:                db,
		driverName:        driverName,
		sessionStatements: stmts,
	}, nil
}

// Connect opens one session and applies the session statements in order.
func (c *SQLConnector) Connect(ctx context.Context) (Session, error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, err
	}

	for _, stmt := range c.sessionStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if cerr := conn.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to close session after setup failure")
			}
			return nil, fmt.Errorf("session statement %q failed: %w", stmt, err)
		}
	}

	return conn, nil
}

// DriverName returns the database/sql driver name.
func (c *SQLConnector) DriverName() string {
	return c.driverName
}

// Close releases the underlying handle. Sessions already handed out must be
// closed first.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}
