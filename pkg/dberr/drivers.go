package dberr

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// SQLite classifies github.com/mattn/go-sqlite3 errors.
var SQLite = ClassifierFunc(func(err error) Kind {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return KindUnknown
	}

	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return KindLockTimeout
	case sqlite3.ErrConstraint:
		return KindIntegrity
	case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrProtocol:
		return KindTransientNetwork
	case sqlite3.ErrError, sqlite3.ErrSchema:
		msg := strings.ToLower(se.Error())
		if strings.Contains(msg, "syntax error") ||
			strings.Contains(msg, "no such table") ||
			strings.Contains(msg, "no such column") ||
			strings.Contains(msg, "has no column") {
			return KindSyntax
		}
	}
	return KindUnknown
})

// Postgres classifies pgconn.PgError by SQLSTATE.
var Postgres = ClassifierFunc(func(err error) Kind {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		if pgconn.Timeout(err) {
			return KindQueryTimeout
		}
		return KindUnknown
	}

	switch pe.Code {
	case "40P01":
		return KindDeadlock
	case "40001":
		// serialization_failure behaves like a deadlock victim: safe to rerun.
		return KindDeadlock
	case "55P03":
		return KindLockTimeout
	case "57014":
		return KindQueryTimeout
	}

	switch {
	case strings.HasPrefix(pe.Code, "23"):
		return KindIntegrity
	case strings.HasPrefix(pe.Code, "42"):
		return KindSyntax
	case strings.HasPrefix(pe.Code, "08"), strings.HasPrefix(pe.Code, "57P"):
		return KindTransientNetwork
	}
	return KindUnknown
})

// MySQL classifies github.com/go-sql-driver/mysql errors by error number.
var MySQL = ClassifierFunc(func(err error) Kind {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return KindTransientNetwork
	}

	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return KindUnknown
	}

	switch me.Number {
	case 1213:
		return KindDeadlock
	case 1205:
		return KindLockTimeout
	case 1062, 1048, 1451, 1452, 1557, 1586:
		return KindIntegrity
	case 1064, 1054, 1146, 1149:
		return KindSyntax
	case 1040, 1053, 2002, 2003, 2006, 2013:
		return KindTransientNetwork
	case 3024:
		return KindQueryTimeout
	}
	return KindUnknown
})
