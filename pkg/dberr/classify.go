package dberr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Classifier maps a native driver error onto a Kind. Adapters return
// KindUnknown for errors they do not recognise.
type Classifier interface {
	Classify(err error) Kind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(error) Kind

func (f ClassifierFunc) Classify(err error) Kind { return f(err) }

// Chain tries each classifier in order and returns the first known kind.
type Chain []Classifier

func (c Chain) Classify(err error) Kind {
	for _, cl := range c {
		if k := cl.Classify(err); k != KindUnknown {
			return k
		}
	}
	return KindUnknown
}

// Network recognises transport-level failures common to every driver.
var Network = ClassifierFunc(classifyNetwork)

func classifyNetwork(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return KindQueryTimeout
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return KindTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	// Some drivers flatten socket errors into plain strings.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "econnreset", "econnrefused"} {
		if strings.Contains(msg, s) {
			return KindTransientNetwork
		}
	}
	return KindUnknown
}

// ClassifierFor returns the adapter chain for a database/sql driver name.
// Unknown drivers only get network classification.
func ClassifierFor(driverName string) Classifier {
	switch driverName {
	case "sqlite3", "sqlite":
		return Chain{SQLite, Network}
	case "pgx", "postgres", "postgresql":
		return Chain{Postgres, Network}
	case "mysql":
		return Chain{MySQL, Network}
	default:
		return Network
	}
}

// Translate wraps a raw error into an *Error. Errors that are already
// classified pass through, except connection-create failures whose cause has
// not been classified yet; those are returned as a copy with the cause
// classified, leaving err untouched.
func Translate(c Classifier, op, query string, err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Kind == KindConnectionCreate && existing.Err != nil {
			var inner *Error
			if !errors.As(existing.Err, &inner) {
				classified := *existing
				classified.Err = &Error{Kind: c.Classify(existing.Err), Err: existing.Err}
				return &classified
			}
		}
		return err
	}

	return &Error{
		Kind:  c.Classify(err),
		Op:    op,
		Query: query,
		Err:   err,
	}
}
