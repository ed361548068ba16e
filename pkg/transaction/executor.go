package transaction

import (
	"context"
	"database/sql"
	"errors"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

// Result describes the effect of a write statement.
type Result struct {
	LastInsertID int64 `json:"last_insert_id"`
	RowsAffected int64 `json:"rows_affected"`
}

// NewResult converts a driver result. Drivers that do not report an insert
// id or affected rows leave the field at zero.
func NewResult(res sql.Result) Result {
	var r Result
	if res == nil {
		return r
	}
	if id, err := res.LastInsertId(); err == nil {
		r.LastInsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		r.RowsAffected = n
	}
	return r
}

// Executor runs statements. Get reports found=false when no row matches.
type Executor interface {
	Run(ctx context.Context, query string, args ...interface{}) (Result, error)
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error)
	All(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type txExecutor struct {
	t *Transaction
}

func (e *txExecutor) Run(ctx context.Context, query string, args ...interface{}) (Result, error) {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()

	tx, err := e.t.activeTx("run")
	if err != nil {
		return Result{}, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, dberr.Translate(e.t.opts.Classifier, "run", query, err)
	}
	return NewResult(res), nil
}

func (e *txExecutor) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()

	tx, err := e.t.activeTx("get")
	if err != nil {
		return false, err
	}
	if err := tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, dberr.Translate(e.t.opts.Classifier, "get", query, err)
	}
	return true, nil
}

func (e *txExecutor) All(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()

	tx, err := e.t.activeTx("all")
	if err != nil {
		return err
	}
	if err := tx.SelectContext(ctx, dest, query, args...); err != nil {
		return dberr.Translate(e.t.opts.Classifier, "all", query, err)
	}
	return nil
}
