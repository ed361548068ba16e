// Package transaction runs statement sequences atomically on one leased
// database session.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

// State is the lifecycle position of a transaction.
type State int

const (
	NotStarted State = iota
	Active
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Beginner is the part of a session a transaction needs.
type Beginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// Options configures a transaction.
type Options struct {
	Isolation  sql.IsolationLevel
	ReadOnly   bool
	Classifier dberr.Classifier
}

// Transaction represents a database transaction bound to one session
type Transaction struct {
	mu         sync.Mutex
	id         string
	session    Beginner
	opts       Options
	tx         *sqlx.Tx
	state      State
	startedAt  time.Time
	statements int
}

// New creates a transaction in the NotStarted state.
func New(session Beginner, opts Options) *Transaction {
	if opts.Classifier == nil {
		opts.Classifier = dberr.Network
	}
	return &Transaction{
		id:      uuid.NewString(),
		session: session,
		opts:    opts,
		state:   NotStarted,
	}
}

// ID returns the transaction identifier used in logs.
func (t *Transaction) ID() string {
	return t.id
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin starts the transaction on the session.
func (t *Transaction) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != NotStarted {
		return t.stateError("begin")
	}

	tx, err := t.session.BeginTxx(ctx, &sql.TxOptions{
		Isolation: t.opts.Isolation,
		ReadOnly:  t.opts.ReadOnly,
	})
	if err != nil {
		return dberr.Translate(t.opts.Classifier, "begin", "", err)
	}

	t.tx = tx
	t.state = Active
	t.startedAt = time.Now()

	log.Debug().Str("tx_id", t.id).Msg("Transaction started")
	return nil
}

// Commit commits the transaction. If the commit fails the driver has
// aborted the transaction and the state becomes RolledBack.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return t.stateError("commit")
	}

	if err := t.tx.Commit(); err != nil {
		t.state = RolledBack
		if rerr := t.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			log.Warn().Err(rerr).Str("tx_id", t.id).Msg("Rollback after failed commit failed")
		}
		return dberr.Translate(t.opts.Classifier, "commit", "", err)
	}

	t.state = Committed
	log.Debug().
		Str("tx_id", t.id).
		Int("statements", t.statements).
		Dur("duration", time.Since(t.startedAt)).
		Msg("Transaction committed")
	return nil
}

// Rollback rolls back the transaction. reason is only logged.
func (t *Transaction) Rollback(reason error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return t.stateError("rollback")
	}

	err := t.tx.Rollback()
	t.state = RolledBack

	evt := log.Debug()
	if reason != nil {
		evt = log.Info().AnErr("reason", reason)
	}
	evt.Str("tx_id", t.id).Int("statements", t.statements).Msg("Transaction rolled back")

	if err != nil {
		return dberr.Translate(t.opts.Classifier, "rollback", "", err)
	}
	return nil
}

// Nested savepoint transactions are not supported.
func (t *Transaction) Nested(ctx context.Context) (*Transaction, error) {
	return nil, dberr.New(dberr.KindNotImplemented, "nested transaction",
		errors.New("savepoints are not supported"))
}

// Executor returns the statement executor scoped to this transaction.
// Statements run in call order on the transaction's session.
func (t *Transaction) Executor() Executor {
	return &txExecutor{t: t}
}

func (t *Transaction) stateError(op string) error {
	return dberr.Newf(dberr.KindTransactionState, op, "transaction %s is %s", t.id, t.state)
}

// activeTx returns the live *sqlx.Tx; the caller holds t.mu.
func (t *Transaction) activeTx(op string) (*sqlx.Tx, error) {
	if t.state != Active {
		return nil, t.stateError(op)
	}
	t.statements++
	return t.tx, nil
}

// Execute runs fn inside a new transaction on session. The transaction is
// committed when fn returns nil and rolled back otherwise, including when fn
// panics. A rollback failure is logged and the error from fn is returned.
func Execute(ctx context.Context, session Beginner, opts Options, fn func(ctx context.Context, exec Executor) error) error {
	t := New(session, opts)
	if err := t.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rerr := t.Rollback(fmt.Errorf("panic: %v", r)); rerr != nil {
				log.Error().Err(rerr).Str("tx_id", t.id).Msg("Rollback after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(ctx, t.Executor()); err != nil {
		if t.State() == Active {
			if rerr := t.Rollback(err); rerr != nil {
				log.Error().Err(rerr).AnErr("cause", err).Str("tx_id", t.id).Msg("Rollback failed")
			}
		}
		return err
	}

	return t.Commit()
}
