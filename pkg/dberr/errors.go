// Package dberr defines the stable error taxonomy returned by the database
// layer and the per-driver adapters that map native driver failures onto it.
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is an abstract failure category. Pool and retry logic only ever look
// at a Kind, never at driver-specific codes or messages.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindAcquireTimeout   Kind = "acquire-timeout"
	KindConnectionCreate Kind = "connection-create"
	KindTransientNetwork Kind = "transient-network"
	KindLockTimeout      Kind = "lock-timeout"
	KindDeadlock         Kind = "deadlock"
	KindIntegrity        Kind = "integrity"
	KindSyntax           Kind = "syntax"
	KindQueryTimeout     Kind = "query-timeout"
	KindTransactionState Kind = "transaction-state"
	KindPoolDestroyed    Kind = "pool-destroyed"
	KindNotImplemented   Kind = "not-implemented"
)

var allKinds = []Kind{
	KindUnknown,
	KindAcquireTimeout,
	KindConnectionCreate,
	KindTransientNetwork,
	KindLockTimeout,
	KindDeadlock,
	KindIntegrity,
	KindSyntax,
	KindQueryTimeout,
	KindTransactionState,
	KindPoolDestroyed,
	KindNotImplemented,
}

// DefaultRetryableKinds are the categories treated as transient infrastructure
// noise when no explicit list is configured.
var DefaultRetryableKinds = []Kind{KindTransientNetwork, KindLockTimeout, KindDeadlock}

// ParseKind converts a configured kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range allKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

// ParseKinds converts a list of kind names, failing on the first unknown one.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Error is the classified error every public operation returns.
type Error struct {
	Kind     Kind
	Op       string
	Query    string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, dberr.ErrPoolDestroyed)
// works for any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrAcquireTimeout   = &Error{Kind: KindAcquireTimeout}
	ErrPoolDestroyed    = &Error{Kind: KindPoolDestroyed}
	ErrTransactionState = &Error{Kind: KindTransactionState}
	ErrNotImplemented   = &Error{Kind: KindNotImplemented}
)

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// EffectiveKind is the kind retry decisions are based on. A connection-create
// failure takes the kind of its classified cause, so a refused dial is retried
// while a bad DSN is not.
func EffectiveKind(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return KindUnknown
	}
	if e.Kind != KindConnectionCreate {
		return e.Kind
	}
	var cause *Error
	if e.Err != nil && errors.As(e.Err, &cause) {
		return cause.Kind
	}
	return KindConnectionCreate
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
