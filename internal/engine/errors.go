package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// Kind classifies engine errors.
type Kind int

const (
	KindSyntax Kind = iota + 1
	KindCompile
	KindSchema
	KindLock
	KindIO
	KindEval
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "SyntaxError"
	case KindCompile:
		return "CompileError"
	case KindSchema:
		return "SchemaError"
	case KindLock:
		return "LockError"
	case KindIO:
		return "IOError"
	case KindEval:
		return "EvalError"
	}
	return "Error"
}

// Sentinels for errors.Is matching by kind.
var (
	ErrSyntax  = &Error{Kind: KindSyntax}
	ErrCompile = &Error{Kind: KindCompile}
	ErrSchema  = &Error{Kind: KindSchema}
	ErrLock    = &Error{Kind: KindLock}
	ErrIO      = &Error{Kind: KindIO}
	ErrEval    = &Error{Kind: KindEval}
)

// Error is the structured error every public engine call returns.
type Error struct {
	Kind Kind
	Op   string // statement kind or API call, e.g. "SELECT", "Begin"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Msg == "" && t.Err == nil && t.Op == ""
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func syntaxErrf(format string, args ...any) *Error  { return errf(KindSyntax, format, args...) }
func compileErrf(format string, args ...any) *Error { return errf(KindCompile, format, args...) }
func schemaErrf(format string, args ...any) *Error  { return errf(KindSchema, format, args...) }
func evalErrf(format string, args ...any) *Error    { return errf(KindEval, format, args...) }

// classify turns any error into an *Error, mapping storage sentinels to
// their kind. Errors that already are *Error keep their kind.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			e.Op = op
		}
		return e
	}
	kind := KindIO
	switch {
	case errors.Is(err, storage.ErrNoTable), errors.Is(err, storage.ErrTableExists),
		errors.Is(err, storage.ErrRowIDRange), errors.Is(err, storage.ErrNumberWidth):
		kind = KindSchema
	case errors.Is(err, storage.ErrLockTimeout), errors.Is(err, storage.ErrLockUpgrade),
		errors.Is(err, storage.ErrNestedTx), errors.Is(err, storage.ErrNoTx),
		errors.Is(err, storage.ErrInTx), errors.Is(err, storage.ErrTxBroken):
		kind = KindLock
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindLock
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// errorStack keeps the errors of failed calls, most recent first.
type errorStack struct {
	items []*Error
	max   int
}

func (s *errorStack) push(e *Error) {
	s.items = append([]*Error{e}, s.items...)
	if s.max > 0 && len(s.items) > s.max {
		s.items = s.items[:s.max]
	}
}

func (s *errorStack) list() []*Error {
	out := make([]*Error, len(s.items))
	copy(out, s.items)
	return out
}

func (s *errorStack) clear() { s.items = nil }
