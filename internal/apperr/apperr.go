package apperr

import (
	"errors"
	"fmt"
)

// Kind 对错误进行分类，供调用方决定是否重试以及 HTTP 层映射状态码。
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindConfig     Kind = "config"
	KindRemote     Kind = "remote"
	KindProtocol   Kind = "protocol"
	KindParse      Kind = "parse"
	KindValidation Kind = "validation"
	KindChain      Kind = "chain"
	KindTransient  Kind = "transient"
	KindTimeout    Kind = "timeout"
	KindConflict   Kind = "conflict"
	KindInput      Kind = "input"
)

// Error carries a Kind together with the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf formats a message and wraps it with a kind.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Config(op, format string, args ...any) error     { return Newf(KindConfig, op, format, args...) }
func Remote(op, format string, args ...any) error     { return Newf(KindRemote, op, format, args...) }
func Protocol(op, format string, args ...any) error   { return Newf(KindProtocol, op, format, args...) }
func Parse(op, format string, args ...any) error      { return Newf(KindParse, op, format, args...) }
func Validation(op, format string, args ...any) error { return Newf(KindValidation, op, format, args...) }
func Chain(op, format string, args ...any) error      { return Newf(KindChain, op, format, args...) }
func Timeout(op, format string, args ...any) error    { return Newf(KindTimeout, op, format, args...) }
func Conflict(op, format string, args ...any) error   { return Newf(KindConflict, op, format, args...) }
func Input(op, format string, args ...any) error      { return Newf(KindInput, op, format, args...) }

// Transient marks err as retryable.
func Transient(op string, err error) error { return New(KindTransient, op, err) }
