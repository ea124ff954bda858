// Package chaterr defines the error kinds surfaced by the chat core.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindTransient
	KindProtocol
	KindNotFound
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Status carries the HTTP status when one was received.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrAuth        = &Error{Kind: KindAuth}
	ErrTransient   = &Error{Kind: KindTransient}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrPersistence = &Error{Kind: KindPersistence}
)

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New wraps err with a kind and an operation name
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth returns an authentication error
func Auth(op string, err error) *Error { return New(KindAuth, op, err) }

// Transient returns a retryable network error
func Transient(op string, err error) *Error { return New(KindTransient, op, err) }

// Protocol returns an unexpected-response-shape error
func Protocol(op string, err error) *Error { return New(KindProtocol, op, err) }

// NotFound returns a missing-session error
func NotFound(op, id string) *Error {
	return New(KindNotFound, op, fmt.Errorf("session %q not found", id))
}

// Persistence returns a storage failure
func Persistence(op string, err error) *Error { return New(KindPersistence, op, err) }

// KindOf extracts the kind of err, KindUnknown when err is not tagged
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the completion client may retry after err
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindProtocol:
		return true
	default:
		return false
	}
}
