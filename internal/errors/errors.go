// Package errors defines the internal error taxonomy shared by every
// component of the proxy. Every error that can become a client-visible
// Postgres ErrorResponse is represented as an *Error carrying a Kind and a
// SQLSTATE-like Code, so the wire layer never has to guess how to classify a
// bare Go error.
package errors

import (
	"fmt"
	"net/http"
)

// Kind classifies an error the way spec.md §7 does.
type Kind int

const (
	KindProtocol Kind = iota
	KindAuth
	KindRouting
	KindPool
	KindExecution
	KindCleanup
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindRouting:
		return "routing"
	case KindPool:
		return "pool"
	case KindExecution:
		return "execution"
	case KindCleanup:
		return "cleanup"
	default:
		return "internal"
	}
}

// Error is the application error carried through the proxy's internal call
// graph. Code is a PostgreSQL SQLSTATE-shaped five-character class code (see
// sqlstate.go); it is what ends up in the "C" field of an ErrorResponse when
// the error is proxy-originated rather than forwarded verbatim from a server.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error of the given kind with its default SQLSTATE code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: defaultSQLState(kind), Message: message}
}

// Wrap wraps an existing error, classifying it under kind.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: defaultSQLState(kind), Message: message, Err: err}
}

// WithCode overrides the default SQLSTATE for this error kind, for the cases
// where a more specific class applies (e.g. 28P01 "invalid password" under
// KindAuth rather than the generic 08000 connection-exception).
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// HTTPStatus maps a Kind to the nearest HTTP status, used only by the
// supplementary observability surface (pkg/httpapi) — never by the wire
// protocol path, which always emits SQLSTATE-coded ErrorResponses.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindRouting, KindProtocol:
		return http.StatusBadRequest
	case KindPool, KindExecution:
		return http.StatusServiceUnavailable
	case KindCleanup, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Common, reusable sentinels.
var (
	ErrNotFound     = New(KindRouting, "resource not found")
	ErrBadRequest   = New(KindProtocol, "bad request")
	ErrInternal     = New(KindInternal, "internal server error")
	ErrUnauthorized = New(KindAuth, "unauthorized")
	ErrForbidden    = New(KindAuth, "forbidden")
)
