package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-checkable classification carried by every
// client-visible failure.
type Kind string

const (
	KindAuthentication      Kind = "AUTHENTICATION_FAILED"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindNoConfiguration     Kind = "NO_CONFIGURATION"
	KindParameterNotFound   Kind = "PARAMETER_NOT_FOUND"
	KindUpstreamUnreachable Kind = "UPSTREAM_UNREACHABLE"
	KindUpstreamRejected    Kind = "UPSTREAM_REJECTED"
	KindInternal            Kind = "INTERNAL"
)

type Error struct {
	Kind   Kind
	Detail string
	// UpstreamStatus and UpstreamBody are set only for KindUpstreamRejected
	// so the remote's own diagnostics can be forwarded to the caller.
	UpstreamStatus int
	UpstreamBody   string
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Rejected records an upstream response with status >= 400.
func Rejected(status int, body string) *Error {
	return &Error{
		Kind:           KindUpstreamRejected,
		Detail:         "Resolume: " + body,
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// KindOf classifies err, returning KindInternal for anything untyped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Detail returns the human-readable detail for err without leaking
// internals of untyped errors.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return "internal error"
}

// HTTPStatus maps a failure kind to the transport status emitted at the
// boundary. Cross-user access is reported as 404 rather than 403 so the
// response does not confirm that the record exists.
func HTTPStatus(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidRequest, KindNoConfiguration:
		return http.StatusBadRequest
	case KindParameterNotFound:
		return http.StatusInternalServerError
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindUpstreamRejected:
		if fe.UpstreamStatus >= 400 {
			return fe.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
