package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure. It decides the HTTP status on the
// control surface and the frame/close behaviour on sockets.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCapacity   Kind = "capacity"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "auth"
	KindProtocol   Kind = "protocol"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Error is the structured error every layer returns to its caller.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the kind onto a status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindProtocol:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func CapacityError(format string, args ...any) *Error {
	return &Error{Kind: KindCapacity, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func AuthError(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Cause: cause}
}

func ProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// ExternalError wraps a failed call to an identity or persistence collaborator.
func ExternalError(message string, cause error) *Error {
	return &Error{Kind: KindExternal, Message: message, Cause: cause}
}

func InternalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// AsError converts any error into a structured one. Unknown errors become
// internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError("internal error", err)
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
