package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error
type Kind uint8

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindValidation
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "AUTH_ERROR"
	case KindAuthorization:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindTransport:
		return "TRANSPORT_FAILURE"
	default:
		return "APP_ERROR"
	}
}

// HTTPStatus maps a kind onto the status code used by the HTTP error envelope
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed application error carrying a Kind and optional details
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is checks
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrTransport      = &Error{Kind: KindTransport}
)

// NotFound builds a NotFoundError for a resource id
func NotFound(resource string, id any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id '%v' not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// Forbidden builds an AuthorizationError
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Unauthenticated builds an authentication failure
func Unauthenticated(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds a ValidationError
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps a recoverable network failure
func Transport(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Envelope is the JSON error body returned by the HTTP API
type Envelope struct {
	Success   bool           `json:"success"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ToEnvelope converts any error into its HTTP status and envelope. Untyped
// errors are reported as internal without leaking their text.
func ToEnvelope(err error) (int, Envelope) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, Envelope{
			ErrorCode: KindInternal.String(),
			Message:   "internal server error",
		}
	}
	return e.Kind.HTTPStatus(), Envelope{
		ErrorCode: e.Kind.String(),
		Message:   e.Message,
		Details:   e.Details,
	}
}
