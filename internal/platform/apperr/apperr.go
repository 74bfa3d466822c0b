// Package apperr defines the client-facing error taxonomy shared by the
// charting and addendum services, and the {success,data,error} envelope every
// handler responds with.
//
// Services return *Error for anything a caller may act on. Infrastructure
// failures are wrapped with Internal so that driver messages, SQL, and
// cross-tenant details never reach the response body.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindPermissionDenied  Kind = "PermissionDenied"
	KindNotFound          Kind = "NotFound"
	KindTenantMismatch    Kind = "TenantMismatch"
	KindInvalidTransition Kind = "InvalidTransition"
	KindValidationBlocked Kind = "ValidationBlocked"
	KindInvalidInput      Kind = "InvalidInput"
	KindConflict          Kind = "Conflict"
	KindInternal          Kind = "Internal"
)

// Fixed public messages.
const (
	MsgPermissionDenied = "Permission denied"
	MsgInternal         = "Internal error"
	MsgConflict         = "Record was modified concurrently. Reload and try again."
)

// Error is a classified failure with a short, stable message. Details is
// optional structured context that is safe to show the caller (for example,
// the missing fields behind a ValidationBlocked).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
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

// Public returns the message callers are allowed to see.
func (e *Error) Public() string {
	if e.Kind == KindInternal {
		return MsgInternal
	}
	return e.Message
}

func PermissionDenied() *Error {
	return &Error{Kind: KindPermissionDenied, Message: MsgPermissionDenied}
}

// NotFound reports an entity id that does not resolve, e.g. NotFound("Chart").
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// TenantMismatch reports an entity owned by another clinic. The public
// message is identical to NotFound for the same entity.
func TenantMismatch(entity string) *Error {
	return &Error{Kind: KindTenantMismatch, Message: entity + " not found"}
}

func InvalidTransition(msg string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: msg}
}

func ValidationBlocked(msg string, details map[string]interface{}) *Error {
	return &Error{Kind: KindValidationBlocked, Message: msg, Details: details}
}

func InvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func Conflict() *Error {
	return &Error{Kind: KindConflict, Message: MsgConflict}
}

// Internal wraps an infrastructure error. Its public message is always
// MsgInternal.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
}

// From converts any error into an *Error, treating unclassified errors as
// Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// KindOf returns the Kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// HTTPStatus maps a Kind onto a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound, KindTenantMismatch:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindValidationBlocked:
		return http.StatusUnprocessableEntity
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
