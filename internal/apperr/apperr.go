// Package apperr defines the error taxonomy shared by the ingestion pipeline
// and its transports.
package apperr

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindDuplicate
	KindPersistence
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindPersistence:
		return "persistence"
	case KindUnavailable:
		return "unavailable"
	}
	return "internal"
}

// Error is a classified error. Message is safe to show to callers; Err is
// the underlying cause and is never exposed.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// FieldError describes one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError is returned for malformed or out-of-range input.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string { return e.Message }

func Validation(msg string, fields ...FieldError) error {
	return &ValidationError{Message: msg, Fields: fields}
}

func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Duplicate(msg string) error {
	return &Error{Kind: KindDuplicate, Message: msg}
}

// Unavailable marks a transient failure the caller may retry.
func Unavailable(err error, msg string) error {
	return &Error{Kind: KindUnavailable, Message: msg, Err: err}
}

// Persistence wraps a storage failure. A deadline hit while talking to the
// store is reported as Unavailable instead so callers know to retry.
func Persistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnavailable, Message: "storage timeout, retry later", Err: err}
	}
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

// KindOf reports the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindInternal
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the caller-safe message for err.
func Message(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "storage timeout, retry later"
	}
	return "Internal server error"
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation, KindDuplicate:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Retryable reports whether re-issuing the same request may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPersistence, KindUnavailable, KindInternal:
		return true
	}
	return false
}
