// Package dberr defines the canonical error kinds returned by every layer of
// the store, grounded on the teacher's CouchDBError: a single struct error
// carrying a machine-readable kind alongside a human reason, rather than one
// Go error type per failure mode.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies the outcome of a storage operation.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindCommitConflict   Kind = "commit_conflict"
	KindReadError        Kind = "read_error"
	KindInvalidInput     Kind = "invalid_input"
	KindSchemaMismatch   Kind = "schema_mismatch"
	KindBackendUnavailable Kind = "backend_unavailable"
)

// Error is the error type returned across the store's public API.
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

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, dberr.NotFound) match any *Error of the same Kind,
// independent of Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values usable with errors.Is for each kind.
var (
	NotFound          = &Error{Kind: KindNotFound}
	AlreadyExists     = &Error{Kind: KindAlreadyExists}
	CommitConflict    = &Error{Kind: KindCommitConflict}
	ReadError         = &Error{Kind: KindReadError}
	InvalidInput      = &Error{Kind: KindInvalidInput}
	SchemaMismatch    = &Error{Kind: KindSchemaMismatch}
	BackendUnavailable = &Error{Kind: KindBackendUnavailable}
)

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool          { return is(err, KindNotFound) }
func IsAlreadyExists(err error) bool     { return is(err, KindAlreadyExists) }
func IsCommitConflict(err error) bool    { return is(err, KindCommitConflict) }
func IsReadError(err error) bool         { return is(err, KindReadError) }
func IsInvalidInput(err error) bool      { return is(err, KindInvalidInput) }
func IsSchemaMismatch(err error) bool    { return is(err, KindSchemaMismatch) }
func IsBackendUnavailable(err error) bool { return is(err, KindBackendUnavailable) }
