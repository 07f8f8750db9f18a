package engine

import (
	"errors"
	"fmt"
)

// Kind categorizes engine errors.
type Kind string

const (
	// KindNotFound indicates a named database, store or index does not exist.
	// An absent record is not an error; Get resolves to nil instead.
	KindNotFound Kind = "NOT_FOUND"

	// KindConstraint indicates a uniqueness conflict, e.g. Add on an existing key.
	KindConstraint Kind = "CONSTRAINT_VIOLATION"

	// KindInvalidState indicates an operation against a terminal transaction,
	// an exhausted or busy cursor, or a schema change outside a version change.
	KindInvalidState Kind = "INVALID_STATE"

	// KindAborted indicates the enclosing transaction rolled back.
	KindAborted Kind = "ABORTED"

	// KindMigrationFailed indicates a version upgrade callback failed.
	KindMigrationFailed Kind = "MIGRATION_FAILED"

	// KindEngine is the passthrough category for storage failures
	// not otherwise classified.
	KindEngine Kind = "ENGINE_ERROR"
)

// Error is the engine's structured error. Store and Key are set when the
// failing operation was scoped to one.
type Error struct {
	Kind    Kind
	Message string
	Store   string
	Key     []byte
	cause   error
}

func (e *Error) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("%s: %s (store=%s)", e.Kind, e.Message, e.Store)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a categorized error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a categorized error around a cause, preserved for Unwrap.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngine
}

// IsNotFound reports whether err is a missing database/store/index error.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConstraint reports whether err is a key uniqueness conflict.
func IsConstraint(err error) bool { return kindOf(err) == KindConstraint }

// IsInvalidState reports whether err is a lifecycle contract violation.
func IsInvalidState(err error) bool { return kindOf(err) == KindInvalidState }

// IsAborted reports whether err came from a rolled-back transaction.
func IsAborted(err error) bool { return kindOf(err) == KindAborted }

// IsMigrationFailed reports whether err came from a failed upgrade callback.
func IsMigrationFailed(err error) bool { return kindOf(err) == KindMigrationFailed }
