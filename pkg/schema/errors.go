package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the category for all field-level validation failures.
	// Match with errors.Is; the concrete error is a *ValidationError.
	ErrValidation = errors.New("event validation failed")

	// ErrUnknownType is returned in strict mode when the record's type tag
	// does not name a registered event type.
	ErrUnknownType = errors.New("unknown event type")
)

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event validation failed: field %q %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnknownTypeError reports a strict-mode rejection of an unregistered type tag.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}
