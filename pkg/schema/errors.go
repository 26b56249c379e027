package schema

import (
	"errors"
	"fmt"
)

// Errors shared by every ontoq component. Callers match them with errors.Is;
// call sites add context with fmt.Errorf("%w: ...").
var (
	// ErrSchema is returned for invalid or conflicting type definitions.
	ErrSchema = errors.New("schema error")

	// ErrNotFound is returned when a type, object, link or function is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when adding an object whose primary key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTypeMismatch is returned when an operation mixes incompatible object types.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrValidation is returned for invalid values, arguments or cardinality.
	ErrValidation = errors.New("validation error")

	// ErrUniqueConstraint is returned when a unique index already holds a value.
	// It wraps ErrValidation.
	ErrUniqueConstraint = fmt.Errorf("%w: unique constraint violated", ErrValidation)

	// ErrUnsupportedOperation is returned for unknown aggregation functions and
	// index kinds.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrResolution is returned when a derived property cannot be resolved.
	ErrResolution = errors.New("resolution error")

	// ErrPermissionDenied is returned when the permission checker rejects a principal.
	ErrPermissionDenied = errors.New("permission denied")
)
