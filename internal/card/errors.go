package card

import (
	"fmt"
	"strings"
)

// ValidationError signals malformed or missing caller input. It is surfaced
// to the caller as-is and never retried.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

// NewValidationError builds a ValidationError with optional offending fields.
func NewValidationError(message string, fields ...string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// NotFoundError signals that a referenced card, orphan record, or patient
// does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// NewNotFoundError builds a NotFoundError for the given entity and id.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError signals an operation attempted against a card whose
// current status does not permit it.
type InvalidStateError struct {
	Message string
	Status  Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s (current status: %s)", e.Message, e.Status)
}

// NewInvalidStateError builds an InvalidStateError.
func NewInvalidStateError(message string, status Status) *InvalidStateError {
	return &InvalidStateError{Message: message, Status: status}
}

// PersistenceError wraps a failed persistence-gateway call with enough
// context to diagnose (operation, entity, id). Not retried at this layer.
type PersistenceError struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("persistence error in %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("persistence error in %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
