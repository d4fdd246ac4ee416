package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a mutation observes a status other
	// than the one it expected.
	ErrStatusConflict = errors.New("status conflict")

	// ErrDuplicateNumber is returned by a repository when an order or payment
	// number is already taken.
	ErrDuplicateNumber = errors.New("duplicate number")

	// ErrConcurrentModification is returned when optimistic retries are exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ValidationError reports malformed input, keyed by field.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError reports a missing order or payment.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OrderNotFound returns a NotFoundError for an order reference.
func OrderNotFound(ref string) error { return &NotFoundError{Kind: "order", ID: ref} }

// PaymentNotFound returns a NotFoundError for a payment reference.
func PaymentNotFound(ref string) error { return &NotFoundError{Kind: "payment", ID: ref} }
