/*
errors.go - Error taxonomy for ledger operations

PURPOSE:
  All ledger errors in one place. Callers classify with errors.Is against
  the sentinels; structured errors carry the context needed for messages.

ERROR CATEGORIES:
  1. ErrValidation        Malformed or missing input
  2. ErrNotFound          Referenced record missing or inactive
  3. ErrInvalidState      Operation illegal from the current status
  4. ErrAlreadyCancelled  Cancelling something already cancelled
                          (also matches ErrInvalidState)
  5. ErrExceedsAvailable  Refund larger than what the payment can give back
  6. ErrIntegrity         Derived amounts violate conservation; a bug

USAGE:
  if errors.Is(err, ledger.ErrNotFound) { ... }

  var exceeded *ledger.ExceedsAvailableError
  if errors.As(err, &exceeded) {
      fmt.Println(exceeded.Available)
  }

SEE ALSO:
  - api/handlers.go: Maps sentinels to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyCancelled is a refinement of ErrInvalidState.
	ErrAlreadyCancelled = errors.New("already cancelled")

	ErrExceedsAvailable = errors.New("exceeds available amount")

	// ErrIntegrity marks a violated money invariant. Never user-facing.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrDuplicateReference is returned by stores when a unique reference or
	// receipt index rejects a write.
	ErrDuplicateReference = errors.New("duplicate reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DomainError is returned for client-visible failures.
type DomainError struct {
	Kind    error // one of the sentinels above
	Entity  string
	ID      string
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Entity, e.ID, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Entity, e.Kind)
}

func (e *DomainError) Unwrap() error { return e.Kind }

// Is lets an AlreadyCancelled error also satisfy errors.Is(err, ErrInvalidState).
func (e *DomainError) Is(target error) bool {
	return e.Kind == ErrAlreadyCancelled && target == ErrInvalidState
}

// ExceedsAvailableError reports a refund that is larger than the payment's
// available-for-refund amount.
type ExceedsAvailableError struct {
	PaymentID string
	Available money.Money
	Requested money.Money
}

func (e *ExceedsAvailableError) Error() string {
	return fmt.Sprintf("refund amount %s exceeds available amount %s", e.Requested, e.Available)
}

func (e *ExceedsAvailableError) Unwrap() error { return ErrExceedsAvailable }

// IntegrityError describes a broken invariant found while deriving amounts.
type IntegrityError struct {
	Entity string
	ID     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func validationf(format string, args ...any) error {
	return &DomainError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(entity, id string) error {
	return &DomainError{Kind: ErrNotFound, Entity: entity, ID: id,
		Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func invalidState(entity, id, format string, args ...any) error {
	return &DomainError{Kind: ErrInvalidState, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

func alreadyCancelled(entity, id, message string) error {
	return &DomainError{Kind: ErrAlreadyCancelled, Entity: entity, ID: id, Message: message}
}

// NotFoundError is exported for store implementations.
func NotFoundError(entity, id string) error { return notFound(entity, id) }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input or
// an illegal request for the current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExceedsAvailable) ||
		errors.Is(err, ErrDuplicateReference)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
