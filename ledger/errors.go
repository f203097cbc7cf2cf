/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages wrap these with context via fmt.Errorf("...: %w").

ERROR CATEGORIES:
  1. Idempotency - duplicates that callers treat as success
  2. Validation - the request was wrong, nothing was written
  3. Integrity - the request would violate a ledger invariant
  4. Lookup - a referenced record does not exist

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned when the ProcessedEvent receipt already exists.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrDuplicateSale is returned when a commission for the same sale reference exists.
	ErrDuplicateSale = errors.New("commission already exists for sale")

	// ErrDuplicateEntry is returned when a wallet entry for the same reference exists.
	ErrDuplicateEntry = errors.New("wallet entry already exists for reference")

	ErrInsufficientFunds = errors.New("insufficient confirmed funds")
	ErrInvalidTransition = errors.New("invalid commission transition")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidEvent      = errors.New("invalid event")

	ErrUnknownWorkspace    = errors.New("unknown workspace")
	ErrUnknownSeller       = errors.New("unknown seller")
	ErrAttributionNotFound = errors.New("attribution not resolvable to an active enrollment")
	ErrMissionNotFound     = errors.New("mission not found")
	ErrNotFound            = errors.New("not found")

	// ErrOverrideForbidden is returned for administrative overrides in production.
	ErrOverrideForbidden = errors.New("override not allowed in this environment")

	// ErrNotPending is returned when a payout, gift card or merchant payment
	// has already reached a final status.
	ErrNotPending = errors.New("record is no longer pending")
	// ErrWrongRail is returned for wallet operations on sellers paid directly.
	ErrWrongRail = errors.New("operation not available on the seller's payout rail")

	ErrBelowMinimum = errors.New("amount below minimum")
	// ErrStaleBatch is returned when a payout batch could not claim all its commissions.
	ErrStaleBatch    = errors.New("payout batch is stale")
	ErrDepthExceeded = errors.New("referral depth exceeded")
	ErrInvalidConfig = errors.New("invalid reward configuration")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a rejected debit.
type InsufficientFundsError struct {
	SellerID  SellerID
	Available Money
	Requested Money
	Shortfall Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient confirmed funds for seller %s: available %d, requested %d, shortfall %d",
		e.SellerID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TransitionError details a forbidden status change.
type TransitionError struct {
	CommissionID CommissionID
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("commission %s: cannot move from %s to %s", e.CommissionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError details a malformed inbound event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDuplicate returns true for idempotent replays.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrDuplicateSale) ||
		errors.Is(err, ErrDuplicateEntry)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownWorkspace) ||
		errors.Is(err, ErrUnknownSeller) ||
		errors.Is(err, ErrAttributionNotFound) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrWrongRail) ||
		errors.Is(err, ErrOverrideForbidden)
}

// IsIntegrityViolation returns true if the request would break a ledger invariant.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrStaleBatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMissionNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleBatch)
}
