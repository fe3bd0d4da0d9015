/*
errors.go - Centralized error types for the economy engine

PURPOSE:
  All outcomes other than success are typed errors, never panics. Callers
  branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Expected, user-facing: ErrRejectedDuplicate, ErrInsufficientFunds,
     ErrDebitFailed, ErrQuoteRejected, ErrGrantLocked, ErrUnknownGrant
  2. Transient infrastructure: ErrStorageUnavailable, ErrConcurrentModification
  3. Saga outcomes: ErrCompensated (rolled back, consistent) and
     ErrCompensationFailed (inconsistent, needs an operator)

USAGE:
    _, err := engine.Exchange(ctx, req)
    var cf *economy.CompensationFailedError
    if errors.As(err, &cf) {
        // "please contact support", quote cf.CorrelationID
    }

SEE ALSO:
  - saga.go: Produces the saga outcome errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package economy

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a delta would leave a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStorageUnavailable covers I/O failures, remote errors and timeouts.
	// A timed-out call is a failure, never a success by assumption.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownLedgerKind is returned for a ledger name the engine does not serve.
	ErrUnknownLedgerKind = errors.New("unknown ledger kind")

	// ErrUnsupportedDebit is returned for a negative delta on the remote orbs ledger.
	ErrUnsupportedDebit = errors.New("debit not supported on this ledger")

	// ErrInvalidAmount is returned for non-positive amounts where a positive one is required.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPrincipal is returned for an empty or malformed principal.
	ErrInvalidPrincipal = errors.New("invalid principal")

	// ErrRejectedDuplicate means the grant was already paid. Not an error state.
	ErrRejectedDuplicate = errors.New("reward already claimed")

	// ErrFailed means the reward could not be applied; nothing was recorded,
	// so the claim may be retried.
	ErrFailed = errors.New("reward grant failed")

	// ErrUnknownGrant is returned when the catalog has no reward for a grant key.
	ErrUnknownGrant = errors.New("unknown grant")

	// ErrGrantLocked is returned when a grant exists but is not claimable yet.
	ErrGrantLocked = errors.New("grant not yet available")

	// ErrDuplicateGrant is returned by GrantStore.PutGrant when the record exists.
	ErrDuplicateGrant = errors.New("duplicate grant record")

	// ErrQuoteRejected is returned for invalid exchange input.
	ErrQuoteRejected = errors.New("quote rejected")

	// ErrDebitFailed is returned when the first saga step fails. No state changed.
	ErrDebitFailed = errors.New("debit failed")

	// ErrCompensated means the credit step failed and the debit was refunded.
	ErrCompensated = errors.New("exchange rolled back")

	// ErrCompensationFailed means the refund failed too; the principal is left
	// debited with nothing credited.
	ErrCompensationFailed = errors.New("exchange compensation failed")

	// ErrConcurrentModification is returned when a document version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrJackpotNotFound is returned for a jackpot id that was never written.
	ErrJackpotNotFound = errors.New("jackpot not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	Ledger    LedgerKind
	Principal Principal
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %d, requested %d, shortfall %d",
		e.Ledger, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StorageError wraps the underlying I/O or network failure.
type StorageError struct {
	Op     string
	Ledger LedgerKind
	Err    error
}

func (e *StorageError) Error() string {
	if e.Ledger != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Ledger, ErrStorageUnavailable, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStorageUnavailable, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// QuoteError explains why a quote was rejected.
type QuoteError struct {
	Reason string
}

func (e *QuoteError) Error() string { return fmt.Sprintf("quote rejected: %s", e.Reason) }
func (e *QuoteError) Unwrap() error { return ErrQuoteRejected }

// DebitFailedError wraps the failure of the saga's debit step.
type DebitFailedError struct {
	CorrelationID string
	Ledger        LedgerKind
	Cause         error
}

func (e *DebitFailedError) Error() string {
	return fmt.Sprintf("debit %s failed: %v", e.Ledger, e.Cause)
}

func (e *DebitFailedError) Unwrap() []error { return []error{ErrDebitFailed, e.Cause} }

// CompensatedError carries the original credit failure of a rolled back saga.
type CompensatedError struct {
	CorrelationID string
	Cause         error
}

func (e *CompensatedError) Error() string {
	return fmt.Sprintf("exchange %s rolled back: %v", e.CorrelationID, e.Cause)
}

func (e *CompensatedError) Unwrap() []error { return []error{ErrCompensated, e.Cause} }

// CompensationFailedError is the severe saga outcome: the refund failed after
// the credit failed. It is never retried automatically.
type CompensationFailedError struct {
	CorrelationID string
	Principal     Principal
	Ledger        LedgerKind
	Amount        int64
	CreditErr     error
	RefundErr     error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("exchange %s: refund of %d %s to %s failed: %v (credit error: %v)",
		e.CorrelationID, e.Amount, e.Ledger, e.Principal, e.RefundErr, e.CreditErr)
}

func (e *CompensationFailedError) Unwrap() error { return ErrCompensationFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// A failed compensation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCompensationFailed) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrFailed)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDebitFailed) && !errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrRejectedDuplicate) ||
		errors.Is(err, ErrQuoteRejected) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPrincipal) ||
		errors.Is(err, ErrUnsupportedDebit) ||
		errors.Is(err, ErrGrantLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownLedgerKind) ||
		errors.Is(err, ErrUnknownGrant) ||
		errors.Is(err, ErrJackpotNotFound)
}
