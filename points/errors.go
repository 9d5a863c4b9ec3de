/*
errors.go - Error taxonomy for the points engine

PURPOSE:
  All error kinds in one place. Callers branch with errors.Is on the
  sentinels; the structured types carry the details for logs and APIs.

ERROR KINDS:
  ValidationError        malformed input (non-positive amount, missing field)
  NotFoundError          unknown wallet, benefit or user
  InsufficientFundsError balance would go negative
  OutOfStockError        benefit stock is zero
  InactiveBenefitError   benefit disabled
  RedemptionFailedError  storage failure during redemption, after compensation
  ConsistencyError       a compensating action failed; state may have drifted
  CanceledError          the caller went away before the operation finished

PROPAGATION:
  Validation and not-found errors are returned immediately.
  Transient errors (lock timeouts, busy database, serialization failures)
  are retried a bounded number of times before they surface.
  Compensations always run before an error is returned.

SEE ALSO:
  - retry.go: bounded retry loop using IsRetryable
  - ../api/errors.go: HTTP status mapping
*/
package points

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInactiveBenefit   = errors.New("benefit inactive")
	ErrRedemptionFailed  = errors.New("redemption failed")

	// ErrConsistency marks a failed compensating action. Always escalated.
	ErrConsistency = errors.New("consistency alarm")

	// ErrTransient marks storage failures that may succeed on retry.
	ErrTransient = errors.New("transient storage failure")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction with
	// the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrBalanceOverflow is returned by stores when a credit would push the
	// balance past the int64 range.
	ErrBalanceOverflow = &ValidationError{Field: "amount", Reason: "balance would overflow"}

	// ErrDuplicateWallet is returned by stores when the user already has a wallet.
	ErrDuplicateWallet = errors.New("wallet already exists for user")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Resource string // "wallet", "benefit", "user"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientFundsError struct {
	WalletID  WalletID
	Balance   int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: balance %d, requested %d",
		e.WalletID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type OutOfStockError struct {
	BenefitID BenefitID
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("benefit %s is out of stock", e.BenefitID)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

type InactiveBenefitError struct {
	BenefitID BenefitID
}

func (e *InactiveBenefitError) Error() string {
	return fmt.Sprintf("benefit %s is not active", e.BenefitID)
}

func (e *InactiveBenefitError) Unwrap() error { return ErrInactiveBenefit }

// RedemptionFailedError is returned after a storage failure inside the
// redemption sequence, once every compensating action has completed.
type RedemptionFailedError struct {
	Step string // "reserve_stock", "debit"
	Err  error
}

func (e *RedemptionFailedError) Error() string {
	return fmt.Sprintf("redemption failed at %s: %v", e.Step, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *RedemptionFailedError) Unwrap() []error {
	return []error{ErrRedemptionFailed, e.Err}
}

// ConsistencyError reports a compensating action that did not complete.
// The original failure is kept in Cause.
type ConsistencyError struct {
	Action string // "release_stock", "reverse_debit", "reconcile"
	Target string
	Err    error
	Cause  error
}

func (e *ConsistencyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("consistency alarm: %s on %s failed: %v", e.Action, e.Target, e.Err)
	}
	return fmt.Sprintf("consistency alarm: %s on %s failed: %v (after: %v)",
		e.Action, e.Target, e.Err, e.Cause)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// TransientError wraps a storage error that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInactiveBenefit) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorKind returns the stable name of the error kind, used as the machine
// readable error code at the API boundary.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConsistency):
		return "ConsistencyError"
	case errors.Is(err, ErrRedemptionFailed):
		return "RedemptionFailedError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFundsError"
	case errors.Is(err, ErrOutOfStock):
		return "OutOfStockError"
	case errors.Is(err, ErrInactiveBenefit):
		return "InactiveBenefitError"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "DuplicateIdempotencyKeyError"
	case errors.Is(err, ErrTransient):
		return "TransientError"
	case errors.Is(err, context.Canceled):
		return "CanceledError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	default:
		return "InternalError"
	}
}
