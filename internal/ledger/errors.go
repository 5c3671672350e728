package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/throttle"
)

// ErrInvalidRequest is wrapped by every ValidationError.
var ErrInvalidRequest = errors.New("ledger: invalid request")

// ValidationError reports malformed input. Nothing was mutated; the caller
// may retry after correcting the request.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // underlying cause, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidRequest}
	}
	return []error{ErrInvalidRequest, e.Err}
}

// InsufficientFundsError is a business-rule rejection of a buy.
type InsufficientFundsError struct {
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds: needed %s, available %s", e.Needed, e.Available)
}

// Shortfall is Needed - Available.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Needed.Sub(e.Available)
}

// InsufficientSharesError is a business-rule rejection of a sell.
type InsufficientSharesError struct {
	Symbol    string
	Requested int64
	Owned     int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("ledger: insufficient shares of %s: requested %d, owned %d", e.Symbol, e.Requested, e.Owned)
}

// ThrottleViolation is a pre-trade guard rejection.
type ThrottleViolation = throttle.Violation

// NamespaceLockedError rejects mutation of a locked namespace.
type NamespaceLockedError struct {
	Namespace model.Namespace
}

func (e *NamespaceLockedError) Error() string {
	return fmt.Sprintf("ledger: namespace %s is locked", e.Namespace.Key())
}

// ExternalServiceError wraps a price oracle failure. Retryable.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("ledger: %s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error   { return e.Err }
func (e *ExternalServiceError) Retryable() bool { return true }

// LedgerFault is a failure of the atomic commit itself. No partial mutation
// is visible. Retryable.
type LedgerFault struct {
	Op        string
	Namespace model.Namespace
	Err       error
}

func (e *LedgerFault) Error() string {
	return fmt.Sprintf("ledger: %s on %s failed: %v", e.Op, e.Namespace.Key(), e.Err)
}

func (e *LedgerFault) Unwrap() error   { return e.Err }
func (e *LedgerFault) Retryable() bool { return true }

// IsRetryable reports whether err is a transient infrastructure failure
// rather than a rejection.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// isBusinessError reports whether err is one of the typed rejections that
// must be passed through unchanged rather than wrapped as LedgerFault.
func isBusinessError(err error) bool {
	var (
		ve *ValidationError
		fe *InsufficientFundsError
		se *InsufficientSharesError
		le *NamespaceLockedError
		tv *ThrottleViolation
	)
	return errors.As(err, &ve) || errors.As(err, &fe) || errors.As(err, &se) ||
		errors.As(err, &le) || errors.As(err, &tv)
}
