package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrAccountClosed       = errors.New("account closed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrLimitExceeded       = errors.New("transfer limit exceeded")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
	ErrDuplicateKey        = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a uniqueness or serialization
	// check caught a race. The whole unit of work is safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// ValidationError reports a request that can never succeed as submitted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InsufficientFundsError carries the shortfall of a rejected debit.
type InsufficientFundsError struct {
	AccountID string
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// LimitExceededError names the account limit a debit would break. Used is
// what the window already spent; it is zero for the per-transaction limit.
type LimitExceededError struct {
	AccountID string
	Limit     string
	Max       int64
	Used      int64
	Requested int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit on %s exceeded: max %d, used %d, requested %d",
		e.Limit, e.AccountID, e.Max, e.Used, e.Requested)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// IsBusinessRejection reports whether err is a terminal business outcome
// (the wallet refused the leg) rather than an infrastructure failure.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrAccountFrozen) ||
		errors.Is(err, ErrAccountClosed) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCurrencyMismatch)
}

// IsValidation reports whether err is due to invalid client input.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidAmount)
}

// IsRetryable reports whether the same unit of work may succeed if run again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// RejectionCode maps a business rejection to the stable code carried on
// rejected events.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrLimitExceeded):
		return "LIMIT_EXCEEDED"
	case errors.Is(err, ErrAccountFrozen):
		return "ACCOUNT_FROZEN"
	case errors.Is(err, ErrAccountClosed):
		return "ACCOUNT_CLOSED"
	case errors.Is(err, ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrCurrencyMismatch):
		return "CURRENCY_MISMATCH"
	}
	return "REJECTED"
}
