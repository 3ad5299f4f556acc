package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound is wrapped by every resource-missing error so callers can
// branch on errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("not found")

var (
	ErrChallengeNotFound     = fmt.Errorf("challenge %w", ErrNotFound)
	ErrParticipationNotFound = fmt.Errorf("participation %w", ErrNotFound)
	ErrSubmissionNotFound    = fmt.Errorf("submission %w", ErrNotFound)
	ErrEscrowNotFound        = fmt.Errorf("escrow wallet %w", ErrNotFound)
	ErrSettlementNotFound    = fmt.Errorf("settlement %w", ErrNotFound)
	ErrStakeEntryNotFound    = fmt.Errorf("stake transaction %w", ErrNotFound)

	ErrDuplicateSubmission = errors.New("a submission already exists for this day")
	ErrAlreadyJoined       = errors.New("already joined this challenge")
	ErrStakeAlreadyUsed    = errors.New("stake transaction already credited")

	ErrUnauthorized         = errors.New("admin access required")
	ErrSettlementInProgress = errors.New("settlement already in progress for this challenge")
)

// ValidationError is returned before any side effect happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError aborts a whole payout batch.
type InsufficientFundsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientFundsError) Deficit() decimal.Decimal {
	return e.Required.Sub(e.Balance)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient escrow balance: have %s, need %s (deficit %s)",
		e.Balance.StringFixed(USDCDecimals), e.Required.StringFixed(USDCDecimals), e.Deficit().StringFixed(USDCDecimals))
}

// KeyVaultError means an escrow secret could not be recovered. Payouts for
// that challenge must stop.
type KeyVaultError struct {
	Op  string
	Err error
}

func (e *KeyVaultError) Error() string { return fmt.Sprintf("key vault %s: %v", e.Op, e.Err) }
func (e *KeyVaultError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
