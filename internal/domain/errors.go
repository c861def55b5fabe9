package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports user input that fails plan or amount bounds.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// InsufficientFundsError reports a debit larger than the wallet balance.
type InsufficientFundsError struct {
	Currency  Currency
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: requested %s, available %s",
		e.Currency, e.Requested, e.Available)
}

// NotFoundError reports an unknown plan, position, wallet, or ledger entry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrRateUnavailable signals the external price feed could not be
// reached and no cached rate exists. Callers fall back to constants.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var ie *InsufficientFundsError
	return errors.As(err, &ie)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
