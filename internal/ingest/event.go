package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

// Deposit event statuses as published by the payment gateway.
const (
	DepositConfirmed = "confirmed"
	DepositFailed    = "failed"
)

// depositNamespace derives deterministic ledger entry IDs from gateway
// deposit IDs, so redeliveries map to the same entry.
var depositNamespace = uuid.MustParse("7a1c9f2e-4b3d-4e8a-9c5f-2d6b8e0a1f3c")

// DepositEvent is the JSON structure for deposit confirmations received
// via NATS.
type DepositEvent struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Validate checks that the deposit event has all required fields and
// valid values.
func (e *DepositEvent) Validate() error {
	if e.DepositID == "" {
		return fmt.Errorf("missing required field: deposit_id")
	}
	if _, err := uuid.Parse(e.UserID); err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	if _, err := domain.ParseCurrency(e.Currency); err != nil {
		return fmt.Errorf("invalid currency: %w", err)
	}
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", e.Amount)
	}
	if e.Fee != "" {
		fee, err := decimal.NewFromString(e.Fee)
		if err != nil {
			return fmt.Errorf("invalid fee: %w", err)
		}
		if fee.IsNegative() {
			return fmt.Errorf("fee must not be negative, got %s", e.Fee)
		}
	}
	if e.Status != DepositConfirmed && e.Status != DepositFailed {
		return fmt.Errorf("invalid status: %q (must be confirmed or failed)", e.Status)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("missing required field: timestamp")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

// EntryID returns the deterministic ledger entry ID for this deposit.
func (e *DepositEvent) EntryID() uuid.UUID {
	return uuid.NewSHA1(depositNamespace, []byte(e.DepositID))
}

// ToEntry converts a validated DepositEvent to a ledger entry.
func (e *DepositEvent) ToEntry() (domain.LedgerEntry, error) {
	userID, err := uuid.Parse(e.UserID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse user_id: %w", err)
	}
	currency, err := domain.ParseCurrency(e.Currency)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse amount: %w", err)
	}
	fee := decimal.Zero
	if e.Fee != "" {
		if fee, err = decimal.NewFromString(e.Fee); err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("parse fee: %w", err)
		}
	}

	return domain.LedgerEntry{
		ID:          e.EntryID(),
		UserID:      userID,
		Type:        domain.EntryDeposit,
		Currency:    currency,
		Amount:      amount,
		Fee:         fee,
		Status:      domain.EntryCompleted,
		Description: fmt.Sprintf("Deposit %s confirmed", e.DepositID),
		TxHash:      e.TxHash,
	}, nil
}
