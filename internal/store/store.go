// Package store defines the persistence interface for the investment
// core. PostgreSQL is the source of truth; an in-memory implementation
// backs unit tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

// LedgerFilter narrows a ledger listing.
type LedgerFilter struct {
	Type     string
	Currency string
	Status   string
	Start    *time.Time
	End      *time.Time
	Cursor   string
	Limit    int
}

// LedgerListResult contains paginated ledger entries.
type LedgerListResult struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Store is the persistence interface. Every wallet mutation goes through
// Credit/Debit (or the transactional position operations built on them),
// which atomically apply the balance delta and append the ledger entry.
type Store interface {
	// --- Plan catalog ---

	// SeedPlans inserts catalog plans that do not already exist.
	SeedPlans(ctx context.Context, plans []domain.Plan) error

	// ListPlans returns plans, optionally only active ones.
	ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error)

	// GetPlan retrieves a plan by ID.
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)

	// --- Wallets ---

	// GetWallet returns all balances for a user. A user with no history
	// gets a wallet with zero balances, never a NotFoundError.
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)

	// Credit applies entry.NetAmount to the wallet balance and appends
	// the entry. Never fails for any amount.
	Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)

	// CreditIfAbsent is Credit keyed on entry.ID: a replayed entry is a
	// no-op. Returns true if the credit was applied.
	CreditIfAbsent(ctx context.Context, entry domain.LedgerEntry) (bool, error)

	// Debit subtracts entry.NetAmount from the wallet balance and
	// appends the entry. Fails with InsufficientFundsError and no state
	// change if the balance is short.
	Debit(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)

	// --- Ledger ---

	// ListLedger returns a user's ledger entries, newest first, with
	// cursor pagination.
	ListLedger(ctx context.Context, userID uuid.UUID, filter LedgerFilter) (*LedgerListResult, error)

	// SetLedgerEntryStatus transitions a pending entry to completed or
	// failed. Any other transition is rejected.
	SetLedgerEntryStatus(ctx context.Context, id uuid.UUID, status domain.EntryStatus) error

	// --- Positions ---

	// OpenPosition debits the wallet and creates the position in one
	// transaction. A failed debit leaves no position; a failed insert
	// rolls the debit back.
	OpenPosition(ctx context.Context, pos *domain.Position, debit domain.LedgerEntry) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)

	// ListPositions returns a user's positions, newest first. status
	// may be "active", "completed", "cancelled", or "all".
	ListPositions(ctx context.Context, userID uuid.UUID, status string) ([]domain.Position, error)

	// ListActivePositions returns every active position (sweep input).
	ListActivePositions(ctx context.Context) ([]domain.Position, error)

	// UpdateEstimate stores the recomputed live profit estimate and
	// progress. Silently ignored for non-active positions.
	UpdateEstimate(ctx context.Context, id uuid.UUID, estimate decimal.Decimal, progress int) error

	// SettlePosition performs the one-time completion transition as a
	// single unit: flip active -> completed, set settledProfit, credit
	// the payout, append the profit and principal-return entries.
	// Returns false without side effects if the position is no longer
	// active (another invoker settled or cancelled it first).
	SettlePosition(ctx context.Context, id uuid.UUID, settledProfit decimal.Decimal,
		profitEntry, principalEntry domain.LedgerEntry) (bool, error)

	// CancelPosition transitions active -> cancelled. A non-nil refund
	// entry credits the principal back in the same transaction. Returns
	// false without side effects if the position is not active.
	CancelPosition(ctx context.Context, id uuid.UUID, refund *domain.LedgerEntry) (bool, error)
}

// fillEntry assigns ID, NetAmount, and CreatedAt defaults before an
// entry is persisted.
func fillEntry(e *domain.LedgerEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.NetAmount = e.Amount.Sub(e.Fee)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = domain.EntryCompleted
	}
}
