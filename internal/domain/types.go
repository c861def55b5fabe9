package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is the fixed set of currencies a wallet can hold.
type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyETH  Currency = "ETH"
	CurrencyUSDT Currency = "USDT"
	CurrencyUSD  Currency = "USD"
)

// Currencies lists every supported currency.
var Currencies = []Currency{CurrencyBTC, CurrencyETH, CurrencyUSDT, CurrencyUSD}

// ParseCurrency validates and normalizes a currency code.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(s) {
	case CurrencyBTC, CurrencyETH, CurrencyUSDT, CurrencyUSD:
		return Currency(s), nil
	}
	return "", &ValidationError{Field: "currency", Msg: fmt.Sprintf("unsupported currency %q", s)}
}

// PositionStatus represents the lifecycle state of a position.
// Transitions are forward-only: active -> completed, active -> cancelled.
type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
	PositionCancelled PositionStatus = "cancelled"
)

// Position is a single simulated investment: principal committed against
// a plan for a fixed term at a flat ROI.
type Position struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	PlanID      string          `json:"plan_id"`
	TradingPair string          `json:"trading_pair"`
	Principal   decimal.Decimal `json:"principal"`
	Currency    Currency        `json:"currency"`
	ROIPercent  decimal.Decimal `json:"roi_percent"`

	// SettledProfit is authoritative and written exactly once, at the
	// active -> completed transition.
	SettledProfit decimal.Decimal `json:"settled_profit"`

	// LiveProfitEstimate is the continuously recomputed display value.
	// Never used for settlement.
	LiveProfitEstimate decimal.Decimal `json:"live_profit_estimate"`

	// Progress is the accrual progress in whole percent, 0-100.
	Progress int `json:"progress"`

	Status       PositionStatus `json:"status"`
	StartAt      time.Time      `json:"start_at"`
	EndAt        time.Time      `json:"end_at"`
	DurationDays float64        `json:"duration_days"`

	ProfitWithdrawn bool       `json:"profit_withdrawn"`
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ExpectedProfit returns the full flat-ROI profit for the term.
func (p *Position) ExpectedProfit() decimal.Decimal {
	return p.Principal.Mul(p.ROIPercent).Div(decimal.NewFromInt(100))
}

// DaysRemaining returns whole days left until maturity, never negative.
func (p *Position) DaysRemaining(now time.Time) int {
	if !now.Before(p.EndAt) {
		return 0
	}
	remaining := p.EndAt.Sub(now)
	days := int(remaining.Hours() / 24)
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// Wallet holds per-currency balances for one user. USDTotal is derived
// from the price feed and is best-effort, never authoritative.
type Wallet struct {
	UserID    uuid.UUID                    `json:"user_id"`
	Balances  map[Currency]decimal.Decimal `json:"balances"`
	USDTotal  decimal.Decimal              `json:"usd_total"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// Balance returns the balance for a currency, zero if never credited.
func (w *Wallet) Balance(c Currency) decimal.Decimal {
	if b, ok := w.Balances[c]; ok {
		return b
	}
	return decimal.Zero
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit         EntryType = "deposit"
	EntryWithdrawal      EntryType = "withdrawal"
	EntryInvestment      EntryType = "investment"
	EntryProfit          EntryType = "profit"
	EntryPrincipalReturn EntryType = "principal-return"
	EntryRefund          EntryType = "refund"
	EntryFee             EntryType = "fee"
	EntryBonus           EntryType = "bonus"
)

// EntryStatus is the state of a ledger entry. Entries are otherwise
// immutable; only pending entries may move to completed or failed.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// LedgerEntry is one append-only record of a balance-affecting event.
type LedgerEntry struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Type              EntryType       `json:"type"`
	Currency          Currency        `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	Status            EntryStatus     `json:"status"`
	Description       string          `json:"description"`
	TxHash            string          `json:"tx_hash,omitempty"`
	RelatedPositionID *uuid.UUID      `json:"related_position_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Plan is a catalog entry defining what positions may be opened against
// it. Positions snapshot ROI and duration at open time, so later plan
// edits never affect existing positions.
type Plan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	ROIPercent   decimal.Decimal `json:"roi_percent"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"` // zero means unbounded
	Duration     string          `json:"duration"`
	DurationDays float64         `json:"duration_days"`
	Active       bool            `json:"active"`
}

// ValidateAmount checks a proposed principal against the plan bounds.
func (p *Plan) ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "amount", Msg: "amount must be positive"}
	}
	if amount.LessThan(p.MinAmount) {
		return &ValidationError{
			Field: "amount",
			Msg:   fmt.Sprintf("amount %s below plan minimum %s", amount, p.MinAmount),
		}
	}
	if p.MaxAmount.IsPositive() && amount.GreaterThan(p.MaxAmount) {
		return &ValidationError{
			Field: "amount",
			Msg:   fmt.Sprintf("amount %s above plan maximum %s", amount, p.MaxAmount),
		}
	}
	return nil
}
