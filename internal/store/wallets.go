package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

// GetWallet returns all balances for a user. Users with no history get
// a wallet with zero balances.
func (r *Repository) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT currency, balance, updated_at FROM coinvest_wallets WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	defer rows.Close()

	w := &domain.Wallet{
		UserID:    userID,
		Balances:  make(map[domain.Currency]decimal.Decimal),
		UpdatedAt: time.Now().UTC(),
	}
	for rows.Next() {
		var currency string
		var balance decimal.Decimal
		var updatedAt time.Time
		if err := rows.Scan(&currency, &balance, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet row: %w", err)
		}
		w.Balances[domain.Currency(currency)] = balance
		if updatedAt.After(w.UpdatedAt) {
			w.UpdatedAt = updatedAt
		}
	}
	return w, rows.Err()
}

// Credit applies the entry's net amount to the wallet and appends the
// ledger entry in one transaction.
func (r *Repository) Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := r.creditTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return e, nil
}

// CreditIfAbsent is Credit keyed on entry.ID; replays are no-ops.
func (r *Repository) CreditIfAbsent(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	fillEntry(&entry)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO coinvest_ledger (id, user_id, type, currency, amount, fee, net_amount,
			status, description, tx_hash, related_position_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.UserID, string(entry.Type), string(entry.Currency),
		entry.Amount, entry.Fee, entry.NetAmount, string(entry.Status),
		entry.Description, nullString(entry.TxHash), entry.RelatedPositionID, entry.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := r.applyCredit(ctx, tx, entry.UserID, entry.Currency, entry.NetAmount); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit credit: %w", err)
	}
	return true, nil
}

// Debit subtracts the entry's net amount and appends the ledger entry
// in one transaction. Fails with InsufficientFundsError if short.
func (r *Repository) Debit(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := r.debitTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return e, nil
}

// creditTx applies a credit inside an existing transaction.
func (r *Repository) creditTx(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	fillEntry(&entry)
	if err := r.applyCredit(ctx, tx, entry.UserID, entry.Currency, entry.NetAmount); err != nil {
		return nil, err
	}
	if err := r.insertLedgerEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// debitTx applies a debit inside an existing transaction. The balance
// check and decrement are one conditional UPDATE, so concurrent debits
// of the same wallet cannot lose updates or go negative.
func (r *Repository) debitTx(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	fillEntry(&entry)

	tag, err := tx.Exec(ctx, `
		UPDATE coinvest_wallets
		SET balance = balance - $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND balance >= $3
	`, entry.UserID, string(entry.Currency), entry.NetAmount)
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var available decimal.Decimal
		err := tx.QueryRow(ctx,
			"SELECT balance FROM coinvest_wallets WHERE user_id = $1 AND currency = $2",
			entry.UserID, string(entry.Currency),
		).Scan(&available)
		if err == pgx.ErrNoRows {
			available = decimal.Zero
		} else if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		return nil, &domain.InsufficientFundsError{
			Currency:  entry.Currency,
			Requested: entry.NetAmount,
			Available: available,
		}
	}

	if err := r.insertLedgerEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) applyCredit(ctx context.Context, tx pgx.Tx, userID uuid.UUID,
	currency domain.Currency, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO coinvest_wallets (user_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, currency)
		DO UPDATE SET balance = coinvest_wallets.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, string(currency), amount)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
