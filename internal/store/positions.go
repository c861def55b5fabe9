package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

const positionColumns = `id, user_id, plan_id, trading_pair, principal, currency, roi_percent,
	settled_profit, live_profit_estimate, progress, status, start_at, end_at,
	duration_days, profit_withdrawn, withdrawn_at, created_at`

// OpenPosition debits the wallet and creates the position in one
// transaction, so a failed insert rolls the debit back.
func (r *Repository) OpenPosition(ctx context.Context, pos *domain.Position, debit domain.LedgerEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.debitTx(ctx, tx, debit); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO coinvest_positions (id, user_id, plan_id, trading_pair, principal,
			currency, roi_percent, settled_profit, live_profit_estimate, progress,
			status, start_at, end_at, duration_days, profit_withdrawn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, pos.ID, pos.UserID, pos.PlanID, pos.TradingPair, pos.Principal,
		string(pos.Currency), pos.ROIPercent, pos.SettledProfit, pos.LiveProfitEstimate,
		pos.Progress, string(pos.Status), pos.StartAt, pos.EndAt, pos.DurationDays,
		pos.ProfitWithdrawn, pos.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit open position: %w", err)
	}
	return nil
}

// GetPosition retrieves a position by ID.
func (r *Repository) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM coinvest_positions WHERE id = $1", id)
	pos, err := scanPosition(row)
	if err == pgx.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "position", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// ListPositions returns a user's positions, newest first.
func (r *Repository) ListPositions(ctx context.Context, userID uuid.UUID, status string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + ` FROM coinvest_positions
		WHERE user_id = $1 ORDER BY created_at DESC`
	args := []interface{}{userID}
	if status != "" && status != "all" {
		query = "SELECT " + positionColumns + ` FROM coinvest_positions
			WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC`
		args = append(args, status)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := []domain.Position{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

// ListActivePositions returns every active position ordered by maturity.
func (r *Repository) ListActivePositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+positionColumns+" FROM coinvest_positions WHERE status = 'active' ORDER BY end_at")
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

// UpdateEstimate stores the recomputed live estimate. The status guard
// keeps a racing settlement from being overwritten with stale display
// values.
func (r *Repository) UpdateEstimate(ctx context.Context, id uuid.UUID, estimate decimal.Decimal, progress int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE coinvest_positions
		SET live_profit_estimate = $2, progress = $3
		WHERE id = $1 AND status = 'active'
	`, id, estimate, progress)
	if err != nil {
		return fmt.Errorf("update estimate: %w", err)
	}
	return nil
}

// SettlePosition performs the one-time completion transition. The
// conditional UPDATE is the settlement guard: only the caller whose
// UPDATE affects a row credits the wallet and writes the ledger
// entries, all inside one transaction.
func (r *Repository) SettlePosition(ctx context.Context, id uuid.UUID, settledProfit decimal.Decimal,
	profitEntry, principalEntry domain.LedgerEntry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE coinvest_positions
		SET status = 'completed', settled_profit = $2, live_profit_estimate = $2, progress = 100
		WHERE id = $1 AND status = 'active'
	`, id, settledProfit)
	if err != nil {
		return false, fmt.Errorf("settle position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: another sweep or poll already settled it.
		return false, nil
	}

	if _, err := r.creditTx(ctx, tx, profitEntry); err != nil {
		return false, err
	}
	if _, err := r.creditTx(ctx, tx, principalEntry); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit settlement: %w", err)
	}
	return true, nil
}

// CancelPosition transitions active -> cancelled, optionally refunding
// the principal in the same transaction.
func (r *Repository) CancelPosition(ctx context.Context, id uuid.UUID, refund *domain.LedgerEntry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE coinvest_positions SET status = 'cancelled'
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if refund != nil {
		if _, err := r.creditTx(ctx, tx, *refund); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cancel: %w", err)
	}
	return true, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var currency, status string
	err := row.Scan(&p.ID, &p.UserID, &p.PlanID, &p.TradingPair, &p.Principal,
		&currency, &p.ROIPercent, &p.SettledProfit, &p.LiveProfitEstimate,
		&p.Progress, &status, &p.StartAt, &p.EndAt, &p.DurationDays,
		&p.ProfitWithdrawn, &p.WithdrawnAt, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.Currency = domain.Currency(currency)
	p.Status = domain.PositionStatus(status)
	return &p, nil
}
