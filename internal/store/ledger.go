package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"coinvest/internal/domain"
)

// ErrInvalidCursor reports a malformed pagination cursor.
var ErrInvalidCursor = errors.New("invalid cursor")

func (r *Repository) insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO coinvest_ledger (id, user_id, type, currency, amount, fee, net_amount,
			status, description, tx_hash, related_position_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.UserID, string(entry.Type), string(entry.Currency),
		entry.Amount, entry.Fee, entry.NetAmount, string(entry.Status),
		entry.Description, nullString(entry.TxHash), entry.RelatedPositionID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListLedger returns a user's ledger entries, newest first, with
// cursor-based pagination.
func (r *Repository) ListLedger(ctx context.Context, userID uuid.UUID, filter LedgerFilter) (*LedgerListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	var conditions []string
	var args []interface{}
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, userID)
	argIdx++

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.Currency != "" {
		conditions = append(conditions, fmt.Sprintf("currency = $%d", argIdx))
		args = append(args, filter.Currency)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Start != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filter.Start)
		argIdx++
	}
	if filter.End != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *filter.End)
		argIdx++
	}

	// Cursor is base64-encoded "created_at|id".
	if filter.Cursor != "" {
		cursorTS, cursorID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf(
			"(created_at, id) < ($%d, $%d)", argIdx, argIdx+1,
		))
		args = append(args, cursorTS, cursorID)
		argIdx += 2
	}

	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT id, user_id, type, currency, amount, fee, net_amount,
			status, description, tx_hash, related_position_id, created_at
		FROM coinvest_ledger
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, where, argIdx)
	args = append(args, filter.Limit+1) // fetch one extra to detect a next page

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var entryType, currency, status string
		var txHash *string
		err := rows.Scan(&e.ID, &e.UserID, &entryType, &currency, &e.Amount,
			&e.Fee, &e.NetAmount, &status, &e.Description, &txHash,
			&e.RelatedPositionID, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = domain.EntryType(entryType)
		e.Currency = domain.Currency(currency)
		e.Status = domain.EntryStatus(status)
		if txHash != nil {
			e.TxHash = *txHash
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	result := &LedgerListResult{}
	if len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
		last := entries[len(entries)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID.String())
	}
	result.Entries = entries
	if result.Entries == nil {
		result.Entries = []domain.LedgerEntry{}
	}
	return result, nil
}

// SetLedgerEntryStatus transitions a pending entry to completed or
// failed. The WHERE clause enforces the pending precondition.
func (r *Repository) SetLedgerEntryStatus(ctx context.Context, id uuid.UUID, status domain.EntryStatus) error {
	if status != domain.EntryCompleted && status != domain.EntryFailed {
		return &domain.ValidationError{Field: "status", Msg: "status must be completed or failed"}
	}

	tag, err := r.pool.Exec(ctx,
		"UPDATE coinvest_ledger SET status = $2 WHERE id = $1 AND status = 'pending'",
		id, string(status))
	if err != nil {
		return fmt.Errorf("update ledger entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var count int
		if err := r.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM coinvest_ledger WHERE id = $1", id).Scan(&count); err != nil {
			return fmt.Errorf("check ledger entry: %w", err)
		}
		if count == 0 {
			return &domain.NotFoundError{Kind: "ledger entry", ID: id.String()}
		}
		return &domain.ValidationError{Field: "status", Msg: "only pending entries may transition"}
	}
	return nil
}

func encodeCursor(ts time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", ts.Format(time.RFC3339Nano), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: bad format", ErrInvalidCursor)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse timestamp: %v", ErrInvalidCursor, err)
	}
	return ts, parts[1], nil
}
