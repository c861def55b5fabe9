package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"coinvest/internal/domain"
)

const planColumns = "id, name, category, roi_percent, min_amount, max_amount, duration, duration_days, active"

// SeedPlans inserts catalog plans that do not already exist.
func (r *Repository) SeedPlans(ctx context.Context, plans []domain.Plan) error {
	for _, p := range plans {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO coinvest_plans (id, name, category, roi_percent, min_amount, max_amount, duration, duration_days, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Name, p.Category, p.ROIPercent, p.MinAmount, p.MaxAmount, p.Duration, p.DurationDays, p.Active)
		if err != nil {
			return fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
	}
	return nil
}

// ListPlans returns plans ordered by minimum amount.
func (r *Repository) ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error) {
	query := "SELECT " + planColumns + " FROM coinvest_plans ORDER BY min_amount, id"
	if activeOnly {
		query = "SELECT " + planColumns + " FROM coinvest_plans WHERE active ORDER BY min_amount, id"
	}

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := []domain.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// GetPlan retrieves a plan by ID.
func (r *Repository) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+planColumns+" FROM coinvest_plans WHERE id = $1", id)
	p, err := scanPlan(row)
	if err == pgx.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "plan", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.ROIPercent, &p.MinAmount,
		&p.MaxAmount, &p.Duration, &p.DurationDays, &p.Active)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &p, nil
}
