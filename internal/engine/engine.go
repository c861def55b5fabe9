// Package engine owns the position lifecycle: accrual math, the live
// profit estimate shown while a position runs, and the one-time
// settlement transition that credits the wallet and writes the audit
// trail.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
	"coinvest/internal/metrics"
	"coinvest/internal/store"
)

// fluctuationPct bounds the random perturbation applied to the live
// estimate, in percent of the base value.
const fluctuationPct = 3

// estimateScale is the decimal precision used for profit values.
const estimateScale = 8

// RateSource converts amounts between currencies. Implemented by
// pricefeed.Feed.
type RateSource interface {
	Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal
}

// Engine computes accrual progress and performs settlement. Safe for
// concurrent use: the settlement guard lives in the store's conditional
// status transition, so sweep and poll may race freely.
type Engine struct {
	store  store.Store
	rates  RateSource
	logger zerolog.Logger

	// now and fluctuate are injectable for deterministic tests.
	now       func() time.Time
	fluctuate func() float64 // uniform in [-1, 1]
}

// New creates an Engine with the default clock and fluctuation source.
func New(st store.Store, rates RateSource) *Engine {
	return &Engine{
		store:     st,
		rates:     rates,
		logger:    log.With().Str("component", "engine").Logger(),
		now:       time.Now,
		fluctuate: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithFluctuation overrides the fluctuation source, which must return
// values in [-1, 1]. Test hook.
func (e *Engine) WithFluctuation(f func() float64) *Engine {
	e.fluctuate = f
	return e
}

// OpenParams are the inputs for opening a position.
type OpenParams struct {
	UserID      uuid.UUID
	PlanID      string
	TradingPair string
	Amount      decimal.Decimal
	Currency    domain.Currency

	// DebitCurrency is the wallet balance to draw from. Defaults to
	// Currency; when different, the debit amount is converted at the
	// current market rate.
	DebitCurrency domain.Currency
}

// OpenPosition validates the request against the plan, debits the
// wallet, and creates an active position. Fails fast with no partial
// state: the debit and the position insert share one transaction.
func (e *Engine) OpenPosition(ctx context.Context, p OpenParams) (*domain.Position, error) {
	plan, err := e.store.GetPlan(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, &domain.ValidationError{Field: "plan_id", Msg: fmt.Sprintf("plan %s is not active", plan.ID)}
	}
	if p.TradingPair == "" {
		return nil, &domain.ValidationError{Field: "trading_pair", Msg: "trading pair is required"}
	}
	if err := plan.ValidateAmount(p.Amount); err != nil {
		return nil, err
	}

	debitCurrency := p.DebitCurrency
	if debitCurrency == "" {
		debitCurrency = p.Currency
	}
	debitAmount := e.rates.Convert(p.Amount, p.Currency, debitCurrency).Round(estimateScale)

	now := e.now().UTC()
	pos := &domain.Position{
		ID:           uuid.New(),
		UserID:       p.UserID,
		PlanID:       plan.ID,
		TradingPair:  p.TradingPair,
		Principal:    p.Amount,
		Currency:     p.Currency,
		ROIPercent:   plan.ROIPercent,
		Status:       domain.PositionActive,
		StartAt:      now,
		EndAt:        now.Add(time.Duration(plan.DurationDays * 24 * float64(time.Hour))),
		DurationDays: plan.DurationDays,
		CreatedAt:    now,
	}

	debit := domain.LedgerEntry{
		UserID:            p.UserID,
		Type:              domain.EntryInvestment,
		Currency:          debitCurrency,
		Amount:            debitAmount,
		Status:            domain.EntryCompleted,
		Description:       fmt.Sprintf("Opened %s position on plan %s", p.TradingPair, plan.ID),
		RelatedPositionID: &pos.ID,
	}

	if err := e.store.OpenPosition(ctx, pos, debit); err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(plan.ID).Inc()
	e.logger.Info().
		Str("position_id", pos.ID.String()).
		Str("user_id", p.UserID.String()).
		Str("plan", plan.ID).
		Str("principal", p.Amount.String()).
		Str("currency", string(p.Currency)).
		Time("end_at", pos.EndAt).
		Msg("position opened")
	return pos, nil
}

// RecomputeProgress refreshes the live profit estimate for a position
// and settles it once matured. Idempotent: calling it any number of
// times, concurrently or not, produces at most one settlement.
// The returned position reflects the new state.
func (e *Engine) RecomputeProgress(ctx context.Context, pos *domain.Position, now time.Time) (*domain.Position, error) {
	if pos.Status != domain.PositionActive {
		return pos, nil
	}

	total := pos.EndAt.Sub(pos.StartAt)
	if total <= 0 {
		return pos, nil
	}

	progress := float64(now.Sub(pos.StartAt)) / float64(total)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	expected := pos.ExpectedProfit()

	if progress >= 1 {
		return e.settle(ctx, pos, expected)
	}

	base := expected.Mul(decimal.NewFromFloat(progress))
	perturbed := base.Add(base.Mul(decimal.NewFromFloat(e.fluctuate() * fluctuationPct / 100)))

	// The fluctuation is display-only and must never escape the
	// monotonic bound.
	estimate := perturbed.Round(estimateScale)
	if estimate.IsNegative() {
		estimate = decimal.Zero
	}
	if estimate.GreaterThan(expected) {
		estimate = expected
	}

	pct := int(progress * 100)
	if err := e.store.UpdateEstimate(ctx, pos.ID, estimate, pct); err != nil {
		return nil, fmt.Errorf("update estimate: %w", err)
	}

	updated := *pos
	updated.LiveProfitEstimate = estimate
	updated.Progress = pct
	return &updated, nil
}

// settle performs the one-time completion transition. settledProfit is
// always the full flat ROI amount, never the fluctuated estimate.
func (e *Engine) settle(ctx context.Context, pos *domain.Position, settledProfit decimal.Decimal) (*domain.Position, error) {
	settledProfit = settledProfit.Round(estimateScale)

	profitEntry := domain.LedgerEntry{
		UserID:            pos.UserID,
		Type:              domain.EntryProfit,
		Currency:          pos.Currency,
		Amount:            settledProfit,
		Status:            domain.EntryCompleted,
		Description:       fmt.Sprintf("Profit credited for completed position %s", pos.ID),
		RelatedPositionID: &pos.ID,
	}
	principalEntry := domain.LedgerEntry{
		UserID:            pos.UserID,
		Type:              domain.EntryPrincipalReturn,
		Currency:          pos.Currency,
		Amount:            pos.Principal,
		Status:            domain.EntryCompleted,
		Description:       fmt.Sprintf("Principal returned for position %s", pos.ID),
		RelatedPositionID: &pos.ID,
	}

	settled, err := e.store.SettlePosition(ctx, pos.ID, settledProfit, profitEntry, principalEntry)
	if err != nil {
		return nil, fmt.Errorf("settle position %s: %w", pos.ID, err)
	}
	if !settled {
		// Another invoker won the transition; fetch its result.
		return e.store.GetPosition(ctx, pos.ID)
	}

	metrics.PositionsSettled.Inc()
	e.logger.Info().
		Str("position_id", pos.ID.String()).
		Str("user_id", pos.UserID.String()).
		Str("profit", settledProfit.String()).
		Str("payout", pos.Principal.Add(settledProfit).String()).
		Str("currency", string(pos.Currency)).
		Msg("position settled")

	updated := *pos
	updated.Status = domain.PositionCompleted
	updated.SettledProfit = settledProfit
	updated.LiveProfitEstimate = settledProfit
	updated.Progress = 100
	return &updated, nil
}

// CancelPosition transitions an active position to cancelled and
// refunds the principal. Refunding is deliberate: the open debit
// already took the funds, and a cancellation without settlement should
// leave the user whole.
func (e *Engine) CancelPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	refund := &domain.LedgerEntry{
		UserID:            pos.UserID,
		Type:              domain.EntryRefund,
		Currency:          pos.Currency,
		Amount:            pos.Principal,
		Status:            domain.EntryCompleted,
		Description:       fmt.Sprintf("Principal refunded for cancelled position %s", pos.ID),
		RelatedPositionID: &pos.ID,
	}

	cancelled, err := e.store.CancelPosition(ctx, id, refund)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, &domain.ValidationError{
			Field: "status",
			Msg:   fmt.Sprintf("position is %s, only active positions can be cancelled", pos.Status),
		}
	}

	metrics.PositionsCancelled.Inc()
	e.logger.Info().
		Str("position_id", id.String()).
		Str("refund", pos.Principal.String()).
		Msg("position cancelled")
	return e.store.GetPosition(ctx, id)
}

// SweepActive recomputes every active position. Per-position failures
// are logged and do not abort the rest of the sweep.
func (e *Engine) SweepActive(ctx context.Context, now time.Time) (swept, settled, failed int) {
	positions, err := e.store.ListActivePositions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list active positions")
		return 0, 0, 0
	}

	remaining := 0
	for i := range positions {
		pos := &positions[i]
		updated, err := e.RecomputeProgress(ctx, pos, now)
		if err != nil {
			failed++
			metrics.SweepErrors.Inc()
			e.logger.Error().Err(err).
				Str("position_id", pos.ID.String()).
				Msg("failed to recompute position")
			continue
		}
		swept++
		if updated.Status == domain.PositionCompleted {
			settled++
		} else if updated.Status == domain.PositionActive {
			remaining++
		}
	}

	metrics.ActivePositions.Set(float64(remaining))
	return swept, settled, failed
}

// PositionReport is the per-position view returned by status polls.
type PositionReport struct {
	ID                 uuid.UUID             `json:"id"`
	TradingPair        string                `json:"trading_pair"`
	PlanID             string                `json:"plan_id"`
	Principal          decimal.Decimal       `json:"principal"`
	Currency           domain.Currency       `json:"currency"`
	ROIPercent         decimal.Decimal       `json:"roi_percent"`
	Status             domain.PositionStatus `json:"status"`
	Progress           int                   `json:"progress"`
	LiveProfitEstimate decimal.Decimal       `json:"live_profit_estimate"`
	FinalProfit        decimal.Decimal       `json:"final_profit"`
	DaysRemaining      int                   `json:"days_remaining"`
	StartAt            time.Time             `json:"start_at"`
	EndAt              time.Time             `json:"end_at"`
}

// StatusReport recomputes the caller's positions synchronously so a
// poll observes up-to-date estimates without waiting for the next
// sweep.
func (e *Engine) StatusReport(ctx context.Context, userID uuid.UUID, status string, now time.Time) ([]PositionReport, error) {
	positions, err := e.store.ListPositions(ctx, userID, status)
	if err != nil {
		return nil, err
	}

	reports := make([]PositionReport, 0, len(positions))
	for i := range positions {
		pos := &positions[i]
		if pos.Status == domain.PositionActive {
			updated, err := e.RecomputeProgress(ctx, pos, now)
			if err != nil {
				e.logger.Error().Err(err).
					Str("position_id", pos.ID.String()).
					Msg("failed to recompute position for status poll")
			} else {
				pos = updated
			}
		}

		final := pos.SettledProfit
		if pos.Status == domain.PositionActive {
			final = pos.ExpectedProfit().Round(estimateScale)
		}

		reports = append(reports, PositionReport{
			ID:                 pos.ID,
			TradingPair:        pos.TradingPair,
			PlanID:             pos.PlanID,
			Principal:          pos.Principal,
			Currency:           pos.Currency,
			ROIPercent:         pos.ROIPercent,
			Status:             pos.Status,
			Progress:           pos.Progress,
			LiveProfitEstimate: pos.LiveProfitEstimate,
			FinalProfit:        final,
			DaysRemaining:      pos.DaysRemaining(now),
			StartAt:            pos.StartAt,
			EndAt:              pos.EndAt,
		})
	}
	return reports, nil
}
