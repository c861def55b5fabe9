package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
	"coinvest/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// flatRates converts 1:1 regardless of currency. Positions in these
// tests keep principal and debit in the same currency, so conversion
// never matters.
type flatRates struct{}

func (flatRates) Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal {
	return amount
}

func testPlan() domain.Plan {
	return domain.Plan{
		ID:           "growth",
		Name:         "Growth",
		Category:     "standard",
		ROIPercent:   d(20),
		MinAmount:    d(100),
		MaxAmount:    d(50000),
		Duration:     "10d",
		DurationDays: 10,
		Active:       true,
	}
}

func newTestEngine(t *testing.T, now time.Time) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	if err := st.SeedPlans(context.Background(), []domain.Plan{testPlan()}); err != nil {
		t.Fatalf("seed plans: %v", err)
	}
	eng := New(st, flatRates{}).
		WithClock(func() time.Time { return now }).
		WithFluctuation(func() float64 { return 0 })
	return eng, st
}

func fund(t *testing.T, st store.Store, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal) {
	t.Helper()
	_, err := st.Credit(context.Background(), domain.LedgerEntry{
		UserID:   userID,
		Type:     domain.EntryDeposit,
		Currency: currency,
		Amount:   amount,
	})
	if err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func TestOpenPositionDebitsWallet(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1500))

	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID:      userID,
		PlanID:      "growth",
		TradingPair: "BTC/USDT",
		Amount:      d(1000),
		Currency:    domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	if pos.Status != domain.PositionActive {
		t.Errorf("status = %s, want active", pos.Status)
	}
	if !pos.EndAt.Equal(start.Add(10 * 24 * time.Hour)) {
		t.Errorf("end_at = %v, want %v", pos.EndAt, start.Add(10*24*time.Hour))
	}
	if want := d(200); !pos.ExpectedProfit().Equal(want) {
		t.Errorf("expected profit = %s, want %s", pos.ExpectedProfit(), want)
	}

	w, err := st.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(500)) {
		t.Errorf("balance after open = %s, want 500", got)
	}

	res, err := st.ListLedger(ctx, userID, store.LedgerFilter{Type: string(domain.EntryInvestment)})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("investment entries = %d, want 1", len(res.Entries))
	}
	if res.Entries[0].RelatedPositionID == nil || *res.Entries[0].RelatedPositionID != pos.ID {
		t.Error("investment entry not linked to position")
	}
}

func TestOpenPositionValidation(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t, time.Now())

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(100000))

	cases := []struct {
		name   string
		params OpenParams
	}{
		{"below minimum", OpenParams{UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT", Amount: d(50), Currency: domain.CurrencyUSDT}},
		{"above maximum", OpenParams{UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT", Amount: d(60000), Currency: domain.CurrencyUSDT}},
		{"missing trading pair", OpenParams{UserID: userID, PlanID: "growth", Amount: d(1000), Currency: domain.CurrencyUSDT}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := eng.OpenPosition(ctx, tc.params); !domain.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}

	t.Run("unknown plan", func(t *testing.T) {
		_, err := eng.OpenPosition(ctx, OpenParams{UserID: userID, PlanID: "nope", TradingPair: "BTC/USDT", Amount: d(1000), Currency: domain.CurrencyUSDT})
		if !domain.IsNotFound(err) {
			t.Errorf("err = %v, want not found", err)
		}
	})

	t.Run("failures leave no positions", func(t *testing.T) {
		positions, err := st.ListPositions(ctx, userID, "")
		if err != nil {
			t.Fatalf("list positions: %v", err)
		}
		if len(positions) != 0 {
			t.Errorf("positions = %d, want 0", len(positions))
		}
	})
}

func TestOpenPositionInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t, time.Now())

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(300))

	_, err := eng.OpenPosition(ctx, OpenParams{
		UserID:      userID,
		PlanID:      "growth",
		TradingPair: "BTC/USDT",
		Amount:      d(1000),
		Currency:    domain.CurrencyUSDT,
	})
	if !domain.IsInsufficientFunds(err) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}

	w, _ := st.GetWallet(ctx, userID)
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(300)) {
		t.Errorf("balance = %s, want 300 untouched", got)
	}
	positions, _ := st.ListPositions(ctx, userID, "")
	if len(positions) != 0 {
		t.Errorf("positions = %d, want 0", len(positions))
	}
}

func TestRecomputeProgressMidway(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	// Halfway through a 10-day term with zero fluctuation the estimate
	// is exactly half the 20% flat profit.
	halfway := start.Add(5 * 24 * time.Hour)
	updated, err := eng.RecomputeProgress(ctx, pos, halfway)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if updated.Progress != 50 {
		t.Errorf("progress = %d, want 50", updated.Progress)
	}
	if !updated.LiveProfitEstimate.Equal(d(100)) {
		t.Errorf("estimate = %s, want 100", updated.LiveProfitEstimate)
	}
	if updated.Status != domain.PositionActive {
		t.Errorf("status = %s, want active", updated.Status)
	}

	// Store must hold the same values.
	stored, err := st.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !stored.LiveProfitEstimate.Equal(d(100)) || stored.Progress != 50 {
		t.Errorf("stored estimate/progress = %s/%d, want 100/50", stored.LiveProfitEstimate, stored.Progress)
	}
}

func TestEstimateStaysWithinBounds(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	expected := pos.ExpectedProfit()

	// Maximum downward fluctuation at the very start must clamp to zero.
	eng.WithFluctuation(func() float64 { return -1 })
	early, err := eng.RecomputeProgress(ctx, pos, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("recompute early: %v", err)
	}
	if early.LiveProfitEstimate.IsNegative() {
		t.Errorf("estimate = %s, negative", early.LiveProfitEstimate)
	}

	// Maximum upward fluctuation near maturity must clamp to expected.
	eng.WithFluctuation(func() float64 { return 1 })
	late, err := eng.RecomputeProgress(ctx, pos, start.Add(10*24*time.Hour-time.Minute))
	if err != nil {
		t.Fatalf("recompute late: %v", err)
	}
	if late.LiveProfitEstimate.GreaterThan(expected) {
		t.Errorf("estimate = %s exceeds expected %s", late.LiveProfitEstimate, expected)
	}
}

func TestSettlementPaysFullProfit(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	// Fluctuation must not bleed into the settled amount.
	eng.WithFluctuation(func() float64 { return -1 })

	settled, err := eng.RecomputeProgress(ctx, pos, start.Add(11*24*time.Hour))
	if err != nil {
		t.Fatalf("recompute past maturity: %v", err)
	}
	if settled.Status != domain.PositionCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
	if !settled.SettledProfit.Equal(d(200)) {
		t.Errorf("settled profit = %s, want 200", settled.SettledProfit)
	}
	if settled.Progress != 100 {
		t.Errorf("progress = %d, want 100", settled.Progress)
	}

	w, _ := st.GetWallet(ctx, userID)
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(1200)) {
		t.Errorf("balance after settlement = %s, want 1200", got)
	}

	profit, _ := st.ListLedger(ctx, userID, store.LedgerFilter{Type: string(domain.EntryProfit)})
	ret, _ := st.ListLedger(ctx, userID, store.LedgerFilter{Type: string(domain.EntryPrincipalReturn)})
	if len(profit.Entries) != 1 || len(ret.Entries) != 1 {
		t.Fatalf("profit/principal entries = %d/%d, want 1/1", len(profit.Entries), len(ret.Entries))
	}
	if !profit.Entries[0].Amount.Equal(d(200)) {
		t.Errorf("profit entry amount = %s, want 200", profit.Entries[0].Amount)
	}
	if !ret.Entries[0].Amount.Equal(d(1000)) {
		t.Errorf("principal entry amount = %s, want 1000", ret.Entries[0].Amount)
	}
}

func TestSettlementExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	mature := start.Add(11 * 24 * time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *pos
			if _, err := eng.RecomputeProgress(ctx, &snapshot, mature); err != nil {
				t.Errorf("concurrent recompute: %v", err)
			}
		}()
	}
	wg.Wait()

	w, _ := st.GetWallet(ctx, userID)
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(1200)) {
		t.Errorf("balance = %s, want 1200 exactly once", got)
	}
	profit, _ := st.ListLedger(ctx, userID, store.LedgerFilter{Type: string(domain.EntryProfit)})
	if len(profit.Entries) != 1 {
		t.Errorf("profit entries = %d, want exactly 1", len(profit.Entries))
	}
}

func TestCancelRefundsPrincipal(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	cancelled, err := eng.CancelPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.PositionCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	w, _ := st.GetWallet(ctx, userID)
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(1000)) {
		t.Errorf("balance after cancel = %s, want 1000 refunded", got)
	}

	// Terminal: a second cancel and a late sweep both leave it alone.
	if _, err := eng.CancelPosition(ctx, pos.ID); !domain.IsValidation(err) {
		t.Errorf("second cancel err = %v, want validation error", err)
	}
	after, err := eng.RecomputeProgress(ctx, cancelled, start.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("recompute cancelled: %v", err)
	}
	if after.Status != domain.PositionCancelled {
		t.Errorf("status after late sweep = %s, want cancelled", after.Status)
	}
	w, _ = st.GetWallet(ctx, userID)
	if got := w.Balance(domain.CurrencyUSDT); !got.Equal(d(1000)) {
		t.Errorf("balance after late sweep = %s, want 1000", got)
	}
}

func TestSweepActiveSettlesMatured(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(3000))

	open := func() *domain.Position {
		pos, err := eng.OpenPosition(ctx, OpenParams{
			UserID: userID, PlanID: "growth", TradingPair: "BTC/USDT",
			Amount: d(1000), Currency: domain.CurrencyUSDT,
		})
		if err != nil {
			t.Fatalf("open position: %v", err)
		}
		return pos
	}
	first := open()
	open()

	// Age the first position past maturity by rewriting its window.
	aged := *first
	aged.StartAt = start.Add(-11 * 24 * time.Hour)
	aged.EndAt = start.Add(-24 * time.Hour)
	if _, err := eng.RecomputeProgress(ctx, &aged, start); err != nil {
		t.Fatalf("settle aged: %v", err)
	}

	swept, settled, failed := eng.SweepActive(ctx, start.Add(5*24*time.Hour))
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1 remaining active", swept)
	}
	if settled != 0 {
		t.Errorf("settled = %d, want 0", settled)
	}

	active, _ := st.ListActivePositions(ctx)
	if len(active) != 1 {
		t.Errorf("active positions = %d, want 1", len(active))
	}
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, st := newTestEngine(t, start)

	userID := uuid.New()
	fund(t, st, userID, domain.CurrencyUSDT, d(1000))
	pos, err := eng.OpenPosition(ctx, OpenParams{
		UserID: userID, PlanID: "growth", TradingPair: "ETH/USDT",
		Amount: d(1000), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	reports, err := eng.StatusReport(ctx, userID, "", start.Add(5*24*time.Hour))
	if err != nil {
		t.Fatalf("status report: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0]
	if r.ID != pos.ID {
		t.Errorf("report id = %s, want %s", r.ID, pos.ID)
	}
	if r.Progress != 50 {
		t.Errorf("progress = %d, want 50", r.Progress)
	}
	if !r.LiveProfitEstimate.Equal(d(100)) {
		t.Errorf("estimate = %s, want 100", r.LiveProfitEstimate)
	}
	if !r.FinalProfit.Equal(d(200)) {
		t.Errorf("final profit = %s, want 200", r.FinalProfit)
	}
	if r.DaysRemaining != 5 {
		t.Errorf("days remaining = %d, want 5", r.DaysRemaining)
	}
}
