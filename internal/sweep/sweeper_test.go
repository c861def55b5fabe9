package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
	"coinvest/internal/engine"
	"coinvest/internal/store"
)

type flatRates struct{}

func (flatRates) Convert(amount decimal.Decimal, from, to domain.Currency) decimal.Decimal {
	return amount
}

func TestRunOnceSettlesMaturedPositions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.SeedPlans(ctx, []domain.Plan{{
		ID: "starter", Name: "Starter", Category: "standard",
		ROIPercent: decimal.NewFromInt(10), MinAmount: decimal.NewFromInt(10),
		Duration: "7d", DurationDays: 7, Active: true,
	}}); err != nil {
		t.Fatalf("seed plans: %v", err)
	}

	// Open with a clock in the past so the position is already mature
	// when the sweep reads the real wall clock.
	opened := time.Now().Add(-8 * 24 * time.Hour)
	eng := engine.New(st, flatRates{}).
		WithClock(func() time.Time { return opened }).
		WithFluctuation(func() float64 { return 0 })

	userID := uuid.New()
	if _, err := st.Credit(ctx, domain.LedgerEntry{
		UserID: userID, Type: domain.EntryDeposit,
		Currency: domain.CurrencyUSDT, Amount: decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
	pos, err := eng.OpenPosition(ctx, engine.OpenParams{
		UserID: userID, PlanID: "starter", TradingPair: "BTC/USDT",
		Amount: decimal.NewFromInt(500), Currency: domain.CurrencyUSDT,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}

	New(eng, time.Minute).RunOnce(ctx)

	settled, err := st.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if settled.Status != domain.PositionCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
	w, err := st.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if want := decimal.NewFromInt(550); !w.Balance(domain.CurrencyUSDT).Equal(want) {
		t.Errorf("balance = %s, want %s", w.Balance(domain.CurrencyUSDT), want)
	}
}
