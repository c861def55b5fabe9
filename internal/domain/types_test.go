package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseCurrency(t *testing.T) {
	for _, valid := range []string{"BTC", "ETH", "USDT", "USD"} {
		if _, err := ParseCurrency(valid); err != nil {
			t.Errorf("ParseCurrency(%q): unexpected error %v", valid, err)
		}
	}
	for _, invalid := range []string{"btc", "DOGE", "", "usdt"} {
		if _, err := ParseCurrency(invalid); err == nil {
			t.Errorf("ParseCurrency(%q): expected error", invalid)
		}
	}
}

func TestExpectedProfit(t *testing.T) {
	p := &Position{
		Principal:  decimal.NewFromInt(1000),
		ROIPercent: decimal.NewFromInt(20),
	}
	if !p.ExpectedProfit().Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected profit 200, got %s", p.ExpectedProfit())
	}
}

func TestDaysRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Position{StartAt: start, EndAt: start.AddDate(0, 0, 10)}

	if got := p.DaysRemaining(start); got != 10 {
		t.Errorf("at start: got %d days remaining, want 10", got)
	}
	if got := p.DaysRemaining(start.AddDate(0, 0, 5)); got != 5 {
		t.Errorf("halfway: got %d days remaining, want 5", got)
	}
	if got := p.DaysRemaining(start.Add(9*24*time.Hour + time.Hour)); got != 1 {
		t.Errorf("final day: got %d days remaining, want 1", got)
	}
	if got := p.DaysRemaining(start.AddDate(0, 0, 11)); got != 0 {
		t.Errorf("past end: got %d days remaining, want 0", got)
	}
}

func TestPlanValidateAmount(t *testing.T) {
	plan := &Plan{
		ID:        "starter",
		MinAmount: decimal.NewFromInt(50),
		MaxAmount: decimal.NewFromInt(5000),
	}

	if err := plan.ValidateAmount(decimal.NewFromInt(100)); err != nil {
		t.Errorf("amount within bounds: unexpected error %v", err)
	}
	if err := plan.ValidateAmount(decimal.NewFromInt(10)); !IsValidation(err) {
		t.Errorf("below minimum: expected ValidationError, got %v", err)
	}
	if err := plan.ValidateAmount(decimal.NewFromInt(10000)); !IsValidation(err) {
		t.Errorf("above maximum: expected ValidationError, got %v", err)
	}
	if err := plan.ValidateAmount(decimal.Zero); !IsValidation(err) {
		t.Errorf("zero amount: expected ValidationError, got %v", err)
	}

	unbounded := &Plan{ID: "elite", MinAmount: decimal.NewFromInt(50)}
	if err := unbounded.ValidateAmount(decimal.NewFromInt(1_000_000)); err != nil {
		t.Errorf("unbounded plan: unexpected error %v", err)
	}
}
