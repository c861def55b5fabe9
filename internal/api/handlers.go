package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
	"coinvest/internal/engine"
	"coinvest/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "error",
				"error":  "database unreachable",
			})
			return
		}
	}

	if s.nc != nil && !s.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "NATS disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	plans, err := s.store.ListPlans(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

type openPositionRequest struct {
	PlanID        string `json:"plan_id"`
	TradingPair   string `json:"trading_pair"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	DebitCurrency string `json:"debit_currency,omitempty"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var debitCurrency domain.Currency
	if req.DebitCurrency != "" {
		if debitCurrency, err = domain.ParseCurrency(req.DebitCurrency); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	pos, err := s.engine.OpenPosition(r.Context(), engine.OpenParams{
		UserID:        userID,
		PlanID:        req.PlanID,
		TradingPair:   req.TradingPair,
		Amount:        amount,
		Currency:      currency,
		DebitCurrency: debitCurrency,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", "all":
		status = ""
	case string(domain.PositionActive), string(domain.PositionCompleted), string(domain.PositionCancelled):
	default:
		writeError(w, http.StatusBadRequest, "invalid status: must be active, completed, cancelled, or all")
		return
	}

	reports, err := s.engine.StatusReport(r.Context(), userID, status, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleCancelPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	positionID, err := uuid.Parse(chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pos.UserID != userID {
		writeError(w, http.StatusNotFound, fmt.Sprintf("position %s not found", positionID))
		return
	}

	cancelled, err := s.engine.CancelPosition(r.Context(), positionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

type walletResponse struct {
	UserID    uuid.UUID                           `json:"user_id"`
	Balances  map[domain.Currency]decimal.Decimal `json:"balances"`
	USDTotal  decimal.Decimal                     `json:"usd_total"`
	RatesAsOf time.Time                           `json:"rates_as_of"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	wallet, err := s.store.GetWallet(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{
		UserID:    wallet.UserID,
		Balances:  wallet.Balances,
		USDTotal:  s.feed.USDValue(wallet.Balances),
		RatesAsOf: s.feed.AsOf(),
		UpdatedAt: wallet.UpdatedAt,
	})
}

type walletMutationRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Fee      string `json:"fee,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

func (r *walletMutationRequest) parse() (domain.Currency, decimal.Decimal, decimal.Decimal, error) {
	currency, err := domain.ParseCurrency(r.Currency)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("invalid amount")
	}
	if !amount.IsPositive() {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("amount must be positive")
	}
	fee := decimal.Zero
	if r.Fee != "" {
		if fee, err = decimal.NewFromString(r.Fee); err != nil {
			return "", decimal.Zero, decimal.Zero, fmt.Errorf("invalid fee")
		}
		if fee.IsNegative() {
			return "", decimal.Zero, decimal.Zero, fmt.Errorf("fee must not be negative")
		}
	}
	return currency, amount, fee, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req walletMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	currency, amount, fee, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := s.store.Credit(r.Context(), domain.LedgerEntry{
		UserID:      userID,
		Type:        domain.EntryDeposit,
		Currency:    currency,
		Amount:      amount,
		Fee:         fee,
		Status:      domain.EntryCompleted,
		Description: "Manual deposit",
		TxHash:      req.TxHash,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req walletMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	currency, amount, fee, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Withdrawals debit immediately but stay pending until the payout
	// clears off-platform.
	entry, err := s.store.Debit(r.Context(), domain.LedgerEntry{
		UserID:      userID,
		Type:        domain.EntryWithdrawal,
		Currency:    currency,
		Amount:      amount,
		Fee:         fee,
		Status:      domain.EntryPending,
		Description: "Withdrawal requested",
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	filter := store.LedgerFilter{
		Type:     q.Get("type"),
		Currency: q.Get("currency"),
		Status:   q.Get("status"),
		Cursor:   q.Get("cursor"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filter.Start = &t
	}

	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filter.End = &t
	}

	result, err := s.store.ListLedger(r.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not running")
		return
	}
	s.sweeper.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return userID, true
}
