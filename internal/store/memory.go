package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinvest/internal/domain"
)

// Memory implements Store with mutex-guarded maps. Used for testing and
// development; not suitable for production (no persistence).
type Memory struct {
	mu        sync.Mutex
	plans     map[string]domain.Plan
	balances  map[uuid.UUID]map[domain.Currency]decimal.Decimal
	ledger    []domain.LedgerEntry
	positions map[uuid.UUID]*domain.Position
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plans:     make(map[string]domain.Plan),
		balances:  make(map[uuid.UUID]map[domain.Currency]decimal.Decimal),
		positions: make(map[uuid.UUID]*domain.Position),
	}
}

func (m *Memory) SeedPlans(_ context.Context, plans []domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range plans {
		if _, exists := m.plans[p.ID]; !exists {
			m.plans[p.ID] = p
		}
	}
	return nil
}

func (m *Memory) ListPlans(_ context.Context, activeOnly bool) ([]domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]domain.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if activeOnly && !p.Active {
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "plan", ID: id}
	}
	return &p, nil
}

func (m *Memory) GetWallet(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &domain.Wallet{
		UserID:    userID,
		Balances:  make(map[domain.Currency]decimal.Decimal),
		UpdatedAt: time.Now().UTC(),
	}
	for c, b := range m.balances[userID] {
		w.Balances[c] = b
	}
	return w, nil
}

// balanceLocked returns the balance for (user, currency). Caller holds mu.
func (m *Memory) balanceLocked(userID uuid.UUID, c domain.Currency) decimal.Decimal {
	if ub, ok := m.balances[userID]; ok {
		if b, ok := ub[c]; ok {
			return b
		}
	}
	return decimal.Zero
}

func (m *Memory) setBalanceLocked(userID uuid.UUID, c domain.Currency, b decimal.Decimal) {
	ub, ok := m.balances[userID]
	if !ok {
		ub = make(map[domain.Currency]decimal.Decimal)
		m.balances[userID] = ub
	}
	ub[c] = b
}

func (m *Memory) Credit(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(entry), nil
}

func (m *Memory) creditLocked(entry domain.LedgerEntry) *domain.LedgerEntry {
	fillEntry(&entry)
	bal := m.balanceLocked(entry.UserID, entry.Currency)
	m.setBalanceLocked(entry.UserID, entry.Currency, bal.Add(entry.NetAmount))
	m.ledger = append(m.ledger, entry)
	return &entry
}

func (m *Memory) CreditIfAbsent(_ context.Context, entry domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.ledger {
		if e.ID == entry.ID {
			return false, nil
		}
	}
	m.creditLocked(entry)
	return true, nil
}

func (m *Memory) Debit(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(entry)
}

func (m *Memory) debitLocked(entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	fillEntry(&entry)
	bal := m.balanceLocked(entry.UserID, entry.Currency)
	if bal.LessThan(entry.NetAmount) {
		return nil, &domain.InsufficientFundsError{
			Currency:  entry.Currency,
			Requested: entry.NetAmount,
			Available: bal,
		}
	}
	m.setBalanceLocked(entry.UserID, entry.Currency, bal.Sub(entry.NetAmount))
	m.ledger = append(m.ledger, entry)
	return &entry, nil
}

func (m *Memory) ListLedger(_ context.Context, userID uuid.UUID, filter LedgerFilter) (*LedgerListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	var cursorTS time.Time
	var cursorID string
	hasCursor := filter.Cursor != ""
	if hasCursor {
		var err error
		if cursorTS, cursorID, err = decodeCursor(filter.Cursor); err != nil {
			return nil, err
		}
	}

	var entries []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.UserID != userID {
			continue
		}
		if filter.Type != "" && string(e.Type) != filter.Type {
			continue
		}
		if filter.Currency != "" && string(e.Currency) != filter.Currency {
			continue
		}
		if filter.Status != "" && string(e.Status) != filter.Status {
			continue
		}
		if filter.Start != nil && e.CreatedAt.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && e.CreatedAt.After(*filter.End) {
			continue
		}
		// Keyset cursor: keep entries strictly before (created_at, id).
		if hasCursor {
			if e.CreatedAt.After(cursorTS) {
				continue
			}
			if e.CreatedAt.Equal(cursorTS) && e.ID.String() >= cursorID {
				continue
			}
		}
		entries = append(entries, e)
	}

	// Newest first, id as tie-break, matching the SQL ORDER BY.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID.String() > entries[j].ID.String()
	})

	result := &LedgerListResult{Entries: entries}
	if len(entries) > filter.Limit {
		result.Entries = entries[:filter.Limit]
		last := result.Entries[len(result.Entries)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID.String())
	}
	if result.Entries == nil {
		result.Entries = []domain.LedgerEntry{}
	}
	return result, nil
}

func (m *Memory) SetLedgerEntryStatus(_ context.Context, id uuid.UUID, status domain.EntryStatus) error {
	if status != domain.EntryCompleted && status != domain.EntryFailed {
		return &domain.ValidationError{Field: "status", Msg: "status must be completed or failed"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.ledger {
		if m.ledger[i].ID != id {
			continue
		}
		if m.ledger[i].Status != domain.EntryPending {
			return &domain.ValidationError{Field: "status", Msg: "only pending entries may transition"}
		}
		m.ledger[i].Status = status
		return nil
	}
	return &domain.NotFoundError{Kind: "ledger entry", ID: id.String()}
}

func (m *Memory) OpenPosition(_ context.Context, pos *domain.Position, debit domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.debitLocked(debit); err != nil {
		return err
	}

	copy := *pos
	m.positions[pos.ID] = &copy
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id uuid.UUID) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "position", ID: id.String()}
	}
	copy := *p
	return &copy, nil
}

func (m *Memory) ListPositions(_ context.Context, userID uuid.UUID, status string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]domain.Position, 0)
	for _, p := range m.positions {
		if p.UserID != userID {
			continue
		}
		if status != "" && status != "all" && string(p.Status) != status {
			continue
		}
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].CreatedAt.After(positions[j].CreatedAt)
	})
	return positions, nil
}

func (m *Memory) ListActivePositions(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var positions []domain.Position
	for _, p := range m.positions {
		if p.Status == domain.PositionActive {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].EndAt.Before(positions[j].EndAt)
	})
	return positions, nil
}

func (m *Memory) UpdateEstimate(_ context.Context, id uuid.UUID, estimate decimal.Decimal, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return &domain.NotFoundError{Kind: "position", ID: id.String()}
	}
	if p.Status != domain.PositionActive {
		return nil
	}
	p.LiveProfitEstimate = estimate
	p.Progress = progress
	return nil
}

func (m *Memory) SettlePosition(_ context.Context, id uuid.UUID, settledProfit decimal.Decimal,
	profitEntry, principalEntry domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return false, &domain.NotFoundError{Kind: "position", ID: id.String()}
	}
	if p.Status != domain.PositionActive {
		return false, nil
	}

	p.Status = domain.PositionCompleted
	p.SettledProfit = settledProfit
	p.LiveProfitEstimate = settledProfit
	p.Progress = 100

	m.creditLocked(profitEntry)
	m.creditLocked(principalEntry)
	return true, nil
}

func (m *Memory) CancelPosition(_ context.Context, id uuid.UUID, refund *domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return false, &domain.NotFoundError{Kind: "position", ID: id.String()}
	}
	if p.Status != domain.PositionActive {
		return false, nil
	}

	p.Status = domain.PositionCancelled
	if refund != nil {
		m.creditLocked(*refund)
	}
	return true, nil
}
