package withdrawal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketplace/integrity-engine/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*models.WithdrawalRequest
	stats    map[string]*models.MonthlyWithdrawalStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uuid.UUID]*models.WithdrawalRequest),
		stats:    make(map[string]*models.MonthlyWithdrawalStats),
	}
}

func (s *MemoryStore) Insert(_ context.Context, req *models.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, req *models.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*models.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WithdrawalRequest
	for _, req := range s.requests {
		if len(out) >= limit {
			break
		}
		if req.Status != models.WithdrawalPendingReview || req.ManualReviewOnly {
			continue
		}
		if req.RiskLevelAtCreation != models.RiskLevelMedium && req.RiskLevelAtCreation != models.RiskLevelHigh {
			continue
		}
		if req.PauseExpiresAt().After(now) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WithdrawalRequest
	for _, req := range s.requests {
		if req.UserID != userID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MonthlyStats(_ context.Context, userID uuid.UUID, month string) (*models.MonthlyWithdrawalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stats[statsKey(userID, month)]; ok {
		cp := *st
		return &cp, nil
	}
	return &models.MonthlyWithdrawalStats{
		UserID:        userID,
		Month:         month,
		FiatWithdrawn: decimal.Zero,
	}, nil
}

func (s *MemoryStore) AccumulateMonthly(_ context.Context, userID uuid.UUID, month string, tokens int64, fiat decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(userID, month)
	st, ok := s.stats[key]
	if !ok {
		st = &models.MonthlyWithdrawalStats{
			UserID:        userID,
			Month:         month,
			FiatWithdrawn: decimal.Zero,
		}
		s.stats[key] = st
	}
	st.TokensWithdrawn += tokens
	st.FiatWithdrawn = st.FiatWithdrawn.Add(fiat)
	st.WithdrawalCount++
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func statsKey(userID uuid.UUID, month string) string {
	return userID.String() + "/" + month
}

// MemoryWallet is an in-memory WalletStore whose Burn is atomic under a
// single mutex, matching the conditional-update semantics of the SQL
// implementation.
type MemoryWallet struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*models.WalletSnapshot
	ledger  []*models.LedgerTransaction
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{wallets: make(map[uuid.UUID]*models.WalletSnapshot)}
}

// SetWallet seeds a wallet state.
func (w *MemoryWallet) SetWallet(snapshot models.WalletSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := snapshot
	w.wallets[snapshot.UserID] = &cp
}

func (w *MemoryWallet) Snapshot(_ context.Context, userID uuid.UUID) (*models.WalletSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot, ok := w.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet not found for user %s", userID)
	}
	cp := *snapshot
	return &cp, nil
}

func (w *MemoryWallet) Burn(_ context.Context, userID, withdrawalID uuid.UUID, tokens int64) (*models.LedgerTransaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot, ok := w.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet not found for user %s", userID)
	}
	if snapshot.Balance < tokens {
		return nil, fmt.Errorf("insufficient balance: have %d, need %d", snapshot.Balance, tokens)
	}
	snapshot.Balance -= tokens
	snapshot.TotalWithdrawn += tokens
	entry := &models.LedgerTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		WithdrawalID: withdrawalID,
		Tokens:       tokens,
		BalanceAfter: snapshot.Balance,
		CreatedAt:    time.Now().UTC(),
	}
	w.ledger = append(w.ledger, entry)
	return entry, nil
}

// Ledger returns the burn records written so far.
func (w *MemoryWallet) Ledger() []*models.LedgerTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*models.LedgerTransaction, len(w.ledger))
	copy(out, w.ledger)
	return out
}

// MemoryLocker is a process-local Locker for tests and single-node runs.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Lock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
