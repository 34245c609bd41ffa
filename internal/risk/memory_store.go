package risk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketplace/integrity-engine/internal/models"
)

// MemoryStore is an in-memory Store used by tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*models.RiskProfile
	events   []*models.RiskEvent
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[uuid.UUID]*models.RiskProfile)}
}

func (s *MemoryStore) GetProfile(_ context.Context, userID uuid.UUID) (*models.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	copied := *profile
	return &copied, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, profile *models.RiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *profile
	s.profiles[profile.UserID] = &copied
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *models.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, &copied)
	return nil
}

func (s *MemoryStore) ResetAllScores(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, profile := range s.profiles {
		profile.RiskScore = 0
		profile.RiskLevel = models.RiskLevelLow
		profile.SignalsFired = nil
	}
	return len(s.profiles), nil
}

// Events returns a copy of the history, newest last.
func (s *MemoryStore) Events() []*models.RiskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.RiskEvent, len(s.events))
	copy(out, s.events)
	return out
}
