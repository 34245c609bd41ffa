package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketplace/integrity-engine/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*models.AuditLogEntry
	anomalies []*models.SuspiciousAnomaly
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) CountViolationEntries(_ context.Context, userID uuid.UUID, since time.Time, limit int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	scanned := 0
	for i := len(s.entries) - 1; i >= 0 && scanned < limit; i-- {
		entry := s.entries[i]
		if entry.CreatedAt.Before(since) {
			break
		}
		scanned++
		if entry.UserID == userID && entry.HasViolations() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListEntriesInWindow(_ context.Context, since, until time.Time, limit int) ([]*models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuditLogEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.entries[i]
		if entry.CreatedAt.Before(since) || !entry.CreatedAt.Before(until) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) InsertAnomaly(_ context.Context, anomaly *models.SuspiciousAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *anomaly
	s.anomalies = append(s.anomalies, &cp)
	return nil
}

func (s *MemoryStore) CountAnomaliesInWindow(_ context.Context, since, until time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.anomalies {
		if !a.CreatedAt.Before(since) && a.CreatedAt.Before(until) {
			count++
		}
	}
	return count, nil
}

// Entries returns the audit trail written so far.
func (s *MemoryStore) Entries() []*models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AuditLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Anomalies returns the anomalies raised so far.
func (s *MemoryStore) Anomalies() []*models.SuspiciousAnomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SuspiciousAnomaly, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}
