package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/marketplace/integrity-engine/internal/models"
)

// Store persists append-only audit entries and the anomalies derived
// from them. Entries are never updated or deleted.
type Store interface {
	AppendEntry(ctx context.Context, entry *models.AuditLogEntry) error

	// CountViolationEntries counts the user's violation-bearing entries
	// written since the cutoff, scanning at most limit rows.
	CountViolationEntries(ctx context.Context, userID uuid.UUID, since time.Time, limit int) (int, error)

	// ListEntriesInWindow returns entries with since <= created_at < until,
	// newest first, capped at limit.
	ListEntriesInWindow(ctx context.Context, since, until time.Time, limit int) ([]*models.AuditLogEntry, error)

	InsertAnomaly(ctx context.Context, anomaly *models.SuspiciousAnomaly) error
	CountAnomaliesInWindow(ctx context.Context, since, until time.Time) (int, error)
}

// StreamPublisher forwards audit events to the Redis stream so
// downstream consumers can react off the request path.
type StreamPublisher interface {
	Publish(ctx context.Context, event *models.AuditEvent) error
}

// AccountGuard applies a protective action to a user account. The
// account subsystem owns the actual enforcement.
type AccountGuard interface {
	Apply(ctx context.Context, userID uuid.UUID, action string) error
}

// Notifier delivers reviewer-facing notifications.
type Notifier interface {
	NotifyReviewers(ctx context.Context, subject string, detail map[string]interface{}) error
}
