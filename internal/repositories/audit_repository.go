package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/marketplace/integrity-engine/internal/models"
)

// AuditRepository handles the append-only audit log and the anomalies
// derived from it. Rows are never updated or deleted.
type AuditRepository struct {
	db *Database
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendEntry writes one audit entry.
func (r *AuditRepository) AppendEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	query := `
		INSERT INTO audit_logs (
			id, event_type, user_id, actor_id, module, decision,
			violation_kinds, max_severity, detail, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detailBytes, _ := entry.Detail.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID,
		entry.EventType,
		entry.UserID,
		entry.ActorID,
		entry.Module,
		entry.Decision,
		pq.Array(entry.ViolationKinds),
		entry.MaxSeverity,
		detailBytes,
		entry.RequestID,
		entry.CreatedAt,
	)

	return err
}

// CountViolationEntries counts a user's violation-bearing entries since
// the cutoff, over at most limit recent rows.
func (r *AuditRepository) CountViolationEntries(ctx context.Context, userID uuid.UUID, since time.Time, limit int) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT 1
			FROM audit_logs
			WHERE user_id = $1
			  AND created_at >= $2
			  AND cardinality(violation_kinds) > 0
			ORDER BY created_at DESC
			LIMIT $3
		) recent
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, since, limit).Scan(&count)
	return count, err
}

// ListEntriesInWindow retrieves entries with since <= created_at < until.
func (r *AuditRepository) ListEntriesInWindow(ctx context.Context, since, until time.Time, limit int) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT id, event_type, user_id, actor_id, module, decision,
			   violation_kinds, max_severity, detail, request_id, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// GetByRequestID retrieves the full trail for one request.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT id, event_type, user_id, actor_id, module, decision,
			   violation_kinds, max_severity, detail, request_id, created_at
		FROM audit_logs
		WHERE request_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// InsertAnomaly persists a new anomaly.
func (r *AuditRepository) InsertAnomaly(ctx context.Context, anomaly *models.SuspiciousAnomaly) error {
	query := `
		INSERT INTO anomalies (
			id, user_id, type, category, severity, triggering_detail,
			auto_actions_taken, resolved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	detailBytes, _ := anomaly.TriggeringDetail.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		anomaly.ID,
		anomaly.UserID,
		anomaly.Type,
		anomaly.Category,
		anomaly.Severity,
		detailBytes,
		pq.Array(anomaly.AutoActionsTaken),
		anomaly.Resolved,
		anomaly.CreatedAt,
	)

	return err
}

// CountAnomaliesInWindow counts anomalies created inside the window.
func (r *AuditRepository) CountAnomaliesInWindow(ctx context.Context, since, until time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM anomalies WHERE created_at >= $1 AND created_at < $2`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, since, until).Scan(&count)
	return count, err
}

// ListUnresolvedAnomalies retrieves open anomalies for the review queue.
func (r *AuditRepository) ListUnresolvedAnomalies(ctx context.Context, limit int) ([]*models.SuspiciousAnomaly, error) {
	query := `
		SELECT id, user_id, type, category, severity, triggering_detail,
			   auto_actions_taken, resolved, resolved_by, created_at
		FROM anomalies
		WHERE resolved = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*models.SuspiciousAnomaly
	for rows.Next() {
		a := &models.SuspiciousAnomaly{}
		var detailBytes []byte
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.Type,
			&a.Category,
			&a.Severity,
			&detailBytes,
			pq.Array(&a.AutoActionsTaken),
			&a.Resolved,
			&a.ResolvedBy,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.TriggeringDetail.Scan(detailBytes)
		anomalies = append(anomalies, a)
	}

	return anomalies, rows.Err()
}

// ResolveAnomaly marks an anomaly as reviewed.
func (r *AuditRepository) ResolveAnomaly(ctx context.Context, id, reviewerID uuid.UUID) error {
	query := `UPDATE anomalies SET resolved = TRUE, resolved_by = $2 WHERE id = $1 AND resolved = FALSE`

	_, err := r.db.Pool.Exec(ctx, query, id, reviewerID)
	return err
}

func scanAuditEntries(rows pgx.Rows) ([]*models.AuditLogEntry, error) {
	var entries []*models.AuditLogEntry
	for rows.Next() {
		entry := &models.AuditLogEntry{}
		var detailBytes []byte

		if err := rows.Scan(
			&entry.ID,
			&entry.EventType,
			&entry.UserID,
			&entry.ActorID,
			&entry.Module,
			&entry.Decision,
			pq.Array(&entry.ViolationKinds),
			&entry.MaxSeverity,
			&detailBytes,
			&entry.RequestID,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		entry.Detail.Scan(detailBytes)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
