package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/risk"
)

// RiskProfileRepository persists the per-user current risk snapshot and
// the append-only computation history. It implements risk.Store.
type RiskProfileRepository struct {
	db *Database
}

// NewRiskProfileRepository creates a new risk profile repository
func NewRiskProfileRepository(db *Database) *RiskProfileRepository {
	return &RiskProfileRepository{db: db}
}

// GetProfile retrieves the current snapshot for a user.
func (r *RiskProfileRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*models.RiskProfile, error) {
	query := `
		SELECT user_id, risk_score, risk_level, unlock_status, failed_criteria,
			   identity_verified, signals_fired, next_audit_date, computed_at
		FROM risk_profiles
		WHERE user_id = $1
	`

	profile := &models.RiskProfile{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.RiskScore,
		&profile.RiskLevel,
		&profile.UnlockStatus,
		pq.Array(&profile.FailedCriteria),
		&profile.IdentityVerified,
		pq.Array(&profile.SignalsFired),
		&profile.NextAuditDate,
		&profile.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, risk.ErrProfileNotFound
		}
		return nil, err
	}

	return profile, nil
}

// SaveProfile overwrites the current snapshot. Each computation is
// deterministic from its inputs, so last-writer-wins is correct.
func (r *RiskProfileRepository) SaveProfile(ctx context.Context, profile *models.RiskProfile) error {
	query := `
		INSERT INTO risk_profiles (
			user_id, risk_score, risk_level, unlock_status, failed_criteria,
			identity_verified, signals_fired, next_audit_date, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			unlock_status = EXCLUDED.unlock_status,
			failed_criteria = EXCLUDED.failed_criteria,
			identity_verified = EXCLUDED.identity_verified,
			signals_fired = EXCLUDED.signals_fired,
			next_audit_date = EXCLUDED.next_audit_date,
			computed_at = EXCLUDED.computed_at
	`

	_, err := r.db.Pool.Exec(ctx, query,
		profile.UserID,
		profile.RiskScore,
		profile.RiskLevel,
		profile.UnlockStatus,
		pq.Array(profile.FailedCriteria),
		profile.IdentityVerified,
		pq.Array(profile.SignalsFired),
		profile.NextAuditDate,
		profile.ComputedAt,
	)

	return err
}

// AppendEvent records one computation in the immutable history.
func (r *RiskProfileRepository) AppendEvent(ctx context.Context, event *models.RiskEvent) error {
	query := `
		INSERT INTO risk_events (
			id, user_id, risk_score, risk_level, unlock_status, signals_fired, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		event.ID,
		event.UserID,
		event.RiskScore,
		event.RiskLevel,
		event.UnlockStatus,
		pq.Array(event.SignalsFired),
		event.CreatedAt,
	)

	return err
}

// ResetAllScores zeroes every numeric score for the monthly reset while
// leaving unlock_status untouched.
func (r *RiskProfileRepository) ResetAllScores(ctx context.Context) (int, error) {
	query := `
		UPDATE risk_profiles
		SET risk_score = 0,
			risk_level = $1,
			signals_fired = '{}',
			computed_at = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, models.RiskLevelLow, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListEvents retrieves a user's computation history, newest first.
func (r *RiskProfileRepository) ListEvents(ctx context.Context, userID uuid.UUID, limit int) ([]*models.RiskEvent, error) {
	query := `
		SELECT id, user_id, risk_score, risk_level, unlock_status, signals_fired, created_at
		FROM risk_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RiskEvent
	for rows.Next() {
		event := &models.RiskEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.UserID,
			&event.RiskScore,
			&event.RiskLevel,
			&event.UnlockStatus,
			pq.Array(&event.SignalsFired),
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
