package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/marketplace/integrity-engine/internal/models"
)

// KYCRepository reads verification state written by the KYC pipeline.
// The lifecycle manager only ever snapshots it.
type KYCRepository struct {
	db *Database
}

// NewKYCRepository creates a new KYC repository
func NewKYCRepository(db *Database) *KYCRepository {
	return &KYCRepository{db: db}
}

// Snapshot returns the user's current verification state. A user with
// no KYC record is reported as PENDING, not as an error.
func (r *KYCRepository) Snapshot(ctx context.Context, userID uuid.UUID) (models.KYCSnapshot, error) {
	query := `
		SELECT status, age_verified, payout_method
		FROM kyc_verifications
		WHERE user_id = $1
	`

	var snap models.KYCSnapshot
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&snap.Status,
		&snap.AgeVerified,
		&snap.PayoutMethod,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.KYCSnapshot{Status: models.KYCPending}, nil
	}
	if err != nil {
		return models.KYCSnapshot{}, fmt.Errorf("failed to read KYC state: %w", err)
	}

	return snap, nil
}
