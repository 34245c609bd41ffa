package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
)

// RestrictionRepository records protective restrictions on accounts.
// Restrictions are additive flags the marketplace surfaces consult;
// only a reviewer lifts them.
type RestrictionRepository struct {
	db *Database
}

// NewRestrictionRepository creates a new restriction repository
func NewRestrictionRepository(db *Database) *RestrictionRepository {
	return &RestrictionRepository{db: db}
}

// Apply records one protective action against the user. Applying an
// action that is already active refreshes its timestamp.
func (r *RestrictionRepository) Apply(ctx context.Context, userID uuid.UUID, action string) error {
	query := `
		INSERT INTO account_restrictions (id, user_id, action, applied_at, lifted_at)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (user_id, action) WHERE lifted_at IS NULL
		DO UPDATE SET applied_at = EXCLUDED.applied_at
	`

	_, err := r.db.Pool.Exec(ctx, query, uuid.New(), userID, action, time.Now())
	if err != nil {
		return fmt.Errorf("failed to apply restriction %s: %w", action, err)
	}

	log.Warn().
		Str("user_id", userID.String()).
		Str("action", action).
		Msg("Protective restriction applied")

	return nil
}

// ActiveRestrictions returns the user's unlifted restrictions.
func (r *RestrictionRepository) ActiveRestrictions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	query := `
		SELECT action
		FROM account_restrictions
		WHERE user_id = $1 AND lifted_at IS NULL
		ORDER BY applied_at
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list restrictions: %w", err)
	}
	defer rows.Close()

	var actions []string
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}

	return actions, rows.Err()
}

// Lift closes an active restriction after reviewer sign-off.
func (r *RestrictionRepository) Lift(ctx context.Context, userID uuid.UUID, action string, reviewerID uuid.UUID) error {
	query := `
		UPDATE account_restrictions
		SET lifted_at = $1, lifted_by = $2
		WHERE user_id = $3 AND action = $4 AND lifted_at IS NULL
	`

	tag, err := r.db.Pool.Exec(ctx, query, time.Now(), reviewerID, userID, action)
	if err != nil {
		return fmt.Errorf("failed to lift restriction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no active restriction %s for user %s", action, userID)
	}
	return nil
}

// Frozen reports whether earnings are currently frozen for the user.
func (r *RestrictionRepository) Frozen(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM account_restrictions
			WHERE user_id = $1 AND action = $2 AND lifted_at IS NULL
		)
	`

	var frozen bool
	if err := r.db.Pool.QueryRow(ctx, query, userID, models.ActionFreezeEarnings).Scan(&frozen); err != nil {
		return false, fmt.Errorf("failed to check freeze state: %w", err)
	}
	return frozen, nil
}
