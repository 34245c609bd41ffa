package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
)

// ReviewQueueRepository persists the manual review queue consumed by
// the reviewer console. CRITICAL-risk withdrawals land here and stay
// until a human decides.
type ReviewQueueRepository struct {
	db *Database
}

// NewReviewQueueRepository creates a new review queue repository
func NewReviewQueueRepository(db *Database) *ReviewQueueRepository {
	return &ReviewQueueRepository{db: db}
}

// EnqueueManualReview adds a withdrawal to the queue. Re-enqueueing the
// same request is a no-op so retried creations stay idempotent.
func (r *ReviewQueueRepository) EnqueueManualReview(ctx context.Context, req *models.WithdrawalRequest) error {
	query := `
		INSERT INTO manual_review_queue (id, withdrawal_id, user_id, risk_score, risk_level, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (withdrawal_id) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query,
		uuid.New(),
		req.ID,
		req.UserID,
		req.RiskScoreAtCreation,
		string(req.RiskLevelAtCreation),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue manual review: %w", err)
	}

	log.Info().
		Str("withdrawal_id", req.ID.String()).
		Str("user_id", req.UserID.String()).
		Str("risk_level", string(req.RiskLevelAtCreation)).
		Msg("Withdrawal enqueued for manual review")

	return nil
}

// PendingCount returns the queue depth for dashboards.
func (r *ReviewQueueRepository) PendingCount(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM manual_review_queue q
		JOIN withdrawal_requests w ON w.id = q.withdrawal_id
		WHERE w.status = 'PENDING_REVIEW'
	`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return count, nil
}
