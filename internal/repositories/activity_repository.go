package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/risk"
)

// ActivityRepository reads the behavioral history owned by the chat,
// call, review and events subsystems. Read-only here; the risk engine
// never writes activity.
type ActivityRepository struct {
	db *Database
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *Database) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Metrics aggregates the current behavioral snapshot for one user.
func (r *ActivityRepository) Metrics(ctx context.Context, userID uuid.UUID) (models.BehavioralMetrics, error) {
	var m models.BehavioralMetrics

	query := `
		SELECT
			COALESCE((SELECT COUNT(*) FROM chat_exchanges
				WHERE user_id = $1 AND paid = TRUE), 0),
			COALESCE((SELECT SUM(duration_minutes) FROM calls
				WHERE user_id = $1 AND completed = TRUE), 0),
			COALESCE((SELECT COUNT(*) FROM complaints
				WHERE subject_user_id = $1 AND category = 'fraud'
				AND created_at >= NOW() - INTERVAL '30 days'), 0),
			COALESCE((SELECT AVG(rating) FROM reviews
				WHERE subject_user_id = $1), 0),
			COALESCE((SELECT COUNT(DISTINCT counterpart_id) FROM chat_exchanges
				WHERE user_id = $1 AND paid = TRUE), 0),
			COALESCE((SELECT duplicate_text_ratio FROM message_quality_stats
				WHERE user_id = $1), 0),
			COALESCE((SELECT COUNT(DISTINCT user_id) FROM device_links
				WHERE device_fingerprint IN
					(SELECT device_fingerprint FROM device_links WHERE user_id = $1)), 0),
			COALESCE((SELECT SUM(tokens) FROM earnings
				WHERE user_id = $1
				AND created_at >= NOW() - INTERVAL '7 days'), 0),
			COALESCE((SELECT SUM(tokens) FROM earnings
				WHERE user_id = $1
				AND created_at >= NOW() - INTERVAL '14 days'
				AND created_at <  NOW() - INTERVAL '7 days'), 0),
			COALESCE((SELECT one_word_paid_ratio FROM message_quality_stats
				WHERE user_id = $1), 0),
			COALESCE((SELECT quality_chats FROM message_quality_stats
				WHERE user_id = $1), 0),
			COALESCE((SELECT COUNT(*) FROM events
				WHERE host_user_id = $1 AND qr_verified = TRUE), 0),
			COALESCE((SELECT COUNT(*) FROM reviews
				WHERE subject_user_id = $1 AND rating >= 4), 0),
			COALESCE((SELECT COUNT(*) FROM calls
				WHERE user_id = $1 AND kind = 'video'
				AND duration_minutes >= 10 AND completed = TRUE), 0)
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&m.PaidChatExchanges,
		&m.CallMinutes,
		&m.FraudComplaints30d,
		&m.AverageRating,
		&m.DistinctCounterparts,
		&m.DuplicateTextRatio,
		&m.LinkedAccounts,
		&m.Earnings7d,
		&m.EarningsPrior7d,
		&m.OneWordPaidRatio,
		&m.QualityChats,
		&m.VerifiedEvents,
		&m.PositiveReviews,
		&m.LongVideoCalls,
	)
	if err != nil {
		return models.BehavioralMetrics{}, fmt.Errorf("failed to aggregate behavioral metrics: %w", err)
	}

	return m, nil
}

// IdentityVerified reports whether selfie identity verification passed.
func (r *ActivityRepository) IdentityVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM identity_verifications
			WHERE user_id = $1 AND status = 'PASSED'
		)
	`

	var verified bool
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&verified); err != nil {
		return false, fmt.Errorf("failed to check identity verification: %w", err)
	}
	return verified, nil
}

// EarningsBySource breaks trailing 30-day earnings down by funding
// source for the authenticity heuristics.
func (r *ActivityRepository) EarningsBySource(ctx context.Context, userID uuid.UUID) (map[risk.FundingSource]int64, error) {
	query := `
		SELECT source, COALESCE(SUM(tokens), 0)
		FROM earnings
		WHERE user_id = $1 AND created_at >= NOW() - INTERVAL '30 days'
		GROUP BY source
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings by source: %w", err)
	}
	defer rows.Close()

	earnings := make(map[risk.FundingSource]int64)
	for rows.Next() {
		var source string
		var tokens int64
		if err := rows.Scan(&source, &tokens); err != nil {
			return nil, fmt.Errorf("failed to scan earnings row: %w", err)
		}
		earnings[risk.FundingSource(source)] = tokens
	}

	return earnings, rows.Err()
}
