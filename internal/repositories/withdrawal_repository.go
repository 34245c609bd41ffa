package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/withdrawal"
)

// WithdrawalRepository persists withdrawal requests and the monthly
// accumulators. It implements withdrawal.Store.
type WithdrawalRepository struct {
	db *Database
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(db *Database) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

// Insert persists a new request.
func (r *WithdrawalRepository) Insert(ctx context.Context, req *models.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (
			id, user_id, requested_tokens, approved_tokens, payout_currency, payout_amount,
			status, risk_score_at_creation, risk_level_at_creation, pause_hours,
			manual_review_only, kyc_status, kyc_age_verified, kyc_payout_method,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		req.ID,
		req.UserID,
		req.RequestedTokens,
		req.ApprovedTokens,
		req.PayoutCurrency,
		req.PayoutAmount,
		req.Status,
		req.RiskScoreAtCreation,
		req.RiskLevelAtCreation,
		req.PauseHours,
		req.ManualReviewOnly,
		req.KYCSnapshot.Status,
		req.KYCSnapshot.AgeVerified,
		req.KYCSnapshot.PayoutMethod,
		req.CreatedAt,
		req.UpdatedAt,
	)

	return err
}

// Get retrieves one request by id.
func (r *WithdrawalRepository) Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	query := selectWithdrawal + ` WHERE id = $1`

	req, err := scanWithdrawal(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, withdrawal.ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// Update persists the mutable fields of a request.
func (r *WithdrawalRepository) Update(ctx context.Context, req *models.WithdrawalRequest) error {
	query := `
		UPDATE withdrawal_requests
		SET approved_tokens = $2, payout_amount = $3, status = $4,
			rejection_reason = $5, provider_payout_id = $6,
			approved_at = $7, paid_at = $8, updated_at = $9
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		req.ID,
		req.ApprovedTokens,
		req.PayoutAmount,
		req.Status,
		req.RejectionReason,
		req.ProviderPayoutID,
		req.ApprovedAt,
		req.PaidAt,
		req.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return withdrawal.ErrRequestNotFound
	}
	return nil
}

// ListExpiredPending retrieves MEDIUM and HIGH PENDING_REVIEW requests
// whose pause window elapsed before now. LOW requests wait for a
// reviewer, and manual-review-only requests never match.
func (r *WithdrawalRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.WithdrawalRequest, error) {
	query := selectWithdrawal + `
		WHERE status = $1
		  AND manual_review_only = FALSE
		  AND risk_level_at_creation IN ($2, $3)
		  AND created_at + make_interval(hours => pause_hours) <= $4
		ORDER BY created_at ASC
		LIMIT $5
	`

	rows, err := r.db.Pool.Query(ctx, query, models.WithdrawalPendingReview,
		models.RiskLevelMedium, models.RiskLevelHigh, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*models.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

// MonthlyStats retrieves the accumulator for (user, month), returning a
// zero row when the month has no withdrawals yet.
func (r *WithdrawalRepository) MonthlyStats(ctx context.Context, userID uuid.UUID, month string) (*models.MonthlyWithdrawalStats, error) {
	query := `
		SELECT user_id, month, tokens_withdrawn, fiat_withdrawn, withdrawal_count, updated_at
		FROM monthly_withdrawal_stats
		WHERE user_id = $1 AND month = $2
	`

	stats := &models.MonthlyWithdrawalStats{}
	err := r.db.Pool.QueryRow(ctx, query, userID, month).Scan(
		&stats.UserID,
		&stats.Month,
		&stats.TokensWithdrawn,
		&stats.FiatWithdrawn,
		&stats.WithdrawalCount,
		&stats.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.MonthlyWithdrawalStats{
				UserID:        userID,
				Month:         month,
				FiatWithdrawn: decimal.Zero,
			}, nil
		}
		return nil, err
	}

	return stats, nil
}

// AccumulateMonthly upserts the accumulator for (user, month).
func (r *WithdrawalRepository) AccumulateMonthly(ctx context.Context, userID uuid.UUID, month string, tokens int64, fiat decimal.Decimal) error {
	query := `
		INSERT INTO monthly_withdrawal_stats (user_id, month, tokens_withdrawn, fiat_withdrawn, withdrawal_count, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (user_id, month) DO UPDATE SET
			tokens_withdrawn = monthly_withdrawal_stats.tokens_withdrawn + EXCLUDED.tokens_withdrawn,
			fiat_withdrawn = monthly_withdrawal_stats.fiat_withdrawn + EXCLUDED.fiat_withdrawn,
			withdrawal_count = monthly_withdrawal_stats.withdrawal_count + 1,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool.Exec(ctx, query, userID, month, tokens, fiat, time.Now().UTC())
	return err
}

// ListByUser retrieves a user's requests, newest first.
func (r *WithdrawalRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.WithdrawalRequest, error) {
	query := selectWithdrawal + `
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*models.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

const selectWithdrawal = `
	SELECT id, user_id, requested_tokens, approved_tokens, payout_currency, payout_amount,
		   status, risk_score_at_creation, risk_level_at_creation, pause_hours,
		   manual_review_only, kyc_status, kyc_age_verified, kyc_payout_method,
		   rejection_reason, provider_payout_id, created_at, updated_at, approved_at, paid_at
	FROM withdrawal_requests`

func scanWithdrawal(row pgx.Row) (*models.WithdrawalRequest, error) {
	req := &models.WithdrawalRequest{}
	var rejectionReason *string

	if err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.RequestedTokens,
		&req.ApprovedTokens,
		&req.PayoutCurrency,
		&req.PayoutAmount,
		&req.Status,
		&req.RiskScoreAtCreation,
		&req.RiskLevelAtCreation,
		&req.PauseHours,
		&req.ManualReviewOnly,
		&req.KYCSnapshot.Status,
		&req.KYCSnapshot.AgeVerified,
		&req.KYCSnapshot.PayoutMethod,
		&rejectionReason,
		&req.ProviderPayoutID,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ApprovedAt,
		&req.PaidAt,
	); err != nil {
		return nil, err
	}

	if rejectionReason != nil {
		req.RejectionReason = *rejectionReason
	}
	return req, nil
}
