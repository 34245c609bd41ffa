package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/repositories"
)

// PayoutService hands approved withdrawals to the payment provider.
// Instructions go through an outbox table so a provider outage never
// loses an approved payout; the delivery job retries from there.
type PayoutService struct {
	db *repositories.Database
}

// NewPayoutService creates a new payout service
func NewPayoutService(db *repositories.Database) *PayoutService {
	return &PayoutService{db: db}
}

// Initiate writes the payout instruction and returns its provider
// reference. The withdrawal is already PROCESSING when this runs;
// failures here are logged by the caller, never reverted.
func (s *PayoutService) Initiate(ctx context.Context, req *models.WithdrawalRequest) (string, error) {
	reference := fmt.Sprintf("po_%s", uuid.New().String())

	query := `
		INSERT INTO payout_instructions
			(reference, withdrawal_id, user_id, amount, currency, payout_method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'QUEUED', $7)
	`

	_, err := s.db.Pool.Exec(ctx, query,
		reference,
		req.ID,
		req.UserID,
		req.PayoutAmount,
		req.PayoutCurrency,
		req.KYCSnapshot.PayoutMethod,
		time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to queue payout instruction: %w", err)
	}

	log.Info().
		Str("reference", reference).
		Str("withdrawal_id", req.ID.String()).
		Str("amount", req.PayoutAmount.StringFixed(2)).
		Str("currency", req.PayoutCurrency).
		Msg("Payout instruction queued")

	return reference, nil
}
