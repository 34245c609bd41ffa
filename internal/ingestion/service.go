package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/audit"
	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/validator"
)

// CheckRequest is the wire form of a proposed transaction submitted
// for validation. IDs arrive as strings and are parsed here so the
// validator only ever sees well-formed input.
type CheckRequest struct {
	Kind            string                 `json:"kind" binding:"required"`
	ActingUserID    string                 `json:"acting_user_id" binding:"required"`
	CounterpartyID  string                 `json:"counterparty_id"`
	Amount          int64                  `json:"amount"`
	PlatformPercent *int                   `json:"platform_percent"`
	CreatorPercent  *int                   `json:"creator_percent"`
	BillingRate     *float64               `json:"billing_rate"`
	Tier            string                 `json:"tier"`
	NonMonetized    bool                   `json:"non_monetized"`
	AccountAgeDays  int                    `json:"account_age_days"`
	LowPopularity   bool                   `json:"low_popularity"`
	SelfieVerified  bool                   `json:"selfie_verified"`
	QRVerified      bool                   `json:"qr_verified"`
	UpfrontPayment  bool                   `json:"upfront_payment"`
	HoursUntilEvent *float64               `json:"hours_until_event"`
	OriginalAmount  int64                  `json:"original_amount"`
	RequestedRefund int64                  `json:"requested_refund"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CheckResponse carries the decision back to the caller.
type CheckResponse struct {
	RequestID string                  `json:"request_id"`
	Result    models.ValidationResult `json:"result"`
	CheckedAt time.Time               `json:"checked_at"`
	Cached    bool                    `json:"cached,omitempty"`
}

// BatchCheckRequest validates up to 500 proposed transactions at once.
type BatchCheckRequest struct {
	Requests []CheckRequest `json:"requests" binding:"required,min=1,max=500"`
}

// BatchCheckResponse summarizes a batch validation.
type BatchCheckResponse struct {
	Allowed   int             `json:"allowed"`
	Corrected int             `json:"corrected"`
	Blocked   int             `json:"blocked"`
	Results   []CheckResponse `json:"results"`
}

const idempotencyTTL = 10 * time.Minute

// ValidationService is the intake path for contract checks: parse the
// wire request, run the validator and hand the decision to the audit
// monitor. The decision is returned either way; only the caller acts
// on it.
type ValidationService struct {
	validator *validator.Validator
	monitor   *audit.Monitor
	cache     *queue.CacheClient
}

// NewValidationService creates a new validation service
func NewValidationService(v *validator.Validator, monitor *audit.Monitor, cache *queue.CacheClient) *ValidationService {
	return &ValidationService{validator: v, monitor: monitor, cache: cache}
}

// Check validates one proposed transaction.
func (s *ValidationService) Check(ctx context.Context, req *CheckRequest, requestID string) (*CheckResponse, error) {
	start := time.Now()

	parsed, err := s.parse(req, requestID)
	if err != nil {
		return nil, err
	}

	// Repeat submissions under the same idempotency key get the
	// original decision without a second audit entry.
	cacheKey := ""
	if req.IdempotencyKey != "" && s.cache != nil {
		cacheKey = "validate:" + req.IdempotencyKey
		var cached CheckResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			cached.Cached = true
			return &cached, nil
		}
	}

	result := s.validator.Validate(parsed)
	s.monitor.RecordValidation(ctx, parsed, &result)

	resp := &CheckResponse{
		RequestID: requestID,
		Result:    result,
		CheckedAt: time.Now().UTC(),
	}

	if cacheKey != "" {
		if err := s.cache.Set(ctx, cacheKey, resp, idempotencyTTL); err != nil {
			log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to cache validation decision")
		}
	}

	log.Info().
		Str("request_id", requestID).
		Str("kind", string(parsed.Kind)).
		Str("acting_user", parsed.ActingUserID.String()).
		Str("action", string(result.Action)).
		Int("violations", len(result.Violations)).
		Dur("latency", time.Since(start)).
		Msg("Contract check completed")

	return resp, nil
}

// CheckBatch validates a batch, one decision per entry. A malformed
// entry blocks that entry only, never the batch.
func (s *ValidationService) CheckBatch(ctx context.Context, batch *BatchCheckRequest, requestID string) (*BatchCheckResponse, error) {
	resp := &BatchCheckResponse{
		Results: make([]CheckResponse, 0, len(batch.Requests)),
	}

	for i := range batch.Requests {
		entryID := fmt.Sprintf("%s-%d", requestID, i)
		entry, err := s.Check(ctx, &batch.Requests[i], entryID)
		if err != nil {
			entry = &CheckResponse{
				RequestID: entryID,
				Result: models.ValidationResult{
					Valid:  false,
					Action: models.ActionBlock,
					Violations: []models.ContractViolation{{
						Kind:     models.ViolationInternalError,
						Severity: models.SeverityCritical,
						Message:  err.Error(),
					}},
				},
				CheckedAt: time.Now().UTC(),
			}
		}

		switch entry.Result.Action {
		case models.ActionAllow:
			resp.Allowed++
		case models.ActionAutoCorrect:
			resp.Corrected++
		default:
			resp.Blocked++
		}
		resp.Results = append(resp.Results, *entry)
	}

	log.Info().
		Str("request_id", requestID).
		Int("total", len(batch.Requests)).
		Int("allowed", resp.Allowed).
		Int("corrected", resp.Corrected).
		Int("blocked", resp.Blocked).
		Msg("Batch contract check completed")

	return resp, nil
}

func (s *ValidationService) parse(req *CheckRequest, requestID string) (*models.ValidationRequest, error) {
	actingUserID, err := uuid.Parse(req.ActingUserID)
	if err != nil {
		return nil, fmt.Errorf("invalid acting_user_id: %w", err)
	}

	parsed := &models.ValidationRequest{
		Kind:            models.TransactionKind(req.Kind),
		ActingUserID:    actingUserID,
		Amount:          req.Amount,
		BillingRate:     req.BillingRate,
		Tier:            req.Tier,
		NonMonetized:    req.NonMonetized,
		AccountAgeDays:  req.AccountAgeDays,
		LowPopularity:   req.LowPopularity,
		SelfieVerified:  req.SelfieVerified,
		QRVerified:      req.QRVerified,
		UpfrontPayment:  req.UpfrontPayment,
		HoursUntilEvent: req.HoursUntilEvent,
		OriginalAmount:  req.OriginalAmount,
		RequestedRefund: req.RequestedRefund,
		RequestID:       requestID,
	}

	if req.CounterpartyID != "" {
		counterpartyID, err := uuid.Parse(req.CounterpartyID)
		if err != nil {
			return nil, fmt.Errorf("invalid counterparty_id: %w", err)
		}
		parsed.CounterpartyID = &counterpartyID
	}

	if req.PlatformPercent != nil || req.CreatorPercent != nil {
		split := models.Split{}
		if req.PlatformPercent != nil {
			split.PlatformPercent = *req.PlatformPercent
		}
		if req.CreatorPercent != nil {
			split.CreatorPercent = *req.CreatorPercent
		}
		parsed.ProposedSplit = &split
	}

	return parsed, nil
}
