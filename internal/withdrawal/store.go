package withdrawal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/risk"
)

// Store persists withdrawal requests and the per-month accumulators.
type Store interface {
	Insert(ctx context.Context, req *models.WithdrawalRequest) error
	Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	Update(ctx context.Context, req *models.WithdrawalRequest) error

	// ListExpiredPending returns MEDIUM and HIGH PENDING_REVIEW requests
	// whose pause window elapsed before now, excluding manual-review-only
	// ones. LOW requests are never returned; they wait for a reviewer.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.WithdrawalRequest, error)

	// ListByUser returns a user's requests, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.WithdrawalRequest, error)

	MonthlyStats(ctx context.Context, userID uuid.UUID, month string) (*models.MonthlyWithdrawalStats, error)
	AccumulateMonthly(ctx context.Context, userID uuid.UUID, month string, tokens int64, fiat decimal.Decimal) error
}

// WalletStore is the wallet subsystem's surface. Burn must be atomic:
// verify balance >= tokens, decrement it, increment total_withdrawn and
// write the ledger record as one unit, or fail without partial effect.
type WalletStore interface {
	Snapshot(ctx context.Context, userID uuid.UUID) (*models.WalletSnapshot, error)
	Burn(ctx context.Context, userID, withdrawalID uuid.UUID, tokens int64) (*models.LedgerTransaction, error)
}

// KYCProvider reports the verification state owned by the KYC subsystem.
type KYCProvider interface {
	Snapshot(ctx context.Context, userID uuid.UUID) (models.KYCSnapshot, error)
}

// PayoutProvider initiates the external fiat payout for a processed
// withdrawal and returns the provider's payout reference.
type PayoutProvider interface {
	Initiate(ctx context.Context, req *models.WithdrawalRequest) (string, error)
}

// ReviewQueue receives requests that only a human may approve.
type ReviewQueue interface {
	EnqueueManualReview(ctx context.Context, req *models.WithdrawalRequest) error
}

// RiskReader is the slice of the risk engine consulted at creation.
// *risk.Engine satisfies it.
type RiskReader interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.RiskProfile, error)
	CheckSourceAuthenticity(ctx context.Context, userID uuid.UUID) (*risk.SourceCheckResult, error)
}

// Locker serializes the burn critical section per user. Lock returns a
// release func on success and ErrLockHeld when another holder owns the
// key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// TransitionRecorder receives lifecycle transitions and creation
// refusals for the audit log. Implementations must never fail the
// business transition.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, req *models.WithdrawalRequest, action string, actorID uuid.UUID, detail string)
	RecordRefusal(ctx context.Context, userID uuid.UUID, requestedTokens int64, reason, detail string)
}
