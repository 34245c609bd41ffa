package risk

import (
	"context"

	"github.com/google/uuid"

	"github.com/marketplace/integrity-engine/internal/models"
)

// FundingSource identifies where withdrawal earnings came from.
type FundingSource string

const (
	SourceChat  FundingSource = "chat"
	SourceCall  FundingSource = "call"
	SourceEvent FundingSource = "event"
)

// ActivitySource supplies the behavioral history the engine scores
// from. It is owned by other subsystems (chat, calls, complaints,
// reviews) and consumed here read-only.
type ActivitySource interface {
	// Metrics returns the current behavioral snapshot for a user.
	Metrics(ctx context.Context, userID uuid.UUID) (models.BehavioralMetrics, error)

	// IdentityVerified reports whether identity verification completed.
	IdentityVerified(ctx context.Context, userID uuid.UUID) (bool, error)

	// EarningsBySource breaks trailing earnings down by funding source
	// for the authenticity heuristics.
	EarningsBySource(ctx context.Context, userID uuid.UUID) (map[FundingSource]int64, error)
}
