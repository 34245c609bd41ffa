// Package risk computes per-user fraud-risk scores and the independent
// earnings-unlock eligibility from behavioral signals. Both outputs are
// idempotently recomputable from current activity history.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/rules"
)

var (
	// ErrProfileNotFound indicates no risk snapshot exists for the user.
	ErrProfileNotFound = errors.New("risk profile not found")
)

// Detection thresholds for the weighted boolean signals. The deltas
// themselves live on rules.Config.
const (
	duplicateTextThreshold  = 0.30
	linkedAccountThreshold  = 3
	earningsSpikeFactor     = 5
	fraudComplaintThreshold = 3
	oneWordRatioThreshold   = 0.40
	qualityChatThreshold    = 3
	verifiedEventThreshold  = 3
	positiveReviewThreshold = 10
	longVideoCallThreshold  = 3
)

// Unlock criterion names, enumerated in failure lists for user-facing
// messaging.
const (
	CriterionIdentity     = "identity_verification"
	CriterionExchanges    = "paid_chat_exchanges"
	CriterionCallMinutes  = "call_minutes"
	CriterionComplaints   = "fraud_complaints"
	CriterionRating       = "average_rating"
	CriterionCounterparts = "distinct_counterparts"
)

// Store persists risk snapshots (overwrite-current) and history events
// (append-only).
type Store interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.RiskProfile, error)
	SaveProfile(ctx context.Context, profile *models.RiskProfile) error
	AppendEvent(ctx context.Context, event *models.RiskEvent) error

	// ResetAllScores zeroes every user's score and level while leaving
	// unlockStatus untouched. Returns the number of profiles reset.
	ResetAllScores(ctx context.Context) (int, error)
}

// ComputationRecorder receives every computed snapshot for the audit
// log. Implementations must never fail the computation.
type ComputationRecorder interface {
	RecordRiskComputation(ctx context.Context, profile *models.RiskProfile)
}

// Engine computes risk scores and unlock eligibility.
type Engine struct {
	cfg      *rules.Config
	source   ActivitySource
	store    Store
	cache    *queue.CacheClient
	recorder ComputationRecorder
}

// NewEngine creates a risk engine. The cache and recorder may be nil.
func NewEngine(cfg *rules.Config, source ActivitySource, store Store, cache *queue.CacheClient, recorder ComputationRecorder) *Engine {
	return &Engine{cfg: cfg, source: source, store: store, cache: cache, recorder: recorder}
}

// UnlockResult reports the six-criterion earnings-unlock gate.
type UnlockResult struct {
	Status         models.UnlockStatus `json:"status"`
	FailedCriteria []string            `json:"failed_criteria,omitempty"`
}

// Compute recomputes the user's risk score and unlock eligibility from
// current activity, overwrites the current snapshot and appends an
// immutable history event.
func (e *Engine) Compute(ctx context.Context, userID uuid.UUID) (*models.RiskProfile, error) {
	metrics, err := e.source.Metrics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load behavioral metrics: %w", err)
	}

	identityVerified, err := e.source.IdentityVerified(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity verification: %w", err)
	}

	score, fired := e.scoreSignals(&metrics)
	level := e.cfg.LevelForScore(score)
	unlock := e.evaluateUnlock(&metrics, identityVerified)

	now := time.Now().UTC()
	profile := &models.RiskProfile{
		UserID:           userID,
		RiskScore:        score,
		RiskLevel:        level,
		UnlockStatus:     unlock.Status,
		FailedCriteria:   unlock.FailedCriteria,
		IdentityVerified: identityVerified,
		SignalsFired:     fired,
		Metrics:          metrics,
		NextAuditDate:    now.AddDate(0, 1, 0),
		ComputedAt:       now,
	}

	if err := e.store.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save risk profile: %w", err)
	}

	event := &models.RiskEvent{
		UserID:       userID,
		RiskScore:    score,
		RiskLevel:    level,
		UnlockStatus: unlock.Status,
		SignalsFired: fired,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append risk event: %w", err)
	}

	e.cacheProfile(ctx, profile)

	if e.recorder != nil {
		e.recorder.RecordRiskComputation(ctx, profile)
	}

	log.Info().
		Str("user_id", userID.String()).
		Int("risk_score", score).
		Str("risk_level", string(level)).
		Str("unlock_status", string(unlock.Status)).
		Strs("signals_fired", fired).
		Msg("Risk profile computed")

	return profile, nil
}

// GetProfile returns the current snapshot, preferring the cache.
func (e *Engine) GetProfile(ctx context.Context, userID uuid.UUID) (*models.RiskProfile, error) {
	if e.cache != nil {
		var cached models.RiskProfile
		if err := e.cache.Get(ctx, profileCacheKey(userID), &cached); err == nil {
			return &cached, nil
		}
	}
	return e.store.GetProfile(ctx, userID)
}

// EvaluateUnlock runs the six-criterion AND gate on fresh activity.
func (e *Engine) EvaluateUnlock(ctx context.Context, userID uuid.UUID) (*UnlockResult, error) {
	metrics, err := e.source.Metrics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load behavioral metrics: %w", err)
	}
	identityVerified, err := e.source.IdentityVerified(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity verification: %w", err)
	}
	result := e.evaluateUnlock(&metrics, identityVerified)
	return &result, nil
}

// evaluateUnlock checks every criterion independently so the result can
// enumerate exactly which ones failed.
func (e *Engine) evaluateUnlock(m *models.BehavioralMetrics, identityVerified bool) UnlockResult {
	criteria := e.cfg.Unlock
	var failed []string

	if !identityVerified {
		failed = append(failed, CriterionIdentity)
	}
	if m.PaidChatExchanges < criteria.MinPaidChatExchanges {
		failed = append(failed, CriterionExchanges)
	}
	if m.CallMinutes < criteria.MinCallMinutes {
		failed = append(failed, CriterionCallMinutes)
	}
	if m.FraudComplaints30d >= criteria.MaxFraudComplaints30d {
		failed = append(failed, CriterionComplaints)
	}
	if m.AverageRating < criteria.MinAverageRating {
		failed = append(failed, CriterionRating)
	}
	if m.DistinctCounterparts < criteria.MinDistinctCounterparts {
		failed = append(failed, CriterionCounterparts)
	}

	if len(failed) > 0 {
		return UnlockResult{Status: models.UnlockLocked, FailedCriteria: failed}
	}
	return UnlockResult{Status: models.UnlockUnlocked}
}

// scoreSignals evaluates every detector independently and sums the
// configured deltas, clamped to [0, 100].
func (e *Engine) scoreSignals(m *models.BehavioralMetrics) (int, []string) {
	detectors := []struct {
		name  string
		fired bool
	}{
		{rules.SignalCopyPaste, m.DuplicateTextRatio > duplicateTextThreshold},
		{rules.SignalMultiAccount, m.LinkedAccounts >= linkedAccountThreshold},
		{rules.SignalPopularitySpike, m.EarningsPrior7d > 0 && m.Earnings7d > earningsSpikeFactor*m.EarningsPrior7d},
		{rules.SignalFraudComplaints, m.FraudComplaints30d >= fraudComplaintThreshold},
		{rules.SignalOneWordMessages, m.OneWordPaidRatio > oneWordRatioThreshold},
		{rules.SignalQualityChats, m.QualityChats >= qualityChatThreshold},
		{rules.SignalVerifiedEvents, m.VerifiedEvents >= verifiedEventThreshold},
		{rules.SignalPositiveReviews, m.PositiveReviews >= positiveReviewThreshold},
		{rules.SignalVideoEngagement, m.LongVideoCalls >= longVideoCallThreshold},
	}

	score := 0
	var fired []string
	for _, d := range detectors {
		if d.fired {
			score += e.cfg.SignalDelta(d.name)
			fired = append(fired, d.name)
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, fired
}

// SourceCheckResult reports the authenticity heuristics for each
// funding source that produced earnings.
type SourceCheckResult struct {
	Authentic      bool     `json:"authentic"`
	SuspectSources []string `json:"suspect_sources,omitempty"`
}

// CheckSourceAuthenticity runs per-source heuristics over chat, call
// and event earnings. A failed check forces a minimum pause on
// withdrawals even when the risk level alone would not require one.
func (e *Engine) CheckSourceAuthenticity(ctx context.Context, userID uuid.UUID) (*SourceCheckResult, error) {
	metrics, err := e.source.Metrics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load behavioral metrics: %w", err)
	}
	earnings, err := e.source.EarningsBySource(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load earnings by source: %w", err)
	}

	var suspect []string

	// Chat earnings produced by low-effort text look farmed.
	if earnings[SourceChat] > 0 &&
		(metrics.DuplicateTextRatio > duplicateTextThreshold || metrics.OneWordPaidRatio > oneWordRatioThreshold) {
		suspect = append(suspect, string(SourceChat))
	}

	// Call earnings without meaningful talk time.
	if earnings[SourceCall] > 0 && metrics.CallMinutes < e.cfg.Unlock.MinCallMinutes {
		suspect = append(suspect, string(SourceCall))
	}

	// Event earnings with zero in-person verifications.
	if earnings[SourceEvent] > 0 && metrics.VerifiedEvents == 0 {
		suspect = append(suspect, string(SourceEvent))
	}

	return &SourceCheckResult{
		Authentic:      len(suspect) == 0,
		SuspectSources: suspect,
	}, nil
}

// ResetMonthlyScores zeroes every user's numeric score and level while
// explicitly preserving unlockStatus: unlock, once earned, is not
// revoked by a score reset.
func (e *Engine) ResetMonthlyScores(ctx context.Context) (int, error) {
	count, err := e.store.ResetAllScores(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly scores: %w", err)
	}
	log.Info().Int("profiles_reset", count).Msg("Monthly risk score reset completed")
	return count, nil
}

func (e *Engine) cacheProfile(ctx context.Context, profile *models.RiskProfile) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, profileCacheKey(profile.UserID), profile, time.Hour); err != nil {
		log.Warn().Err(err).Str("user_id", profile.UserID.String()).Msg("Failed to cache risk profile")
	}
}

func profileCacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("risk_profile:%s", userID)
}
