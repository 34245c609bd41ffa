package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/rules"
)

var (
	ErrRequestNotFound     = errors.New("withdrawal request not found")
	ErrInvalidTransition   = errors.New("invalid withdrawal status transition")
	ErrAlreadyPaid         = errors.New("withdrawal already paid")
	ErrNothingWithdrawable = errors.New("no withdrawable tokens at approval time")
	ErrEmptyReason         = errors.New("rejection reason must not be empty")
	ErrBurnFailed          = errors.New("token burn failed")
	ErrLockHeld            = errors.New("user wallet lock held")
)

// Machine-readable creation refusal reasons, one per precondition.
const (
	ReasonEarningsLocked     = "EARNINGS_LOCKED"
	ReasonKYCNotVerified     = "KYC_NOT_VERIFIED"
	ReasonAgeNotVerified     = "AGE_NOT_VERIFIED"
	ReasonInsufficientTokens = "INSUFFICIENT_WITHDRAWABLE"
	ReasonAmountOutOfBounds  = "AMOUNT_OUT_OF_BOUNDS"
	ReasonMonthlyAmountCap   = "MONTHLY_AMOUNT_CAP_EXCEEDED"
	ReasonMonthlyCountCap    = "MONTHLY_COUNT_CAP_EXCEEDED"
)

// Lifecycle transition names written to the audit log.
const (
	transitionCreated      = "created"
	transitionApproved     = "approved"
	transitionAutoApproved = "auto_approved"
	transitionAborted      = "approval_aborted"
	transitionRolledBack   = "burn_rolled_back"
	transitionRejected     = "rejected"
	transitionPaid         = "paid"
)

const (
	burnLockTTL    = 30 * time.Second
	sweepBatchSize = 100
)

// SystemActor identifies transitions performed by the sweep rather than
// a reviewer.
var SystemActor = uuid.Nil

// EligibilityError is a creation refusal carrying the machine-readable
// reason for the first failed precondition.
type EligibilityError struct {
	Reason string
	Detail string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("withdrawal not eligible: %s (%s)", e.Reason, e.Detail)
}

// Eligibility is the read-only answer for a user's withdrawable state.
type Eligibility struct {
	WithdrawableTokens int64    `json:"withdrawable_tokens"`
	Eligible           bool     `json:"eligible"`
	Reasons            []string `json:"reasons,omitempty"`
}

// Manager owns the withdrawal request lifecycle. Requests never regress
// from PAID or REJECTED.
type Manager struct {
	cfg      *rules.Config
	store    Store
	wallet   WalletStore
	kyc      KYCProvider
	payout   PayoutProvider
	risk     RiskReader
	review   ReviewQueue
	locker   Locker
	recorder TransitionRecorder
}

func NewManager(cfg *rules.Config, store Store, wallet WalletStore, kyc KYCProvider,
	payout PayoutProvider, riskReader RiskReader, review ReviewQueue,
	locker Locker, recorder TransitionRecorder) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		wallet:   wallet,
		kyc:      kyc,
		payout:   payout,
		risk:     riskReader,
		review:   review,
		locker:   locker,
		recorder: recorder,
	}
}

// Create checks the ordered preconditions and, when all pass, persists a
// new PENDING_REVIEW request with its risk-derived pause attached. The
// first failed precondition aborts before any request write; the refusal
// itself is still recorded with its machine-readable reason.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, requestedTokens int64) (*models.WithdrawalRequest, error) {
	profile, err := m.risk.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	if profile.UnlockStatus != models.UnlockUnlocked {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonEarningsLocked, "earnings are not unlocked")
	}

	kycSnap, err := m.kyc.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load kyc snapshot: %w", err)
	}
	if kycSnap.Status != models.KYCVerified {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonKYCNotVerified, "kyc status is "+kycSnap.Status)
	}
	if !kycSnap.AgeVerified {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonAgeNotVerified, "age verification missing")
	}

	snapshot, err := m.wallet.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet snapshot: %w", err)
	}
	if withdrawable := snapshot.WithdrawableTokens(); requestedTokens > withdrawable {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonInsufficientTokens,
			fmt.Sprintf("requested %d, withdrawable %d", requestedTokens, withdrawable))
	}

	bounds := m.cfg.Withdrawal
	if requestedTokens < bounds.MinTokens || requestedTokens > bounds.MaxTokens {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonAmountOutOfBounds,
			fmt.Sprintf("requested %d, bounds [%d, %d]", requestedTokens, bounds.MinTokens, bounds.MaxTokens))
	}

	now := time.Now().UTC()
	payoutAmount := m.fiatValue(requestedTokens)
	stats, err := m.store.MonthlyStats(ctx, userID, models.MonthKey(now))
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly stats: %w", err)
	}
	if stats.TokensWithdrawn+requestedTokens > bounds.MonthlyTokenCap ||
		stats.FiatWithdrawn.Add(payoutAmount).GreaterThan(bounds.MonthlyFiatCap) {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonMonthlyAmountCap,
			fmt.Sprintf("month %s already at %d tokens / %s %s", stats.Month,
				stats.TokensWithdrawn, stats.FiatWithdrawn.StringFixed(2), bounds.PayoutCurrency))
	}
	if stats.WithdrawalCount+1 > bounds.MonthlyCountCap {
		return nil, m.refuse(ctx, userID, requestedTokens, ReasonMonthlyCountCap,
			fmt.Sprintf("%d withdrawals already this month, cap %d", stats.WithdrawalCount, bounds.MonthlyCountCap))
	}

	pauseHours := bounds.PauseHours[profile.RiskLevel]
	manualOnly := profile.RiskLevel == models.RiskLevelCritical

	sourceCheck, err := m.risk.CheckSourceAuthenticity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check source authenticity: %w", err)
	}
	// Pauses combine by maximum, never by summing.
	if !sourceCheck.Authentic && bounds.SourceCheckPause > pauseHours {
		pauseHours = bounds.SourceCheckPause
	}

	req := &models.WithdrawalRequest{
		ID:                  uuid.New(),
		UserID:              userID,
		RequestedTokens:     requestedTokens,
		ApprovedTokens:      0,
		PayoutCurrency:      bounds.PayoutCurrency,
		PayoutAmount:        payoutAmount,
		Status:              models.WithdrawalPendingReview,
		RiskScoreAtCreation: profile.RiskScore,
		RiskLevelAtCreation: profile.RiskLevel,
		PauseHours:          pauseHours,
		ManualReviewOnly:    manualOnly,
		KYCSnapshot:         kycSnap,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist withdrawal request: %w", err)
	}

	if manualOnly && m.review != nil {
		if err := m.review.EnqueueManualReview(ctx, req); err != nil {
			// The ManualReviewOnly flag already excludes the request
			// from the sweep, so a queue failure is recoverable.
			log.Error().Err(err).Str("withdrawal_id", req.ID.String()).Msg("failed to enqueue manual review")
		}
	}

	m.record(ctx, req, transitionCreated, userID,
		fmt.Sprintf("risk_level=%s pause_hours=%d suspect_sources=%v",
			profile.RiskLevel, pauseHours, sourceCheck.SuspectSources))

	log.Info().
		Str("withdrawal_id", req.ID.String()).
		Str("user_id", userID.String()).
		Int64("requested_tokens", requestedTokens).
		Str("risk_level", string(profile.RiskLevel)).
		Int("pause_hours", pauseHours).
		Bool("manual_review_only", manualOnly).
		Msg("withdrawal request created")
	return req, nil
}

// Approve re-derives the withdrawable ceiling, clamps the amount down to
// it and performs the token burn under the per-user lock. On burn
// failure the request rolls back to PENDING_REVIEW. Approving a request
// already in PROCESSING is a no-op so sweep retries stay safe.
func (m *Manager) Approve(ctx context.Context, id, approverID uuid.UUID) (*models.WithdrawalRequest, error) {
	return m.approve(ctx, id, approverID, transitionApproved)
}

func (m *Manager) approve(ctx context.Context, id, approverID uuid.UUID, transition string) (*models.WithdrawalRequest, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case models.WithdrawalPendingReview:
	case models.WithdrawalProcessing:
		return req, nil
	default:
		return nil, fmt.Errorf("%w: cannot approve from %s", ErrInvalidTransition, req.Status)
	}

	snapshot, err := m.wallet.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet snapshot: %w", err)
	}
	ceiling := snapshot.WithdrawableTokens()
	if ceiling <= 0 {
		m.record(ctx, req, transitionAborted, approverID, "no withdrawable tokens at approval time")
		return nil, ErrNothingWithdrawable
	}
	approved := req.RequestedTokens
	if approved > ceiling {
		approved = ceiling
	}

	release, err := m.locker.Lock(ctx, burnLockKey(req.UserID), burnLockTTL)
	if err != nil {
		if errors.Is(err, queue.ErrLockNotAcquired) || errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("%w: user %s", ErrLockHeld, req.UserID)
		}
		return nil, fmt.Errorf("failed to acquire burn lock: %w", err)
	}
	defer release()

	now := time.Now().UTC()
	req.Status = models.WithdrawalApproved
	req.ApprovedTokens = approved
	req.PayoutAmount = m.fiatValue(approved)
	req.ApprovedAt = &now
	req.UpdatedAt = now
	if err := m.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}

	ledger, err := m.wallet.Burn(ctx, req.UserID, req.ID, approved)
	if err != nil {
		req.Status = models.WithdrawalPendingReview
		req.ApprovedTokens = 0
		req.ApprovedAt = nil
		req.UpdatedAt = time.Now().UTC()
		if rbErr := m.store.Update(ctx, req); rbErr != nil {
			log.Error().Err(rbErr).Str("withdrawal_id", req.ID.String()).Msg("failed to roll back approval")
		}
		m.record(ctx, req, transitionRolledBack, approverID, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}

	req.Status = models.WithdrawalProcessing
	req.UpdatedAt = time.Now().UTC()
	if err := m.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist processing status: %w", err)
	}
	if err := m.store.AccumulateMonthly(ctx, req.UserID, models.MonthKey(now), approved, req.PayoutAmount); err != nil {
		log.Error().Err(err).Str("withdrawal_id", req.ID.String()).Msg("failed to accumulate monthly stats")
	}

	m.record(ctx, req, transition, approverID,
		fmt.Sprintf("approved_tokens=%d balance_after=%d", approved, ledger.BalanceAfter))

	// Payout initiation failures are operational, the burn stands.
	providerID, err := m.payout.Initiate(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("withdrawal_id", req.ID.String()).Msg("payout initiation failed, will retry later")
	} else {
		req.ProviderPayoutID = &providerID
		req.UpdatedAt = time.Now().UTC()
		if err := m.store.Update(ctx, req); err != nil {
			log.Error().Err(err).Str("withdrawal_id", req.ID.String()).Msg("failed to persist provider payout id")
		}
	}

	log.Info().
		Str("withdrawal_id", req.ID.String()).
		Str("user_id", req.UserID.String()).
		Int64("approved_tokens", approved).
		Int64("balance_after", ledger.BalanceAfter).
		Msg("withdrawal approved and burned")
	return req, nil
}

// Reject moves a PENDING_REVIEW request to the REJECTED terminal state.
// No ledger mutation happens on this path.
func (m *Manager) Reject(ctx context.Context, id uuid.UUID, reason string, approverID uuid.UUID) (*models.WithdrawalRequest, error) {
	if reason == "" {
		return nil, ErrEmptyReason
	}
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.WithdrawalPendingReview {
		return nil, fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, req.Status)
	}

	req.Status = models.WithdrawalRejected
	req.RejectionReason = reason
	req.UpdatedAt = time.Now().UTC()
	if err := m.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}

	m.record(ctx, req, transitionRejected, approverID, reason)
	log.Info().
		Str("withdrawal_id", req.ID.String()).
		Str("reason", reason).
		Msg("withdrawal rejected")
	return req, nil
}

// MarkPaid records the payout provider's completion. The transition is
// idempotent: a second call returns ErrAlreadyPaid without mutation.
func (m *Manager) MarkPaid(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == models.WithdrawalPaid {
		return req, ErrAlreadyPaid
	}
	if req.Status != models.WithdrawalProcessing {
		return nil, fmt.Errorf("%w: cannot mark paid from %s", ErrInvalidTransition, req.Status)
	}

	now := time.Now().UTC()
	req.Status = models.WithdrawalPaid
	req.PaidAt = &now
	req.UpdatedAt = now
	if err := m.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist paid status: %w", err)
	}

	m.record(ctx, req, transitionPaid, SystemActor, "")
	log.Info().Str("withdrawal_id", req.ID.String()).Msg("withdrawal marked paid")
	return req, nil
}

// Get returns one request by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return m.store.Get(ctx, id)
}

// ListForUser returns a user's requests, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.WithdrawalRequest, error) {
	return m.store.ListByUser(ctx, userID, limit)
}

// SweepExpiredPauses auto-approves MEDIUM and HIGH requests whose pause
// window has elapsed. Manual-review-only requests are never touched, and
// re-sweeping a request that already reached PROCESSING is a no-op, so
// the sweep is safe to re-run after a scheduler retry.
func (m *Manager) SweepExpiredPauses(ctx context.Context) (int, error) {
	reqs, err := m.store.ListExpiredPending(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired pauses: %w", err)
	}

	approved := 0
	for _, req := range reqs {
		if req.ManualReviewOnly {
			continue
		}
		if _, err := m.approve(ctx, req.ID, SystemActor, transitionAutoApproved); err != nil {
			log.Error().Err(err).Str("withdrawal_id", req.ID.String()).Msg("sweep auto-approval failed")
			continue
		}
		approved++
	}
	if approved > 0 {
		log.Info().Int("approved", approved).Int("scanned", len(reqs)).Msg("pause sweep completed")
	}
	return approved, nil
}

// WithdrawableTokens answers the read-only eligibility query: the
// current ceiling plus every reason that would block a creation right
// now.
func (m *Manager) WithdrawableTokens(ctx context.Context, userID uuid.UUID) (*Eligibility, error) {
	snapshot, err := m.wallet.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet snapshot: %w", err)
	}
	withdrawable := snapshot.WithdrawableTokens()

	var reasons []string
	profile, err := m.risk.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	if profile.UnlockStatus != models.UnlockUnlocked {
		reasons = append(reasons, ReasonEarningsLocked)
	}

	kycSnap, err := m.kyc.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load kyc snapshot: %w", err)
	}
	if kycSnap.Status != models.KYCVerified {
		reasons = append(reasons, ReasonKYCNotVerified)
	}
	if !kycSnap.AgeVerified {
		reasons = append(reasons, ReasonAgeNotVerified)
	}

	if withdrawable < m.cfg.Withdrawal.MinTokens {
		reasons = append(reasons, ReasonInsufficientTokens)
	}

	stats, err := m.store.MonthlyStats(ctx, userID, models.MonthKey(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly stats: %w", err)
	}
	if stats.WithdrawalCount >= m.cfg.Withdrawal.MonthlyCountCap {
		reasons = append(reasons, ReasonMonthlyCountCap)
	}

	return &Eligibility{
		WithdrawableTokens: withdrawable,
		Eligible:           len(reasons) == 0,
		Reasons:            reasons,
	}, nil
}

func (m *Manager) fiatValue(tokens int64) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(m.cfg.Withdrawal.TokenFiatRate).Round(2)
}

func (m *Manager) record(ctx context.Context, req *models.WithdrawalRequest, action string, actorID uuid.UUID, detail string) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordTransition(ctx, req, action, actorID, detail)
}

// refuse records the refusal and returns it as an EligibilityError.
func (m *Manager) refuse(ctx context.Context, userID uuid.UUID, requestedTokens int64, reason, detail string) *EligibilityError {
	if m.recorder != nil {
		m.recorder.RecordRefusal(ctx, userID, requestedTokens, reason, detail)
	}
	return &EligibilityError{Reason: reason, Detail: detail}
}

func burnLockKey(userID uuid.UUID) string {
	return "withdrawal_burn:" + userID.String()
}
