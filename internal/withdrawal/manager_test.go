package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/risk"
	"github.com/marketplace/integrity-engine/internal/rules"
)

type stubRisk struct {
	profile models.RiskProfile
	source  risk.SourceCheckResult
}

func (s *stubRisk) GetProfile(context.Context, uuid.UUID) (*models.RiskProfile, error) {
	cp := s.profile
	return &cp, nil
}

func (s *stubRisk) CheckSourceAuthenticity(context.Context, uuid.UUID) (*risk.SourceCheckResult, error) {
	cp := s.source
	return &cp, nil
}

type stubKYC struct {
	snap models.KYCSnapshot
}

func (s *stubKYC) Snapshot(context.Context, uuid.UUID) (models.KYCSnapshot, error) {
	return s.snap, nil
}

type stubPayout struct {
	calls int
	fail  bool
}

func (s *stubPayout) Initiate(context.Context, *models.WithdrawalRequest) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("provider unavailable")
	}
	return fmt.Sprintf("po_%d", s.calls), nil
}

type stubReview struct {
	enqueued []uuid.UUID
}

func (s *stubReview) EnqueueManualReview(_ context.Context, req *models.WithdrawalRequest) error {
	s.enqueued = append(s.enqueued, req.ID)
	return nil
}

type stubRecorder struct {
	transitions []string
	refusals    []string
}

func (s *stubRecorder) RecordTransition(_ context.Context, _ *models.WithdrawalRequest, action string, _ uuid.UUID, _ string) {
	s.transitions = append(s.transitions, action)
}

func (s *stubRecorder) RecordRefusal(_ context.Context, _ uuid.UUID, _ int64, reason, _ string) {
	s.refusals = append(s.refusals, reason)
}

// failingWallet reads through but refuses every burn, standing in for a
// conditional update that matched no rows.
type failingWallet struct {
	*MemoryWallet
}

func (f *failingWallet) Burn(context.Context, uuid.UUID, uuid.UUID, int64) (*models.LedgerTransaction, error) {
	return nil, errors.New("conditional update matched no rows")
}

type fixture struct {
	manager  *Manager
	store    *MemoryStore
	wallet   *MemoryWallet
	risk     *stubRisk
	kyc      *stubKYC
	payout   *stubPayout
	review   *stubReview
	recorder *stubRecorder
	userID   uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		store:  NewMemoryStore(),
		wallet: NewMemoryWallet(),
		risk: &stubRisk{
			profile: models.RiskProfile{RiskScore: 10, RiskLevel: models.RiskLevelLow, UnlockStatus: models.UnlockUnlocked},
			source:  risk.SourceCheckResult{Authentic: true},
		},
		kyc:      &stubKYC{snap: models.KYCSnapshot{Status: models.KYCVerified, AgeVerified: true, PayoutMethod: "bank"}},
		payout:   &stubPayout{},
		review:   &stubReview{},
		recorder: &stubRecorder{},
		userID:   uuid.New(),
	}
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID:         f.userID,
		Balance:        1000,
		LifetimeEarned: 5000,
		TotalWithdrawn: 0,
	})
	f.manager = NewManager(rules.Default(), f.store, f.wallet, f.kyc, f.payout,
		f.risk, f.review, NewMemoryLocker(), f.recorder)
	return f
}

func eligibilityReason(t *testing.T, err error) string {
	t.Helper()
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	return elig.Reason
}

func TestCreatePendingReview(t *testing.T) {
	f := newFixture()

	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	assert.Equal(t, models.WithdrawalPendingReview, req.Status)
	assert.Equal(t, int64(500), req.RequestedTokens)
	assert.Equal(t, int64(0), req.ApprovedTokens)
	assert.Equal(t, 0, req.PauseHours)
	assert.False(t, req.ManualReviewOnly)
	assert.Equal(t, "USD", req.PayoutCurrency)
	assert.True(t, decimal.RequireFromString("6").Equal(req.PayoutAmount), "500 tokens at 0.012")
	assert.Empty(t, f.review.enqueued)
}

func TestCreatePreconditionOrder(t *testing.T) {
	cases := []struct {
		name       string
		arrange    func(*fixture)
		tokens     int64
		wantReason string
	}{
		{
			"earnings locked refused outright",
			func(f *fixture) { f.risk.profile.UnlockStatus = models.UnlockLocked },
			500, ReasonEarningsLocked,
		},
		{
			"kyc pending",
			func(f *fixture) { f.kyc.snap.Status = models.KYCPending },
			500, ReasonKYCNotVerified,
		},
		{
			"age not verified",
			func(f *fixture) { f.kyc.snap.AgeVerified = false },
			500, ReasonAgeNotVerified,
		},
		{
			"requested above withdrawable",
			func(f *fixture) {
				f.wallet.SetWallet(models.WalletSnapshot{
					UserID: f.userID, Balance: 5000, LifetimeEarned: 700, TotalWithdrawn: 0,
				})
			},
			800, ReasonInsufficientTokens,
		},
		{
			"below per-request minimum",
			func(f *fixture) {}, 400, ReasonAmountOutOfBounds,
		},
		{
			"above per-request maximum",
			func(f *fixture) {
				f.wallet.SetWallet(models.WalletSnapshot{
					UserID: f.userID, Balance: 80000, LifetimeEarned: 80000, TotalWithdrawn: 0,
				})
			},
			60000, ReasonAmountOutOfBounds,
		},
		{
			"monthly token cap",
			func(f *fixture) {
				month := models.MonthKey(time.Now().UTC())
				require.NoError(t, f.store.AccumulateMonthly(context.Background(), f.userID, month,
					99600, decimal.NewFromInt(1100)))
			},
			500, ReasonMonthlyAmountCap,
		},
		{
			"monthly count cap",
			func(f *fixture) {
				month := models.MonthKey(time.Now().UTC())
				for i := 0; i < 4; i++ {
					require.NoError(t, f.store.AccumulateMonthly(context.Background(), f.userID, month,
						100, decimal.NewFromInt(1)))
				}
			},
			500, ReasonMonthlyCountCap,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			tc.arrange(f)

			req, err := f.manager.Create(context.Background(), f.userID, tc.tokens)
			assert.Nil(t, req)
			assert.Equal(t, tc.wantReason, eligibilityReason(t, err))

			// The refusal itself leaves a trail entry with its reason.
			assert.Equal(t, []string{tc.wantReason}, f.recorder.refusals)
			assert.Empty(t, f.recorder.transitions)
		})
	}
}

func TestCreateRiskGatedPauses(t *testing.T) {
	cases := []struct {
		level          models.RiskLevel
		score          int
		wantPause      int
		wantManualOnly bool
	}{
		{models.RiskLevelLow, 10, 0, false},
		{models.RiskLevelMedium, 45, 24, false},
		{models.RiskLevelHigh, 70, 48, false},
		{models.RiskLevelCritical, 82, 72, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			f := newFixture()
			f.risk.profile.RiskScore = tc.score
			f.risk.profile.RiskLevel = tc.level

			req, err := f.manager.Create(context.Background(), f.userID, 500)
			require.NoError(t, err)

			assert.Equal(t, tc.wantPause, req.PauseHours)
			assert.Equal(t, tc.wantManualOnly, req.ManualReviewOnly)
			assert.Equal(t, tc.score, req.RiskScoreAtCreation)
			if tc.wantManualOnly {
				assert.Equal(t, []uuid.UUID{req.ID}, f.review.enqueued)
			}
		})
	}
}

func TestCreateSourceCheckPauseCombinesByMax(t *testing.T) {
	// LOW alone would carry no pause; a failed source check forces 48h.
	f := newFixture()
	f.risk.source = risk.SourceCheckResult{Authentic: false, SuspectSources: []string{"chat"}}

	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	assert.Equal(t, 48, req.PauseHours)
	assert.False(t, req.ManualReviewOnly)

	// CRITICAL's 72h already dominates the 48h floor.
	f = newFixture()
	f.risk.profile.RiskLevel = models.RiskLevelCritical
	f.risk.source = risk.SourceCheckResult{Authentic: false, SuspectSources: []string{"event"}}

	req, err = f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	assert.Equal(t, 72, req.PauseHours)
}

func TestApproveClampsToCurrentCeiling(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 1000)
	require.NoError(t, err)

	// The wallet shrank between creation and approval.
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: f.userID, Balance: 600, LifetimeEarned: 5000, TotalWithdrawn: 0,
	})

	approverID := uuid.New()
	got, err := f.manager.Approve(context.Background(), req.ID, approverID)
	require.NoError(t, err)

	assert.Equal(t, models.WithdrawalProcessing, got.Status)
	assert.Equal(t, int64(600), got.ApprovedTokens)
	assert.True(t, decimal.RequireFromString("7.2").Equal(got.PayoutAmount))
	require.NotNil(t, got.ProviderPayoutID)

	snapshot, err := f.wallet.Snapshot(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Balance)
	assert.Equal(t, int64(600), snapshot.TotalWithdrawn)
	require.Len(t, f.wallet.Ledger(), 1)
	assert.Equal(t, int64(600), f.wallet.Ledger()[0].Tokens)

	stats, err := f.store.MonthlyStats(context.Background(), f.userID, models.MonthKey(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, int64(600), stats.TokensWithdrawn)
	assert.Equal(t, 1, stats.WithdrawalCount)
}

func TestApproveAbortsOnZeroCeiling(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 1000)
	require.NoError(t, err)

	// Everything earned has already been withdrawn.
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: f.userID, Balance: 1000, LifetimeEarned: 5000, TotalWithdrawn: 5000,
	})

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNothingWithdrawable)

	got, err := f.manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)
	assert.Empty(t, f.wallet.Ledger())
	assert.Contains(t, f.recorder.transitions, "approval_aborted")
}

func TestApproveRollsBackOnBurnFailure(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	f.manager.wallet = &failingWallet{f.wallet}

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	assert.ErrorIs(t, err, ErrBurnFailed)

	got, err := f.manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)
	assert.Equal(t, int64(0), got.ApprovedTokens)
	assert.Nil(t, got.ApprovedAt)
	assert.Zero(t, f.payout.calls)
}

func TestApproveProcessingIsNoOp(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	require.NoError(t, err)

	got, err := f.manager.Approve(context.Background(), req.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalProcessing, got.Status)
	assert.Len(t, f.wallet.Ledger(), 1, "no double burn")
}

func TestApproveTerminalStatesRefused(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	_, err = f.manager.Reject(context.Background(), req.ID, "documents inconsistent", uuid.New())
	require.NoError(t, err)

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApprovePayoutFailureKeepsProcessing(t *testing.T) {
	f := newFixture()
	f.payout.fail = true
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	got, err := f.manager.Approve(context.Background(), req.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalProcessing, got.Status)
	assert.Nil(t, got.ProviderPayoutID)
	assert.Len(t, f.wallet.Ledger(), 1, "the burn stands")
}

// contendedLocker fails every acquisition the way the Redis-backed
// locker does when another holder owns the key.
type contendedLocker struct{}

func (contendedLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return nil, queue.ErrLockNotAcquired
}

func TestApproveContendedLockSurfacesAsLockHeld(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	f.manager.locker = contendedLocker{}

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	assert.ErrorIs(t, err, ErrLockHeld)

	got, err := f.manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)
	assert.Empty(t, f.wallet.Ledger())
}

func TestListForUserNewestFirst(t *testing.T) {
	f := newFixture()
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: f.userID, Balance: 10000, LifetimeEarned: 10000, TotalWithdrawn: 0,
	})

	first, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	backdate(t, f, first.ID, time.Hour)
	second, err := f.manager.Create(context.Background(), f.userID, 600)
	require.NoError(t, err)

	// Another user's request stays out of the listing.
	otherUser := uuid.New()
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: otherUser, Balance: 10000, LifetimeEarned: 10000, TotalWithdrawn: 0,
	})
	_, err = f.manager.Create(context.Background(), otherUser, 700)
	require.NoError(t, err)

	reqs, err := f.manager.ListForUser(context.Background(), f.userID, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, second.ID, reqs[0].ID)
	assert.Equal(t, first.ID, reqs[1].ID)

	limited, err := f.manager.ListForUser(context.Background(), f.userID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}

func TestReject(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	_, err = f.manager.Reject(context.Background(), req.ID, "", uuid.New())
	assert.ErrorIs(t, err, ErrEmptyReason)

	got, err := f.manager.Reject(context.Background(), req.ID, "mismatched payout account", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, got.Status)
	assert.Equal(t, "mismatched payout account", got.RejectionReason)
	assert.Empty(t, f.wallet.Ledger())

	_, err = f.manager.Reject(context.Background(), req.ID, "again", uuid.New())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkPaidIdempotent(t *testing.T) {
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)

	_, err = f.manager.MarkPaid(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot pay before processing")

	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	require.NoError(t, err)

	got, err := f.manager.MarkPaid(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	firstPaidAt := *got.PaidAt

	again, err := f.manager.MarkPaid(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	require.NotNil(t, again.PaidAt)
	assert.Equal(t, firstPaidAt, *again.PaidAt, "no mutation on the second call")
	assert.Len(t, f.wallet.Ledger(), 1)
}

func backdate(t *testing.T, f *fixture, id uuid.UUID, d time.Duration) {
	t.Helper()
	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	req.CreatedAt = req.CreatedAt.Add(-d)
	require.NoError(t, f.store.Update(context.Background(), req))
}

func TestSweepAutoApprovesExpiredPauses(t *testing.T) {
	f := newFixture()
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: f.userID, Balance: 10000, LifetimeEarned: 10000, TotalWithdrawn: 0,
	})

	f.risk.profile.RiskLevel = models.RiskLevelMedium
	f.risk.profile.RiskScore = 45
	medium, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	backdate(t, f, medium.ID, 25*time.Hour)

	criticalUser := uuid.New()
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: criticalUser, Balance: 10000, LifetimeEarned: 10000, TotalWithdrawn: 0,
	})
	f.risk.profile.RiskLevel = models.RiskLevelCritical
	f.risk.profile.RiskScore = 82
	critical, err := f.manager.Create(context.Background(), criticalUser, 500)
	require.NoError(t, err)
	backdate(t, f, critical.ID, 80*time.Hour)

	approved, err := f.manager.SweepExpiredPauses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, approved)

	got, err := f.manager.Get(context.Background(), medium.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalProcessing, got.Status)

	// CRITICAL waits for a human no matter how long ago it was created.
	got, err = f.manager.Get(context.Background(), critical.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)

	// A retried sweep finds nothing left to approve.
	approved, err = f.manager.SweepExpiredPauses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, approved)
	assert.Len(t, f.wallet.Ledger(), 1)
}

func TestSweepLeavesLowRiskForReviewer(t *testing.T) {
	// A LOW request carries no pause, so it is instantly past its
	// window; it still needs a human approval.
	f := newFixture()
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	require.Equal(t, 0, req.PauseHours)
	backdate(t, f, req.ID, time.Hour)

	approved, err := f.manager.SweepExpiredPauses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, approved)

	got, err := f.manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)
	assert.Empty(t, f.wallet.Ledger())

	// A reviewer can still approve it directly.
	_, err = f.manager.Approve(context.Background(), req.ID, uuid.New())
	require.NoError(t, err)
}

func TestSweepSkipsUnexpiredPause(t *testing.T) {
	f := newFixture()
	f.risk.profile.RiskLevel = models.RiskLevelHigh
	f.risk.profile.RiskScore = 70
	req, err := f.manager.Create(context.Background(), f.userID, 500)
	require.NoError(t, err)
	backdate(t, f, req.ID, 12*time.Hour)

	approved, err := f.manager.SweepExpiredPauses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, approved)

	got, err := f.manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPendingReview, got.Status)
}

func TestWithdrawableTokens(t *testing.T) {
	f := newFixture()

	elig, err := f.manager.WithdrawableTokens(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), elig.WithdrawableTokens)
	assert.True(t, elig.Eligible)
	assert.Empty(t, elig.Reasons)

	f.risk.profile.UnlockStatus = models.UnlockLocked
	f.kyc.snap.Status = models.KYCPending
	f.wallet.SetWallet(models.WalletSnapshot{
		UserID: f.userID, Balance: 100, LifetimeEarned: 100, TotalWithdrawn: 0,
	})

	elig, err = f.manager.WithdrawableTokens(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), elig.WithdrawableTokens)
	assert.False(t, elig.Eligible)
	assert.Equal(t, []string{ReasonEarningsLocked, ReasonKYCNotVerified, ReasonInsufficientTokens}, elig.Reasons)
}

func TestWithdrawableClampTriples(t *testing.T) {
	cases := []struct {
		balance, earned, withdrawn, want int64
	}{
		{1000, 5000, 0, 1000},
		{1000, 600, 0, 600},
		{1000, 5000, 4800, 200},
		{1000, 5000, 5000, 0},
		{1000, 5000, 6000, 0},
		{0, 5000, 0, 0},
	}
	for _, tc := range cases {
		snapshot := models.WalletSnapshot{Balance: tc.balance, LifetimeEarned: tc.earned, TotalWithdrawn: tc.withdrawn}
		assert.Equal(t, tc.want, snapshot.WithdrawableTokens(),
			"balance=%d earned=%d withdrawn=%d", tc.balance, tc.earned, tc.withdrawn)
	}
}
