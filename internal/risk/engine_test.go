package risk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/rules"
)

// stubSource serves canned activity history.
type stubSource struct {
	metrics  models.BehavioralMetrics
	verified bool
	earnings map[FundingSource]int64
}

func (s *stubSource) Metrics(context.Context, uuid.UUID) (models.BehavioralMetrics, error) {
	return s.metrics, nil
}

func (s *stubSource) IdentityVerified(context.Context, uuid.UUID) (bool, error) {
	return s.verified, nil
}

func (s *stubSource) EarningsBySource(context.Context, uuid.UUID) (map[FundingSource]int64, error) {
	return s.earnings, nil
}

// cleanMetrics satisfies every unlock criterion and fires no signals.
func cleanMetrics() models.BehavioralMetrics {
	return models.BehavioralMetrics{
		PaidChatExchanges:    500,
		CallMinutes:          120,
		FraudComplaints30d:   0,
		AverageRating:        4.5,
		DistinctCounterparts: 40,
	}
}

type stubRecorder struct {
	profiles []*models.RiskProfile
}

func (r *stubRecorder) RecordRiskComputation(_ context.Context, profile *models.RiskProfile) {
	r.profiles = append(r.profiles, profile)
}

func newEngine(source *stubSource) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	return NewEngine(rules.Default(), source, store, nil, nil), store
}

func TestCleanUserScoresZeroAndUnlocks(t *testing.T) {
	engine, store := newEngine(&stubSource{metrics: cleanMetrics(), verified: true})
	userID := uuid.New()

	profile, err := engine.Compute(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, 0, profile.RiskScore)
	assert.Equal(t, models.RiskLevelLow, profile.RiskLevel)
	assert.Equal(t, models.UnlockUnlocked, profile.UnlockStatus)
	assert.Empty(t, profile.FailedCriteria)

	// Snapshot persisted and one history event appended.
	saved, err := store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, profile.RiskScore, saved.RiskScore)
	assert.Len(t, store.Events(), 1)
}

func TestSignalDeltasSumAndBands(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*models.BehavioralMetrics)
		wantScore int
		wantLevel models.RiskLevel
	}{
		{
			"copy paste only",
			func(m *models.BehavioralMetrics) { m.DuplicateTextRatio = 0.5 },
			18, models.RiskLevelLow,
		},
		{
			"multi account only",
			func(m *models.BehavioralMetrics) { m.LinkedAccounts = 3 },
			40, models.RiskLevelMedium,
		},
		{
			"complaints plus multi account",
			func(m *models.BehavioralMetrics) {
				m.LinkedAccounts = 4
				m.FraudComplaints30d = 3
			},
			75, models.RiskLevelHigh,
		},
		{
			"everything bad",
			func(m *models.BehavioralMetrics) {
				m.DuplicateTextRatio = 0.9
				m.LinkedAccounts = 5
				m.Earnings7d = 600
				m.EarningsPrior7d = 100
				m.FraudComplaints30d = 5
				m.OneWordPaidRatio = 0.9
			},
			100, models.RiskLevelCritical, // 18+40+25+35+14=132, clamped
		},
		{
			"positive signals clamp at zero",
			func(m *models.BehavioralMetrics) {
				m.QualityChats = 5
				m.VerifiedEvents = 4
				m.PositiveReviews = 20
				m.LongVideoCalls = 3
			},
			0, models.RiskLevelLow, // -77 clamped to 0
		},
		{
			"mixed signals net out",
			func(m *models.BehavioralMetrics) {
				m.LinkedAccounts = 3   // +40
				m.PositiveReviews = 15 // -20
			},
			20, models.RiskLevelLow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := cleanMetrics()
			tc.mutate(&metrics)
			engine, _ := newEngine(&stubSource{metrics: metrics, verified: true})

			profile, err := engine.Compute(context.Background(), uuid.New())
			require.NoError(t, err)
			assert.Equal(t, tc.wantScore, profile.RiskScore)
			assert.Equal(t, tc.wantLevel, profile.RiskLevel)
			assert.GreaterOrEqual(t, profile.RiskScore, 0)
			assert.LessOrEqual(t, profile.RiskScore, 100)
		})
	}
}

func TestEveryComputationReachesTheRecorder(t *testing.T) {
	recorder := &stubRecorder{}
	store := NewMemoryStore()
	engine := NewEngine(rules.Default(), &stubSource{metrics: cleanMetrics(), verified: true}, store, nil, recorder)
	userID := uuid.New()

	_, err := engine.Compute(context.Background(), userID)
	require.NoError(t, err)
	_, err = engine.Compute(context.Background(), userID)
	require.NoError(t, err)

	require.Len(t, recorder.profiles, 2)
	assert.Equal(t, userID, recorder.profiles[0].UserID)
	assert.Equal(t, models.RiskLevelLow, recorder.profiles[1].RiskLevel)
}

func TestMultiAccountSignalBoundary(t *testing.T) {
	// Exactly three accounts sharing a fingerprint fire the detector;
	// two do not. The metric counts the user's own account.
	metrics := cleanMetrics()
	metrics.LinkedAccounts = 2
	engine, _ := newEngine(&stubSource{metrics: metrics, verified: true})
	profile, err := engine.Compute(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NotContains(t, profile.SignalsFired, rules.SignalMultiAccount)
	assert.Equal(t, 0, profile.RiskScore)

	metrics.LinkedAccounts = 3
	engine, _ = newEngine(&stubSource{metrics: metrics, verified: true})
	profile, err = engine.Compute(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Contains(t, profile.SignalsFired, rules.SignalMultiAccount)
	assert.Equal(t, 40, profile.RiskScore)
}

func TestPopularitySpikeNeedsPriorEarnings(t *testing.T) {
	metrics := cleanMetrics()
	metrics.Earnings7d = 10000
	metrics.EarningsPrior7d = 0
	engine, _ := newEngine(&stubSource{metrics: metrics, verified: true})

	profile, err := engine.Compute(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NotContains(t, profile.SignalsFired, rules.SignalPopularitySpike)
}

func TestUnlockEnumeratesFailedCriteria(t *testing.T) {
	metrics := models.BehavioralMetrics{
		PaidChatExchanges:    299, // just under
		CallMinutes:          60,
		FraudComplaints30d:   3, // at the limit fails (<3 required)
		AverageRating:        3.6,
		DistinctCounterparts: 10,
	}
	engine, _ := newEngine(&stubSource{metrics: metrics, verified: false})

	result, err := engine.EvaluateUnlock(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, models.UnlockLocked, result.Status)
	assert.ElementsMatch(t, []string{
		CriterionIdentity,
		CriterionExchanges,
		CriterionComplaints,
		CriterionCounterparts,
	}, result.FailedCriteria)
}

func TestUnlockSingleCriterionFailureLocks(t *testing.T) {
	metrics := cleanMetrics()
	metrics.AverageRating = 3.5
	engine, _ := newEngine(&stubSource{metrics: metrics, verified: true})

	result, err := engine.EvaluateUnlock(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.UnlockLocked, result.Status)
	assert.Equal(t, []string{CriterionRating}, result.FailedCriteria)
}

func TestMonthlyResetPreservesUnlock(t *testing.T) {
	metrics := cleanMetrics()
	metrics.LinkedAccounts = 5
	metrics.FraudComplaints30d = 0
	engine, store := newEngine(&stubSource{metrics: metrics, verified: true})
	userID := uuid.New()

	profile, err := engine.Compute(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, 40, profile.RiskScore)
	require.Equal(t, models.UnlockUnlocked, profile.UnlockStatus)

	count, err := engine.ResetMonthlyScores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reset, err := store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, reset.RiskScore)
	assert.Equal(t, models.RiskLevelLow, reset.RiskLevel)
	assert.Equal(t, models.UnlockUnlocked, reset.UnlockStatus)
}

func TestRecomputeOverwritesSnapshot(t *testing.T) {
	source := &stubSource{metrics: cleanMetrics(), verified: true}
	engine, store := newEngine(source)
	userID := uuid.New()

	_, err := engine.Compute(context.Background(), userID)
	require.NoError(t, err)

	source.metrics.LinkedAccounts = 3
	profile, err := engine.Compute(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 40, profile.RiskScore)

	// One current snapshot, two history events.
	saved, err := store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 40, saved.RiskScore)
	assert.Len(t, store.Events(), 2)
}

func TestSourceAuthenticityHeuristics(t *testing.T) {
	cases := []struct {
		name    string
		metrics func() models.BehavioralMetrics
		earn    map[FundingSource]int64
		suspect []string
	}{
		{
			"clean earner",
			cleanMetrics,
			map[FundingSource]int64{SourceChat: 1000, SourceCall: 500},
			nil,
		},
		{
			"farmed chat earnings",
			func() models.BehavioralMetrics {
				m := cleanMetrics()
				m.OneWordPaidRatio = 0.8
				return m
			},
			map[FundingSource]int64{SourceChat: 1000},
			[]string{"chat"},
		},
		{
			"call earnings without talk time",
			func() models.BehavioralMetrics {
				m := cleanMetrics()
				m.CallMinutes = 5
				return m
			},
			map[FundingSource]int64{SourceCall: 2000},
			[]string{"call"},
		},
		{
			"event earnings never verified",
			func() models.BehavioralMetrics {
				m := cleanMetrics()
				m.VerifiedEvents = 0
				return m
			},
			map[FundingSource]int64{SourceEvent: 3000},
			[]string{"event"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := newEngine(&stubSource{
				metrics:  tc.metrics(),
				verified: true,
				earnings: tc.earn,
			})

			result, err := engine.CheckSourceAuthenticity(context.Background(), uuid.New())
			require.NoError(t, err)
			assert.Equal(t, len(tc.suspect) == 0, result.Authentic)
			assert.ElementsMatch(t, tc.suspect, result.SuspectSources)
		})
	}
}
