package validator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/rules"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	cfg := rules.Default()
	require.NoError(t, cfg.Validate())
	return New(cfg)
}

func floatPtr(f float64) *float64 { return &f }

func TestChatDepositBelowMinimumBlocks(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindChatDeposit,
		ActingUserID: uuid.New(),
		Amount:       50,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	viol := result.Violations[0]
	assert.Equal(t, models.ViolationInvalidPrice, viol.Kind)
	assert.Equal(t, int64(50), viol.DetectedValue)
	assert.Equal(t, int64(100), viol.ExpectedValue)
}

func TestChatDepositWithinRangeAllows(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindChatDeposit,
		ActingUserID: uuid.New(),
		Amount:       500,
	})

	assert.True(t, result.Valid)
	assert.Equal(t, models.ActionAllow, result.Action)
	assert.Empty(t, result.Violations)
}

func TestChatDepositAboveMaximumBlocks(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindChatDeposit,
		ActingUserID: uuid.New(),
		Amount:       20000,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, int64(10000), result.Violations[0].ExpectedValue)
}

func TestChatDepositSplitAutoCorrected(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:          models.KindChatDeposit,
		ActingUserID:  uuid.New(),
		Amount:        500,
		ProposedSplit: &models.Split{PlatformPercent: 50, CreatorPercent: 50},
	})

	assert.Equal(t, models.ActionAutoCorrect, result.Action)
	require.NotNil(t, result.CorrectedFields)
	require.NotNil(t, result.CorrectedFields.Split)
	assert.Equal(t, models.Split{PlatformPercent: 35, CreatorPercent: 65}, *result.CorrectedFields.Split)

	// The original violation stays in the result.
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationInvalidSplit, result.Violations[0].Kind)
}

func TestChatBillingWrongRateAutoCorrected(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindChatBilling,
		ActingUserID: uuid.New(),
		Tier:         models.TierElevated,
		BillingRate:  floatPtr(25),
	})

	assert.Equal(t, models.ActionAutoCorrect, result.Action)
	require.NotNil(t, result.CorrectedFields)
	require.NotNil(t, result.CorrectedFields.BillingRate)
	assert.Equal(t, float64(15), *result.CorrectedFields.BillingRate)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationInvalidBillingRate, result.Violations[0].Kind)
}

func TestFreeChatNewAccountNeverEligible(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:           models.KindChatBilling,
		ActingUserID:   uuid.New(),
		Tier:           models.TierStandard,
		BillingRate:    floatPtr(30),
		NonMonetized:   true,
		AccountAgeDays: 3,
		LowPopularity:  true,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationFreeChatAbuse, result.Violations[0].Kind)
}

func TestFreeChatRequiresLowPopularity(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:           models.KindChatBilling,
		ActingUserID:   uuid.New(),
		Tier:           models.TierStandard,
		BillingRate:    floatPtr(30),
		NonMonetized:   true,
		AccountAgeDays: 100,
		LowPopularity:  false,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationFreeChatAbuse, result.Violations[0].Kind)
}

func TestVideoCallWrongRateUsesPerTypeConstant(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindVideoCall,
		ActingUserID: uuid.New(),
		Tier:         models.TierStandard,
		BillingRate:  floatPtr(8), // voice rate, not video
	})

	assert.Equal(t, models.ActionAutoCorrect, result.Action)
	require.NotNil(t, result.CorrectedFields.BillingRate)
	assert.Equal(t, float64(15), *result.CorrectedFields.BillingRate)
}

func TestCallSplitDistinctFromChatSplit(t *testing.T) {
	v := newValidator(t)

	// The chat split is a violation on a call.
	result := v.Validate(&models.ValidationRequest{
		Kind:          models.KindVoiceCall,
		ActingUserID:  uuid.New(),
		Tier:          models.TierStandard,
		BillingRate:   floatPtr(8),
		ProposedSplit: &models.Split{PlatformPercent: 35, CreatorPercent: 65},
	})

	assert.Equal(t, models.ActionAutoCorrect, result.Action)
	assert.Equal(t, models.Split{PlatformPercent: 30, CreatorPercent: 70}, *result.CorrectedFields.Split)
}

func TestBookingMissingSafetyChecksEachCritical(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:           models.KindEventBooking,
		ActingUserID:   uuid.New(),
		Amount:         1000,
		SelfieVerified: false,
		QRVerified:     false,
		UpfrontPayment: true,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 2)
	for _, viol := range result.Violations {
		assert.Equal(t, models.ViolationMissingSafetyCheck, viol.Kind)
		assert.Equal(t, models.SeverityCritical, viol.Severity)
	}
}

func TestBookingPaymentMustBeUpfront(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:           models.KindCalendarBooking,
		ActingUserID:   uuid.New(),
		SelfieVerified: true,
		QRVerified:     true,
		UpfrontPayment: false,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationPaymentNotUpfront, result.Violations[0].Kind)
}

func TestBookingCriticalViolationNeverAutoCorrected(t *testing.T) {
	v := newValidator(t)

	// Correctable split violation alongside a CRITICAL safety one: the
	// CRITICAL wins and there is no correction path.
	result := v.Validate(&models.ValidationRequest{
		Kind:           models.KindEventBooking,
		ActingUserID:   uuid.New(),
		SelfieVerified: true,
		QRVerified:     false,
		UpfrontPayment: true,
		ProposedSplit:  &models.Split{PlatformPercent: 50, CreatorPercent: 50},
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	assert.Nil(t, result.CorrectedFields)
	assert.Len(t, result.Violations, 2)
}

func TestRefundShortNoticeGetsZeroPercent(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:            models.KindRefundRequest,
		ActingUserID:    uuid.New(),
		HoursUntilEvent: floatPtr(30),
		OriginalAmount:  1000,
		RequestedRefund: 100,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	kinds := violationKinds(result)
	assert.Contains(t, kinds, models.ViolationInvalidRefund)
	for _, viol := range result.Violations {
		if viol.Kind == models.ViolationInvalidRefund {
			assert.Equal(t, int64(0), viol.ExpectedValue)
		}
	}
}

func TestRefundTierTable(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name    string
		hours   float64
		refund  int64
		allowed bool
	}{
		{"full refund window", 80, 800, true},   // 100% of 80% creator share of 1000
		{"half refund window", 50, 400, true},   // 50% of creator share
		{"half window excess", 50, 500, false},  // above the 50% ceiling
		{"no refund window", 10, 1, false},      // any nonzero amount
		{"zero request always fine", 10, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := v.Validate(&models.ValidationRequest{
				Kind:            models.KindRefundRequest,
				ActingUserID:    uuid.New(),
				HoursUntilEvent: floatPtr(tc.hours),
				OriginalAmount:  1000,
				RequestedRefund: tc.refund,
			})
			if tc.allowed {
				assert.Equal(t, models.ActionAllow, result.Action)
			} else {
				assert.Equal(t, models.ActionBlock, result.Action)
			}
		})
	}
}

func TestRefundNeverTouchesPlatformFee(t *testing.T) {
	v := newValidator(t)

	// Creator share of 1000 at the booking split is 800; asking for 900
	// dips into the platform fee even inside the 100% tier.
	result := v.Validate(&models.ValidationRequest{
		Kind:            models.KindRefundRequest,
		ActingUserID:    uuid.New(),
		HoursUntilEvent: floatPtr(100),
		OriginalAmount:  1000,
		RequestedRefund: 900,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	assert.Contains(t, violationKinds(result), models.ViolationPlatformFeeRefund)
}

func TestVoluntaryRefundExcludesPlatformFee(t *testing.T) {
	v := newValidator(t)

	// 35% platform fee on 1000 leaves 650 refundable.
	result := v.Validate(&models.ValidationRequest{
		Kind:            models.KindVoluntaryRefund,
		ActingUserID:    uuid.New(),
		OriginalAmount:  1000,
		RequestedRefund: 700,
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationPlatformFeeRefund, result.Violations[0].Kind)
	assert.Equal(t, int64(650), result.Violations[0].ExpectedValue)

	ok := v.Validate(&models.ValidationRequest{
		Kind:            models.KindVoluntaryRefund,
		ActingUserID:    uuid.New(),
		OriginalAmount:  1000,
		RequestedRefund: 650,
	})
	assert.Equal(t, models.ActionAllow, ok.Action)
}

func TestTokenPurchaseNoFreeTokensEver(t *testing.T) {
	v := newValidator(t)

	for _, amount := range []int64{0, 1, 49} {
		result := v.Validate(&models.ValidationRequest{
			Kind:         models.KindTokenPurchase,
			ActingUserID: uuid.New(),
			Amount:       amount,
		})
		assert.Equal(t, models.ActionBlock, result.Action, "amount %d", amount)
		require.Len(t, result.Violations, 1)
		assert.Equal(t, models.ViolationFreeTokenAttempt, result.Violations[0].Kind)
		assert.Equal(t, models.SeverityCritical, result.Violations[0].Severity)
	}

	ok := v.Validate(&models.ValidationRequest{
		Kind:         models.KindTokenPurchase,
		ActingUserID: uuid.New(),
		Amount:       50,
	})
	assert.Equal(t, models.ActionAllow, ok.Action)
}

func TestWithdrawalSplitRenegotiationBlocked(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:          models.KindRevenueWithdrawal,
		ActingUserID:  uuid.New(),
		Amount:        1000,
		ProposedSplit: &models.Split{PlatformPercent: 10, CreatorPercent: 90},
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationSplitRenegotiation, result.Violations[0].Kind)
	assert.Equal(t, models.SeverityCritical, result.Violations[0].Severity)

	ok := v.Validate(&models.ValidationRequest{
		Kind:         models.KindRevenueWithdrawal,
		ActingUserID: uuid.New(),
		Amount:       1000,
	})
	assert.Equal(t, models.ActionAllow, ok.Action)
}

func TestProductPurchaseSharesChatRules(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.KindProductPurchase,
		ActingUserID: uuid.New(),
		Amount:       50,
	})
	assert.Equal(t, models.ActionBlock, result.Action)
	assert.Contains(t, violationKinds(result), models.ViolationInvalidPrice)
}

func TestUnknownKindFailsClosed(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&models.ValidationRequest{
		Kind:         models.TransactionKind("gift_card"),
		ActingUserID: uuid.New(),
	})

	assert.Equal(t, models.ActionBlock, result.Action)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, models.ViolationInternalError, result.Violations[0].Kind)
	assert.Equal(t, models.SeverityCritical, result.Violations[0].Severity)
}

func TestDecisionInvariants(t *testing.T) {
	v := newValidator(t)

	// A sweep over representative requests: ALLOW iff no violations,
	// BLOCK whenever any CRITICAL violation is present.
	requests := []*models.ValidationRequest{
		{Kind: models.KindChatDeposit, Amount: 500},
		{Kind: models.KindChatDeposit, Amount: 5},
		{Kind: models.KindTokenPurchase, Amount: 0},
		{Kind: models.KindEventBooking, UpfrontPayment: true},
		{Kind: models.KindChatBilling, Tier: models.TierStandard, BillingRate: floatPtr(29)},
	}

	for _, req := range requests {
		req.ActingUserID = uuid.New()
		result := v.Validate(req)

		if len(result.Violations) == 0 {
			assert.Equal(t, models.ActionAllow, result.Action)
			assert.True(t, result.Valid)
		} else {
			assert.NotEqual(t, models.ActionAllow, result.Action)
		}
		for _, viol := range result.Violations {
			if viol.Severity == models.SeverityCritical {
				assert.Equal(t, models.ActionBlock, result.Action)
			}
		}
	}
}

func violationKinds(result models.ValidationResult) []models.ViolationKind {
	kinds := make([]models.ViolationKind, 0, len(result.Violations))
	for _, viol := range result.Violations {
		kinds = append(kinds, viol.Kind)
	}
	return kinds
}
