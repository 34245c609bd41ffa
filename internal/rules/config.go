// Package rules holds the immutable business-rule constants every
// validator and gate reads. The config is loaded once at startup and
// passed by reference; nothing mutates it at runtime. Tests substitute
// an alternate Config without touching validator logic.
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/marketplace/integrity-engine/internal/models"
)

// RefundTier maps a notice window to the refundable percentage of the
// creator share.
type RefundTier struct {
	MinHoursNotice float64
	RefundPercent  int
}

// SignalWeight is one weighted boolean risk detector. Deltas are
// configuration data, not constants baked into scoring logic, so they
// can be tuned without a code change.
type SignalWeight struct {
	Name  string
	Delta int
}

// Risk signal names. Detection logic lives in the risk engine; the
// deltas live here.
const (
	SignalCopyPaste        = "copy_paste_pattern"
	SignalMultiAccount     = "multi_account_suspicion"
	SignalPopularitySpike  = "sudden_popularity_spike"
	SignalFraudComplaints  = "fraud_complaints"
	SignalOneWordMessages  = "one_word_paid_messages"
	SignalQualityChats     = "quality_interactions"
	SignalVerifiedEvents   = "verified_event_attendance"
	SignalPositiveReviews  = "multiple_positive_reviews"
	SignalVideoEngagement  = "verified_video_engagement"
)

// UnlockCriteria holds the thresholds of the six-criterion earnings
// unlock gate.
type UnlockCriteria struct {
	MinPaidChatExchanges    int
	MinCallMinutes          int
	MaxFraudComplaints30d   int // strictly fewer than this
	MinAverageRating        float64
	MinDistinctCounterparts int
}

// WithdrawalRules bounds a single withdrawal and the monthly totals.
type WithdrawalRules struct {
	MinTokens        int64
	MaxTokens        int64
	MonthlyTokenCap  int64
	MonthlyFiatCap   decimal.Decimal
	MonthlyCountCap  int
	PauseHours       map[models.RiskLevel]int
	SourceCheckPause int // minimum pause hours when source authenticity fails
	TokenFiatRate    decimal.Decimal
	PayoutCurrency   string
}

// AnomalyRules makes detection windows and scan caps explicit, bounded
// parameters rather than implicit query limits.
type AnomalyRules struct {
	RepeatedViolationWindowHours int
	RepeatedViolationThreshold   int
	ScanCap                      int
}

// Config is the versionless, read-only rule table.
type Config struct {
	// Pricing (tokens). Product purchases share the chat price range.
	MinPrice int64
	MaxPrice int64

	// Fixed revenue splits; each must sum to 100.
	ChatSplit    models.Split
	CallSplit    models.Split
	BookingSplit models.Split

	// Chat billing rates, words per token, by tier.
	BillingRates map[string]float64

	// Per-minute call rates by call type and tier.
	VoiceCallRates map[string]float64
	VideoCallRates map[string]float64

	// Free chat eligibility.
	FreeChatMinAccountAgeDays int

	// Refunds. Tiers ordered by descending notice window; first match wins.
	RefundTiers        []RefundTier
	PlatformFeePercent int

	// Token purchases.
	MinTokenPurchase int64

	// Risk scoring.
	SignalWeights  []SignalWeight
	RiskBands      map[models.RiskLevel]int // inclusive upper bound per band
	Unlock         UnlockCriteria

	// Withdrawals.
	Withdrawal WithdrawalRules

	// Anomaly detection.
	Anomaly AnomalyRules
}

// Default returns the production rule table.
func Default() *Config {
	return &Config{
		MinPrice: 100,
		MaxPrice: 10000,

		ChatSplit:    models.Split{PlatformPercent: 35, CreatorPercent: 65},
		CallSplit:    models.Split{PlatformPercent: 30, CreatorPercent: 70},
		BookingSplit: models.Split{PlatformPercent: 20, CreatorPercent: 80},

		BillingRates: map[string]float64{
			models.TierStandard: 30,
			models.TierElevated: 15,
		},
		VoiceCallRates: map[string]float64{
			models.TierStandard: 8,
			models.TierElevated: 12,
		},
		VideoCallRates: map[string]float64{
			models.TierStandard: 15,
			models.TierElevated: 22,
		},

		FreeChatMinAccountAgeDays: 14,

		RefundTiers: []RefundTier{
			{MinHoursNotice: 72, RefundPercent: 100},
			{MinHoursNotice: 48, RefundPercent: 50},
			{MinHoursNotice: 0, RefundPercent: 0},
		},
		PlatformFeePercent: 35,

		MinTokenPurchase: 50,

		SignalWeights: []SignalWeight{
			{Name: SignalCopyPaste, Delta: 18},
			{Name: SignalMultiAccount, Delta: 40},
			{Name: SignalPopularitySpike, Delta: 25},
			{Name: SignalFraudComplaints, Delta: 35},
			{Name: SignalOneWordMessages, Delta: 14},
			{Name: SignalQualityChats, Delta: -12},
			{Name: SignalVerifiedEvents, Delta: -15},
			{Name: SignalPositiveReviews, Delta: -20},
			{Name: SignalVideoEngagement, Delta: -30},
		},
		RiskBands: map[models.RiskLevel]int{
			models.RiskLevelLow:      39,
			models.RiskLevelMedium:   59,
			models.RiskLevelHigh:     79,
			models.RiskLevelCritical: 100,
		},
		Unlock: UnlockCriteria{
			MinPaidChatExchanges:    300,
			MinCallMinutes:          60,
			MaxFraudComplaints30d:   3,
			MinAverageRating:        3.6,
			MinDistinctCounterparts: 25,
		},

		Withdrawal: WithdrawalRules{
			MinTokens:       500,
			MaxTokens:       50000,
			MonthlyTokenCap: 100000,
			MonthlyFiatCap:  decimal.NewFromInt(1200),
			MonthlyCountCap: 4,
			PauseHours: map[models.RiskLevel]int{
				models.RiskLevelLow:      0,
				models.RiskLevelMedium:   24,
				models.RiskLevelHigh:     48,
				models.RiskLevelCritical: 72,
			},
			SourceCheckPause: 48,
			TokenFiatRate:    decimal.RequireFromString("0.012"),
			PayoutCurrency:   "USD",
		},

		Anomaly: AnomalyRules{
			RepeatedViolationWindowHours: 24,
			RepeatedViolationThreshold:   3,
			ScanCap:                      200,
		},
	}
}

// SignalDelta looks up a signal's configured delta. Unknown signals
// contribute nothing.
func (c *Config) SignalDelta(name string) int {
	for _, w := range c.SignalWeights {
		if w.Name == name {
			return w.Delta
		}
	}
	return 0
}

// RefundPercentFor resolves the refund percentage for the given notice
// window from the fixed tier table.
func (c *Config) RefundPercentFor(hoursUntilEvent float64) int {
	for _, tier := range c.RefundTiers {
		if hoursUntilEvent >= tier.MinHoursNotice {
			return tier.RefundPercent
		}
	}
	return 0
}

// LevelForScore maps a clamped score onto its risk band.
func (c *Config) LevelForScore(score int) models.RiskLevel {
	switch {
	case score <= c.RiskBands[models.RiskLevelLow]:
		return models.RiskLevelLow
	case score <= c.RiskBands[models.RiskLevelMedium]:
		return models.RiskLevelMedium
	case score <= c.RiskBands[models.RiskLevelHigh]:
		return models.RiskLevelHigh
	default:
		return models.RiskLevelCritical
	}
}

// Validate checks internal consistency of the rule table.
func (c *Config) Validate() error {
	if c.MinPrice <= 0 || c.MaxPrice < c.MinPrice {
		return fmt.Errorf("invalid price bounds [%d, %d]", c.MinPrice, c.MaxPrice)
	}
	for name, split := range map[string]models.Split{
		"chat":    c.ChatSplit,
		"call":    c.CallSplit,
		"booking": c.BookingSplit,
	} {
		if split.Sum() != 100 {
			return fmt.Errorf("%s split sums to %d, want 100", name, split.Sum())
		}
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		return fmt.Errorf("platform fee percent %d out of range", c.PlatformFeePercent)
	}
	if c.Withdrawal.MinTokens <= 0 || c.Withdrawal.MaxTokens < c.Withdrawal.MinTokens {
		return fmt.Errorf("invalid withdrawal bounds [%d, %d]",
			c.Withdrawal.MinTokens, c.Withdrawal.MaxTokens)
	}
	if c.Anomaly.RepeatedViolationThreshold <= 0 || c.Anomaly.ScanCap <= 0 {
		return fmt.Errorf("anomaly thresholds must be positive")
	}
	return nil
}
