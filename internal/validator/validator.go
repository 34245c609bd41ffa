// Package validator evaluates proposed transactions against the
// immutable rule table, producing violations and an
// ALLOW/BLOCK/AUTO_CORRECT decision. Validation is pure with respect to
// the rule config and performs no external calls.
package validator

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/rules"
)

// Validator checks transactions against the fixed business rules.
type Validator struct {
	cfg *rules.Config
}

// New creates a validator bound to the given rule table.
func New(cfg *rules.Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate evaluates the request and returns the decision. It never
// fails open: an internal panic during evaluation yields BLOCK with a
// synthetic CRITICAL violation.
func (v *Validator) Validate(req *models.ValidationRequest) (result models.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("kind", string(req.Kind)).
				Str("acting_user", req.ActingUserID.String()).
				Msg("Validation panicked, failing closed")
			result = models.ValidationResult{
				Valid:  false,
				Action: models.ActionBlock,
				Violations: []models.ContractViolation{{
					Kind:         models.ViolationInternalError,
					Severity:     models.SeverityCritical,
					Message:      fmt.Sprintf("internal validation failure: %v", r),
					OriginModule: string(req.Kind),
				}},
			}
		}
	}()

	violations := v.checkKind(req)
	return v.decide(req, violations)
}

// checkKind dispatches to the per-kind checklist. The switch is
// exhaustive over the closed kind set; anything else fails closed.
func (v *Validator) checkKind(req *models.ValidationRequest) []models.ContractViolation {
	switch req.Kind {
	case models.KindChatDeposit:
		return v.checkChatDeposit(req)
	case models.KindChatBilling:
		return v.checkChatBilling(req)
	case models.KindVoiceCall:
		return v.checkCall(req, v.cfg.VoiceCallRates)
	case models.KindVideoCall:
		return v.checkCall(req, v.cfg.VideoCallRates)
	case models.KindCalendarBooking, models.KindEventBooking:
		return v.checkBooking(req)
	case models.KindRefundRequest:
		return v.checkRefundRequest(req)
	case models.KindVoluntaryRefund:
		return v.checkVoluntaryRefund(req)
	case models.KindTokenPurchase:
		return v.checkTokenPurchase(req)
	case models.KindRevenueWithdrawal:
		return v.checkRevenueWithdrawal(req)
	case models.KindProductPurchase:
		return v.checkProductPurchase(req)
	default:
		return []models.ContractViolation{{
			Kind:          models.ViolationInternalError,
			Severity:      models.SeverityCritical,
			Message:       "unknown transaction kind",
			DetectedValue: string(req.Kind),
			OriginModule:  "dispatch",
		}}
	}
}

func (v *Validator) checkChatDeposit(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation
	out = append(out, v.checkPriceRange(req.Kind, req.Amount)...)
	out = append(out, v.checkSplit(req.Kind, req.ProposedSplit, v.cfg.ChatSplit)...)
	return out
}

func (v *Validator) checkChatBilling(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation

	tier := req.Tier
	if tier == "" {
		tier = models.TierStandard
	}
	expected, ok := v.cfg.BillingRates[tier]
	if !ok {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationInvalidBillingRate,
			Severity:      models.SeverityHigh,
			Message:       fmt.Sprintf("unknown billing tier %q", tier),
			DetectedValue: tier,
			OriginModule:  string(req.Kind),
		})
	} else if req.BillingRate != nil && *req.BillingRate != expected {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationInvalidBillingRate,
			Severity:      models.SeverityMedium,
			Message:       fmt.Sprintf("billing rate must equal the %s tier constant", tier),
			DetectedValue: *req.BillingRate,
			ExpectedValue: expected,
			OriginModule:  string(req.Kind),
		})
	}

	// Free-chat eligibility applies only to messages marked non-monetized.
	if req.NonMonetized {
		switch {
		case req.AccountAgeDays < v.cfg.FreeChatMinAccountAgeDays:
			out = append(out, models.ContractViolation{
				Kind:          models.ViolationFreeChatAbuse,
				Severity:      models.SeverityHigh,
				Message:       "accounts below the minimum age are never eligible for free chat",
				DetectedValue: req.AccountAgeDays,
				ExpectedValue: v.cfg.FreeChatMinAccountAgeDays,
				OriginModule:  string(req.Kind),
			})
		case !req.LowPopularity:
			out = append(out, models.ContractViolation{
				Kind:         models.ViolationFreeChatAbuse,
				Severity:     models.SeverityHigh,
				Message:      "free chat requires a low-popularity classification",
				OriginModule: string(req.Kind),
			})
		}
	}

	return out
}

func (v *Validator) checkCall(req *models.ValidationRequest, rates map[string]float64) []models.ContractViolation {
	var out []models.ContractViolation

	tier := req.Tier
	if tier == "" {
		tier = models.TierStandard
	}
	expected, ok := rates[tier]
	if !ok {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationInvalidBillingRate,
			Severity:      models.SeverityHigh,
			Message:       fmt.Sprintf("unknown call tier %q", tier),
			DetectedValue: tier,
			OriginModule:  string(req.Kind),
		})
	} else if req.BillingRate != nil && *req.BillingRate != expected {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationInvalidBillingRate,
			Severity:      models.SeverityMedium,
			Message:       "per-minute rate must equal the configured constant for this call type and tier",
			DetectedValue: *req.BillingRate,
			ExpectedValue: expected,
			OriginModule:  string(req.Kind),
		})
	}

	out = append(out, v.checkSplit(req.Kind, req.ProposedSplit, v.cfg.CallSplit)...)
	return out
}

func (v *Validator) checkBooking(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation

	// Each missing safety verification is its own CRITICAL violation.
	if !req.SelfieVerified {
		out = append(out, models.ContractViolation{
			Kind:         models.ViolationMissingSafetyCheck,
			Severity:     models.SeverityCritical,
			Message:      "selfie verification required for bookings",
			OriginModule: string(req.Kind),
		})
	}
	if !req.QRVerified {
		out = append(out, models.ContractViolation{
			Kind:         models.ViolationMissingSafetyCheck,
			Severity:     models.SeverityCritical,
			Message:      "QR in-person verification required for bookings",
			OriginModule: string(req.Kind),
		})
	}

	// Full upfront collection is a configuration invariant, not a user
	// choice.
	if !req.UpfrontPayment {
		out = append(out, models.ContractViolation{
			Kind:         models.ViolationPaymentNotUpfront,
			Severity:     models.SeverityCritical,
			Message:      "booking payment must be collected in full upfront",
			OriginModule: string(req.Kind),
		})
	}

	out = append(out, v.checkSplit(req.Kind, req.ProposedSplit, v.cfg.BookingSplit)...)
	return out
}

func (v *Validator) checkRefundRequest(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation

	hours := 0.0
	if req.HoursUntilEvent != nil {
		hours = *req.HoursUntilEvent
	}
	refundPercent := v.cfg.RefundPercentFor(hours)

	// Only the creator share of the tiered percentage is refundable; the
	// platform fee portion never is.
	creatorShare := req.OriginalAmount * int64(v.cfg.BookingSplit.CreatorPercent) / 100
	ceiling := creatorShare * int64(refundPercent) / 100

	if req.RequestedRefund > ceiling {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationInvalidRefund,
			Severity:      models.SeverityHigh,
			Message:       fmt.Sprintf("refund exceeds the %d%% tier ceiling for %.0fh notice", refundPercent, hours),
			DetectedValue: req.RequestedRefund,
			ExpectedValue: ceiling,
			OriginModule:  string(req.Kind),
		})
	}
	if req.RequestedRefund > creatorShare {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationPlatformFeeRefund,
			Severity:      models.SeverityHigh,
			Message:       "refund would dip into the platform fee portion of the original amount",
			DetectedValue: req.RequestedRefund,
			ExpectedValue: creatorShare,
			OriginModule:  string(req.Kind),
		})
	}

	return out
}

func (v *Validator) checkVoluntaryRefund(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation

	// The platform fee is never refundable regardless of reason.
	refundable := req.OriginalAmount * int64(100-v.cfg.PlatformFeePercent) / 100
	if req.RequestedRefund > refundable {
		out = append(out, models.ContractViolation{
			Kind:          models.ViolationPlatformFeeRefund,
			Severity:      models.SeverityHigh,
			Message:       fmt.Sprintf("the %d%% platform fee is never refundable", v.cfg.PlatformFeePercent),
			DetectedValue: req.RequestedRefund,
			ExpectedValue: refundable,
			OriginModule:  string(req.Kind),
		})
	}

	return out
}

func (v *Validator) checkTokenPurchase(req *models.ValidationRequest) []models.ContractViolation {
	// No discounts, no free tokens, ever.
	if req.Amount < v.cfg.MinTokenPurchase {
		return []models.ContractViolation{{
			Kind:          models.ViolationFreeTokenAttempt,
			Severity:      models.SeverityCritical,
			Message:       "token purchase below the fixed minimum",
			DetectedValue: req.Amount,
			ExpectedValue: v.cfg.MinTokenPurchase,
			OriginModule:  string(req.Kind),
		}}
	}
	return nil
}

func (v *Validator) checkRevenueWithdrawal(req *models.ValidationRequest) []models.ContractViolation {
	// Splits cannot be renegotiated at withdrawal time; proposing one at
	// all is the violation.
	if req.ProposedSplit != nil {
		return []models.ContractViolation{{
			Kind:          models.ViolationSplitRenegotiation,
			Severity:      models.SeverityCritical,
			Message:       "splits cannot be renegotiated at withdrawal time",
			DetectedValue: *req.ProposedSplit,
			OriginModule:  string(req.Kind),
		}}
	}
	return nil
}

func (v *Validator) checkProductPurchase(req *models.ValidationRequest) []models.ContractViolation {
	var out []models.ContractViolation
	out = append(out, v.checkPriceRange(req.Kind, req.Amount)...)
	out = append(out, v.checkSplit(req.Kind, req.ProposedSplit, v.cfg.ChatSplit)...)
	return out
}

// checkPriceRange validates an amount against the shared price bounds.
func (v *Validator) checkPriceRange(kind models.TransactionKind, amount int64) []models.ContractViolation {
	if amount < v.cfg.MinPrice {
		return []models.ContractViolation{{
			Kind:          models.ViolationInvalidPrice,
			Severity:      models.SeverityHigh,
			Message:       "amount below the configured minimum price",
			DetectedValue: amount,
			ExpectedValue: v.cfg.MinPrice,
			OriginModule:  string(kind),
		}}
	}
	if amount > v.cfg.MaxPrice {
		return []models.ContractViolation{{
			Kind:          models.ViolationInvalidPrice,
			Severity:      models.SeverityHigh,
			Message:       "amount above the configured maximum price",
			DetectedValue: amount,
			ExpectedValue: v.cfg.MaxPrice,
			OriginModule:  string(kind),
		}}
	}
	return nil
}

// checkSplit compares a proposed split, if any, against the fixed one.
func (v *Validator) checkSplit(kind models.TransactionKind, proposed *models.Split, fixed models.Split) []models.ContractViolation {
	if proposed == nil || *proposed == fixed {
		return nil
	}
	return []models.ContractViolation{{
		Kind:          models.ViolationInvalidSplit,
		Severity:      models.SeverityMedium,
		Message:       "proposed split must equal the fixed platform/creator split exactly",
		DetectedValue: *proposed,
		ExpectedValue: fixed,
		OriginModule:  string(kind),
	}}
}

// decide applies the decision rule: no violations ALLOW; any CRITICAL
// BLOCK with no correction path; otherwise auto-correct only incorrect
// billing rates and splits, else BLOCK. Detected violations are never
// dropped.
func (v *Validator) decide(req *models.ValidationRequest, violations []models.ContractViolation) models.ValidationResult {
	if len(violations) == 0 {
		return models.ValidationResult{Valid: true, Action: models.ActionAllow}
	}

	for _, viol := range violations {
		if viol.Severity == models.SeverityCritical {
			return models.ValidationResult{
				Valid:      false,
				Action:     models.ActionBlock,
				Violations: violations,
			}
		}
	}

	corrected := v.correct(req, violations)
	if corrected == nil {
		return models.ValidationResult{
			Valid:      false,
			Action:     models.ActionBlock,
			Violations: violations,
		}
	}

	return models.ValidationResult{
		Valid:           false,
		Action:          models.ActionAutoCorrect,
		Violations:      violations,
		CorrectedFields: corrected,
	}
}

// correct substitutes the single correct value for rate and split
// violations. Returns nil when no correctable violation is present.
func (v *Validator) correct(req *models.ValidationRequest, violations []models.ContractViolation) *models.CorrectedFields {
	var fields models.CorrectedFields
	matched := false

	for _, viol := range violations {
		switch viol.Kind {
		case models.ViolationInvalidSplit:
			if expected, ok := viol.ExpectedValue.(models.Split); ok {
				split := expected
				fields.Split = &split
				matched = true
			}
		case models.ViolationInvalidBillingRate:
			if expected, ok := viol.ExpectedValue.(float64); ok {
				rate := expected
				fields.BillingRate = &rate
				matched = true
			}
		}
	}

	if !matched {
		return nil
	}
	return &fields
}
