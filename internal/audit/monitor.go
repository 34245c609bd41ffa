package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/rules"
)

// Module names recorded on audit entries.
const (
	ModuleValidator  = "validator"
	ModuleRisk       = "risk"
	ModuleWithdrawal = "withdrawal"
	ModuleAudit      = "audit"
)

// Violation kinds that create a CRITICAL_VIOLATION anomaly on sight,
// independent of the repeated-violation count.
var designatedCriticalKinds = map[models.ViolationKind]bool{
	models.ViolationSplitRenegotiation: true,
	models.ViolationFreeTokenAttempt:   true,
	models.ViolationMissingSafetyCheck: true,
}

// Monitor writes the immutable audit trail and raises anomalies from
// it. Persistence failures are logged and swallowed: observability
// never blocks the business transition that produced the record.
type Monitor struct {
	cfg      *rules.Config
	store    Store
	stream   StreamPublisher
	guard    AccountGuard
	notifier Notifier
}

func NewMonitor(cfg *rules.Config, store Store, stream StreamPublisher, guard AccountGuard, notifier Notifier) *Monitor {
	return &Monitor{cfg: cfg, store: store, stream: stream, guard: guard, notifier: notifier}
}

// RecordValidation writes one entry per validator decision and runs
// anomaly detection when the decision carried violations.
func (m *Monitor) RecordValidation(ctx context.Context, req *models.ValidationRequest, result *models.ValidationResult) {
	entry := &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: models.AuditEventValidation,
		UserID:    req.ActingUserID,
		Module:    ModuleValidator,
		Decision:  string(result.Action),
		RequestID: req.RequestID,
		Detail: models.JSONB{
			"kind":   string(req.Kind),
			"amount": req.Amount,
		},
		CreatedAt: time.Now().UTC(),
	}
	for _, v := range result.Violations {
		entry.ViolationKinds = append(entry.ViolationKinds, string(v.Kind))
	}
	entry.MaxSeverity = string(maxSeverity(result.Violations))

	m.append(ctx, entry)

	if len(result.Violations) > 0 {
		m.detectAnomalies(ctx, req.ActingUserID, result.Violations)
	}
}

// RecordTransition satisfies the withdrawal lifecycle's recorder.
func (m *Monitor) RecordTransition(ctx context.Context, req *models.WithdrawalRequest, action string, actorID uuid.UUID, detail string) {
	eventType := models.AuditEventTransition
	if action == "rejected" {
		eventType = models.AuditEventRejection
	}
	entry := &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: eventType,
		UserID:    req.UserID,
		Module:    ModuleWithdrawal,
		Decision:  action,
		Detail: models.JSONB{
			"withdrawal_id":    req.ID.String(),
			"status":           string(req.Status),
			"requested_tokens": req.RequestedTokens,
			"approved_tokens":  req.ApprovedTokens,
			"detail":           detail,
		},
		CreatedAt: time.Now().UTC(),
	}
	if actorID != uuid.Nil {
		entry.ActorID = &actorID
	}
	m.append(ctx, entry)
}

// RecordRefusal writes one entry per refused withdrawal creation, so
// the trail carries the machine-readable reason alongside the request
// transitions.
func (m *Monitor) RecordRefusal(ctx context.Context, userID uuid.UUID, requestedTokens int64, reason, detail string) {
	m.append(ctx, &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: models.AuditEventRejection,
		UserID:    userID,
		Module:    ModuleWithdrawal,
		Decision:  reason,
		Detail: models.JSONB{
			"requested_tokens": requestedTokens,
			"detail":           detail,
		},
		CreatedAt: time.Now().UTC(),
	})
}

// RecordRiskComputation writes one entry per risk snapshot overwrite.
func (m *Monitor) RecordRiskComputation(ctx context.Context, profile *models.RiskProfile) {
	entry := &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: models.AuditEventRiskComputed,
		UserID:    profile.UserID,
		Module:    ModuleRisk,
		Decision:  string(profile.RiskLevel),
		Detail: models.JSONB{
			"risk_score":    profile.RiskScore,
			"unlock_status": string(profile.UnlockStatus),
			"signals_fired": profile.SignalsFired,
		},
		CreatedAt: time.Now().UTC(),
	}
	m.append(ctx, entry)
}

func (m *Monitor) append(ctx context.Context, entry *models.AuditLogEntry) {
	if err := m.store.AppendEntry(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("event_type", entry.EventType).
			Str("user_id", entry.UserID.String()).
			Msg("failed to write audit entry")
	}
	if m.stream == nil {
		return
	}
	event := &models.AuditEvent{
		EntryID:        entry.ID.String(),
		EventType:      entry.EventType,
		UserID:         entry.UserID.String(),
		Module:         entry.Module,
		Decision:       entry.Decision,
		ViolationKinds: entry.ViolationKinds,
		MaxSeverity:    entry.MaxSeverity,
		Timestamp:      entry.CreatedAt,
	}
	if err := m.stream.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("entry_id", event.EntryID).Msg("failed to publish audit event")
	}
}

// detectAnomalies runs after any violation-bearing validation. The two
// detectors are independent: a single designated kind raises a
// CRITICAL_VIOLATION anomaly immediately, and crossing the trailing
// 24h threshold raises REPEATED_VIOLATIONS on top of it.
func (m *Monitor) detectAnomalies(ctx context.Context, userID uuid.UUID, violations []models.ContractViolation) {
	for _, v := range violations {
		if designatedCriticalKinds[v.Kind] {
			m.createAnomaly(ctx, userID, models.AnomalyCriticalViolation, violations)
			break
		}
	}

	window := time.Duration(m.cfg.Anomaly.RepeatedViolationWindowHours) * time.Hour
	count, err := m.store.CountViolationEntries(ctx, userID, time.Now().UTC().Add(-window), m.cfg.Anomaly.ScanCap)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to count trailing violations")
		return
	}
	if count >= m.cfg.Anomaly.RepeatedViolationThreshold {
		m.createAnomaly(ctx, userID, models.AnomalyRepeatedViolations, violations)
	}
}

func (m *Monitor) createAnomaly(ctx context.Context, userID uuid.UUID, anomalyType models.AnomalyType, violations []models.ContractViolation) {
	kinds := make([]string, 0, len(violations))
	for _, v := range violations {
		kinds = append(kinds, string(v.Kind))
	}

	anomaly := &models.SuspiciousAnomaly{
		ID:       uuid.New(),
		UserID:   userID,
		Type:     anomalyType,
		Category: classifyCategory(violations),
		Severity: maxSeverity(violations),
		TriggeringDetail: models.JSONB{
			"violation_kinds": kinds,
		},
		AutoActionsTaken: protectiveActions(violations),
		CreatedAt:        time.Now().UTC(),
	}

	if err := m.store.InsertAnomaly(ctx, anomaly); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to persist anomaly")
		return
	}

	for _, action := range anomaly.AutoActionsTaken {
		switch action {
		case models.ActionNotifyReviewers:
			m.notify(ctx, "anomaly detected", models.JSONB{
				"anomaly_id": anomaly.ID.String(),
				"user_id":    userID.String(),
				"type":       string(anomalyType),
				"category":   string(anomaly.Category),
			})
		default:
			if m.guard == nil {
				continue
			}
			if err := m.guard.Apply(ctx, userID, action); err != nil {
				log.Error().Err(err).Str("action", action).Str("user_id", userID.String()).Msg("failed to apply protective action")
			}
		}
	}

	m.append(ctx, &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: models.AuditEventAnomalyAction,
		UserID:    userID,
		Module:    ModuleAudit,
		Decision:  string(anomalyType),
		Detail: models.JSONB{
			"anomaly_id": anomaly.ID.String(),
			"category":   string(anomaly.Category),
			"actions":    anomaly.AutoActionsTaken,
		},
		CreatedAt: time.Now().UTC(),
	})

	log.Warn().
		Str("user_id", userID.String()).
		Str("type", string(anomalyType)).
		Str("category", string(anomaly.Category)).
		Strs("actions", anomaly.AutoActionsTaken).
		Msg("anomaly created")
}

func (m *Monitor) notify(ctx context.Context, subject string, detail map[string]interface{}) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyReviewers(ctx, subject, detail); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to notify reviewers")
	}
}

// classifyCategory picks the anomaly category by first-match precedence
// over the violation kinds present.
func classifyCategory(violations []models.ContractViolation) models.AnomalyCategory {
	present := make(map[models.ViolationKind]bool, len(violations))
	for _, v := range violations {
		present[v.Kind] = true
	}
	switch {
	case present[models.ViolationInvalidSplit] || present[models.ViolationSplitRenegotiation]:
		return models.CategorySplitManipulation
	case present[models.ViolationFreeChatAbuse] || present[models.ViolationFreeTokenAttempt]:
		return models.CategoryFreeFeatureAbuse
	case present[models.ViolationInvalidRefund] || present[models.ViolationPlatformFeeRefund]:
		return models.CategoryRefundFraud
	case present[models.ViolationMissingSafetyCheck] || present[models.ViolationPaymentNotUpfront]:
		return models.CategorySafetyBypass
	default:
		return models.CategoryPriceManipulation
	}
}

// protectiveActions derives the fixed action set for an anomaly.
func protectiveActions(violations []models.ContractViolation) []string {
	actions := []string{models.ActionFlagForReview}
	if maxSeverity(violations) == models.SeverityCritical {
		actions = append(actions, models.ActionFreezeEarnings, models.ActionNotifyReviewers)
	}
	for _, v := range violations {
		switch v.Kind {
		case models.ViolationMissingSafetyCheck, models.ViolationPaymentNotUpfront:
			actions = appendUnique(actions, models.ActionBlockBookings)
		case models.ViolationFreeTokenAttempt:
			actions = appendUnique(actions, models.ActionBlockTokenPurchases)
		}
	}
	return actions
}

func appendUnique(actions []string, action string) []string {
	for _, a := range actions {
		if a == action {
			return actions
		}
	}
	return append(actions, action)
}

var severityRank = map[models.ViolationSeverity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

func maxSeverity(violations []models.ContractViolation) models.ViolationSeverity {
	var max models.ViolationSeverity
	for _, v := range violations {
		if severityRank[v.Severity] > severityRank[max] {
			max = v.Severity
		}
	}
	return max
}
