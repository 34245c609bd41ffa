package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
)

// reportScanLimit bounds how many audit rows one report window reads.
const reportScanLimit = 5000

// Reporter builds the scheduled daily and weekly rollups. Reports flag
// rule-violating transactions for manual correction; they never fix
// anything themselves.
type Reporter struct {
	store    Store
	notifier Notifier
}

func NewReporter(store Store, notifier Notifier) *Reporter {
	return &Reporter{store: store, notifier: notifier}
}

// DailyReport aggregates the 24 hours before now and notifies reviewers
// whenever the window contained violations.
func (r *Reporter) DailyReport(ctx context.Context, now time.Time) (*models.DailyReport, error) {
	report, err := r.dailyWindow(ctx, now)
	if err != nil {
		return nil, err
	}

	if report.ViolationCount > 0 && r.notifier != nil {
		detail := map[string]interface{}{
			"date":            report.Date,
			"violation_count": report.ViolationCount,
			"blocked_count":   report.BlockedCount,
			"anomaly_count":   report.AnomalyCount,
			"flagged_users":   len(report.FlaggedForReview),
		}
		if err := r.notifier.NotifyReviewers(ctx, "daily integrity report", detail); err != nil {
			log.Error().Err(err).Msg("failed to send daily report notification")
		}
	}

	r.recordGenerated(ctx, "daily", report.Date, report.ViolationCount)
	log.Info().
		Str("date", report.Date).
		Int("validations", report.TotalValidations).
		Int("violations", report.ViolationCount).
		Int("anomalies", report.AnomalyCount).
		Msg("daily report generated")
	return report, nil
}

// WeeklyReport rolls up the seven daily windows ending at now.
func (r *Reporter) WeeklyReport(ctx context.Context, now time.Time) (*models.WeeklyReport, error) {
	weekly := &models.WeeklyReport{
		WeekStart:       now.UTC().AddDate(0, 0, -7).Format("2006-01-02"),
		ByViolationKind: make(map[string]int),
		GeneratedAt:     time.Now().UTC(),
	}

	for i := 6; i >= 0; i-- {
		end := now.AddDate(0, 0, -i)
		day, err := r.dailyWindow(ctx, end)
		if err != nil {
			return nil, fmt.Errorf("failed to build daily window ending %s: %w", end.Format("2006-01-02"), err)
		}
		weekly.Days = append(weekly.Days, day)
		weekly.TotalValidations += day.TotalValidations
		weekly.ViolationCount += day.ViolationCount
		weekly.BlockedCount += day.BlockedCount
		weekly.AnomalyCount += day.AnomalyCount
		for kind, n := range day.ByViolationKind {
			weekly.ByViolationKind[kind] += n
		}
	}

	r.recordGenerated(ctx, "weekly", weekly.WeekStart, weekly.ViolationCount)
	log.Info().
		Str("week_start", weekly.WeekStart).
		Int("violations", weekly.ViolationCount).
		Msg("weekly report generated")
	return weekly, nil
}

// dailyWindow aggregates one 24h window without side effects.
func (r *Reporter) dailyWindow(ctx context.Context, end time.Time) (*models.DailyReport, error) {
	end = end.UTC()
	since := end.Add(-24 * time.Hour)
	entries, err := r.store.ListEntriesInWindow(ctx, since, end, reportScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	report := &models.DailyReport{
		Date:            end.Format("2006-01-02"),
		ByViolationKind: make(map[string]int),
		ByModule:        make(map[string]int),
		GeneratedAt:     time.Now().UTC(),
	}
	flagged := make(map[uuid.UUID]bool)
	for _, entry := range entries {
		report.ByModule[entry.Module]++
		if entry.EventType == models.AuditEventValidation {
			report.TotalValidations++
			if entry.Decision == string(models.ActionBlock) {
				report.BlockedCount++
			}
		}
		if !entry.HasViolations() {
			continue
		}
		report.ViolationCount++
		for _, kind := range entry.ViolationKinds {
			report.ByViolationKind[kind]++
		}
		if !flagged[entry.UserID] {
			flagged[entry.UserID] = true
			report.FlaggedForReview = append(report.FlaggedForReview, entry.UserID)
		}
	}

	anomalies, err := r.store.CountAnomaliesInWindow(ctx, since, end)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	report.AnomalyCount = anomalies
	return report, nil
}

func (r *Reporter) recordGenerated(ctx context.Context, kind, period string, violations int) {
	entry := &models.AuditLogEntry{
		ID:        uuid.New(),
		EventType: models.AuditEventReportGenerated,
		Module:    ModuleAudit,
		Decision:  kind,
		Detail: models.JSONB{
			"period":          period,
			"violation_count": violations,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to record report generation")
	}
}
