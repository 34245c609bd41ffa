package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/integrity-engine/internal/models"
)

func seedEntry(t *testing.T, store *MemoryStore, entry models.AuditLogEntry) {
	t.Helper()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	require.NoError(t, store.AppendEntry(context.Background(), &entry))
}

func TestDailyReportAggregatesWindow(t *testing.T) {
	store := NewMemoryStore()
	notifier := &stubNotifier{}
	reporter := NewReporter(store, notifier)

	now := time.Now().UTC()
	alice := uuid.New()
	bob := uuid.New()

	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: alice, Module: ModuleValidator,
		Decision: "ALLOW", CreatedAt: now.Add(-2 * time.Hour),
	})
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: alice, Module: ModuleValidator,
		Decision: "BLOCK", ViolationKinds: []string{"INVALID_PRICE"}, MaxSeverity: "HIGH",
		CreatedAt: now.Add(-3 * time.Hour),
	})
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: bob, Module: ModuleValidator,
		Decision: "BLOCK", ViolationKinds: []string{"INVALID_PRICE", "INVALID_SPLIT"}, MaxSeverity: "HIGH",
		CreatedAt: now.Add(-4 * time.Hour),
	})
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventTransition, UserID: bob, Module: ModuleWithdrawal,
		Decision: "approved", CreatedAt: now.Add(-5 * time.Hour),
	})
	// Outside the window, must not count.
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: alice, Module: ModuleValidator,
		Decision: "BLOCK", ViolationKinds: []string{"INVALID_REFUND"},
		CreatedAt: now.Add(-30 * time.Hour),
	})
	require.NoError(t, store.InsertAnomaly(context.Background(), &models.SuspiciousAnomaly{
		ID: uuid.New(), UserID: bob, Type: models.AnomalyRepeatedViolations,
		Category: models.CategoryPriceManipulation, CreatedAt: now.Add(-1 * time.Hour),
	}))

	report, err := reporter.DailyReport(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalValidations)
	assert.Equal(t, 2, report.ViolationCount)
	assert.Equal(t, 2, report.BlockedCount)
	assert.Equal(t, 1, report.AnomalyCount)
	assert.Equal(t, 2, report.ByViolationKind["INVALID_PRICE"])
	assert.Equal(t, 1, report.ByViolationKind["INVALID_SPLIT"])
	assert.Equal(t, 3, report.ByModule[ModuleValidator])
	assert.Equal(t, 1, report.ByModule[ModuleWithdrawal])
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, report.FlaggedForReview)

	assert.Equal(t, []string{"daily integrity report"}, notifier.subjects)
}

func TestDailyReportQuietDayDoesNotNotify(t *testing.T) {
	store := NewMemoryStore()
	notifier := &stubNotifier{}
	reporter := NewReporter(store, notifier)

	now := time.Now().UTC()
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: uuid.New(), Module: ModuleValidator,
		Decision: "ALLOW", CreatedAt: now.Add(-time.Hour),
	})

	report, err := reporter.DailyReport(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, report.ViolationCount)
	assert.Empty(t, notifier.subjects)
}

func TestWeeklyReportRollsUpSevenDays(t *testing.T) {
	store := NewMemoryStore()
	reporter := NewReporter(store, nil)

	now := time.Now().UTC()
	for day := 0; day < 7; day++ {
		seedEntry(t, store, models.AuditLogEntry{
			EventType: models.AuditEventValidation, UserID: uuid.New(), Module: ModuleValidator,
			Decision: "BLOCK", ViolationKinds: []string{"INVALID_PRICE"}, MaxSeverity: "HIGH",
			CreatedAt: now.Add(-time.Duration(day)*24*time.Hour - time.Hour),
		})
	}
	// Eight days back, outside the rollup.
	seedEntry(t, store, models.AuditLogEntry{
		EventType: models.AuditEventValidation, UserID: uuid.New(), Module: ModuleValidator,
		Decision: "BLOCK", ViolationKinds: []string{"INVALID_PRICE"},
		CreatedAt: now.Add(-8*24*time.Hour + time.Hour),
	})

	weekly, err := reporter.WeeklyReport(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, weekly.Days, 7)
	assert.Equal(t, 7, weekly.TotalValidations)
	assert.Equal(t, 7, weekly.ViolationCount)
	assert.Equal(t, 7, weekly.BlockedCount)
	assert.Equal(t, 7, weekly.ByViolationKind["INVALID_PRICE"])
}
