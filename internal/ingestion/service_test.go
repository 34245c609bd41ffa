package ingestion

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/integrity-engine/internal/audit"
	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/rules"
	"github.com/marketplace/integrity-engine/internal/validator"
)

func newService(t *testing.T) (*ValidationService, *audit.MemoryStore) {
	t.Helper()
	cfg := rules.Default()
	require.NoError(t, cfg.Validate())
	store := audit.NewMemoryStore()
	monitor := audit.NewMonitor(cfg, store, nil, nil, nil)
	return NewValidationService(validator.New(cfg), monitor, nil), store
}

func intPtr(n int) *int { return &n }

func TestCheckAllowsValidDeposit(t *testing.T) {
	svc, store := newService(t)

	resp, err := svc.Check(context.Background(), &CheckRequest{
		Kind:         string(models.KindChatDeposit),
		ActingUserID: uuid.NewString(),
		Amount:       500,
	}, "req-1")

	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.True(t, resp.Result.Valid)
	assert.Equal(t, models.ActionAllow, resp.Result.Action)
	assert.False(t, resp.Cached)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditEventValidation, entries[0].EventType)
	assert.Equal(t, string(models.ActionAllow), entries[0].Decision)
}

func TestCheckRecordsViolations(t *testing.T) {
	svc, store := newService(t)
	userID := uuid.New()

	resp, err := svc.Check(context.Background(), &CheckRequest{
		Kind:            string(models.KindChatDeposit),
		ActingUserID:    userID.String(),
		Amount:          500,
		PlatformPercent: intPtr(20),
		CreatorPercent:  intPtr(80),
	}, "req-2")

	require.NoError(t, err)
	assert.False(t, resp.Result.Valid)

	entries := store.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, userID, entries[0].UserID)
	assert.NotEmpty(t, entries[0].ViolationKinds)
}

func TestCheckRejectsMalformedUserID(t *testing.T) {
	svc, store := newService(t)

	_, err := svc.Check(context.Background(), &CheckRequest{
		Kind:         string(models.KindChatDeposit),
		ActingUserID: "not-a-uuid",
		Amount:       500,
	}, "req-3")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "acting_user_id")
	assert.Empty(t, store.Entries())
}

func TestCheckRejectsMalformedCounterpartyID(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Check(context.Background(), &CheckRequest{
		Kind:           string(models.KindChatDeposit),
		ActingUserID:   uuid.NewString(),
		CounterpartyID: "garbage",
		Amount:         500,
	}, "req-4")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "counterparty_id")
}

func TestCheckBatchCountsDecisions(t *testing.T) {
	svc, _ := newService(t)

	resp, err := svc.CheckBatch(context.Background(), &BatchCheckRequest{
		Requests: []CheckRequest{
			{Kind: string(models.KindChatDeposit), ActingUserID: uuid.NewString(), Amount: 500},
			{Kind: string(models.KindChatDeposit), ActingUserID: uuid.NewString(), Amount: 50},
			{Kind: string(models.KindChatDeposit), ActingUserID: "not-a-uuid", Amount: 500},
		},
	}, "batch-1")

	require.NoError(t, err)
	assert.Equal(t, 1, resp.Allowed)
	assert.Equal(t, 2, resp.Blocked)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "batch-1-0", resp.Results[0].RequestID)

	malformed := resp.Results[2]
	require.Len(t, malformed.Result.Violations, 1)
	assert.Equal(t, models.ViolationInternalError, malformed.Result.Violations[0].Kind)
	assert.Equal(t, models.SeverityCritical, malformed.Result.Violations[0].Severity)
}
