package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/repositories"
)

// AnalyticsService serves dashboard reads: rolling counters maintained
// by the stream worker, plus heavier SQL aggregates cached for a few
// minutes. Everything here is read-only.
type AnalyticsService struct {
	db    *repositories.Database
	cache *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(db *repositories.Database, cache *queue.CacheClient) *AnalyticsService {
	return &AnalyticsService{db: db, cache: cache}
}

// DaySummary is the counter snapshot for one UTC day.
type DaySummary struct {
	Date        string         `json:"date"`
	Events      int64          `json:"events"`
	Validations int64          `json:"validations"`
	Blocked     int64          `json:"blocked"`
	ByViolation map[string]int `json:"by_violation_kind"`
	ByModule    map[string]int `json:"by_module"`
}

// ViolationSummary returns violation counts for a date from the SQL
// source of truth, cache-first.
func (s *AnalyticsService) ViolationSummary(ctx context.Context, date time.Time) (*DaySummary, error) {
	day := date.UTC().Format("2006-01-02")

	cacheKey := "analytics:violation_summary:" + day
	var cached DaySummary
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	start := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	summary := &DaySummary{
		Date:        day,
		ByViolation: make(map[string]int),
		ByModule:    make(map[string]int),
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE event_type = $3),
			COUNT(*) FILTER (WHERE event_type = $3 AND decision = $4)
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
	`
	err := s.db.Pool.QueryRow(ctx, query, start, end,
		models.AuditEventValidation, string(models.ActionBlock)).
		Scan(&summary.Events, &summary.Validations, &summary.Blocked)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate day summary: %w", err)
	}

	kindQuery := `
		SELECT kind, COUNT(*)
		FROM (
			SELECT unnest(violation_kinds) AS kind
			FROM audit_logs
			WHERE created_at >= $1 AND created_at < $2
		) k
		GROUP BY kind
		ORDER BY COUNT(*) DESC
	`
	rows, err := s.db.Pool.Query(ctx, kindQuery, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate violation kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		summary.ByViolation[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	moduleQuery := `
		SELECT module, COUNT(*)
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY module
	`
	moduleRows, err := s.db.Pool.Query(ctx, moduleQuery, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate modules: %w", err)
	}
	defer moduleRows.Close()
	for moduleRows.Next() {
		var module string
		var count int
		if err := moduleRows.Scan(&module, &count); err != nil {
			return nil, err
		}
		summary.ByModule[module] = count
	}
	if err := moduleRows.Err(); err != nil {
		return nil, err
	}

	cacheTTL := 5 * time.Minute
	if time.Since(start) > 24*time.Hour {
		cacheTTL = time.Hour
	}
	if err := s.cache.Set(ctx, cacheKey, summary, cacheTTL); err != nil {
		log.Warn().Err(err).Msg("Failed to cache violation summary")
	}

	return summary, nil
}

// LiveCounters reads today's rolling counters maintained by the stream
// worker. Cheaper than ViolationSummary and near-real-time, at the
// cost of losing events published before the worker started.
func (s *AnalyticsService) LiveCounters(ctx context.Context, now time.Time) (*DaySummary, error) {
	day := now.UTC().Format("2006-01-02")

	summary := &DaySummary{
		Date:        day,
		ByViolation: make(map[string]int),
		ByModule:    make(map[string]int),
	}

	for name, dest := range map[string]*int64{
		"events":      &summary.Events,
		"validations": &summary.Validations,
		"blocked":     &summary.Blocked,
	} {
		*dest = s.readCounter(ctx, day, name)
	}

	return summary, nil
}

// readCounter treats a missing or unreadable counter as zero.
func (s *AnalyticsService) readCounter(ctx context.Context, day, name string) int64 {
	key := fmt.Sprintf("audit:counters:%s:%s", day, name)
	var n int64
	if err := s.cache.Get(ctx, key, &n); err != nil {
		return 0
	}
	return n
}

// AnomalyBreakdown counts open and resolved anomalies by category over
// the trailing window.
type AnomalyBreakdown struct {
	Days       int            `json:"days"`
	Open       int            `json:"open"`
	Resolved   int            `json:"resolved"`
	ByCategory map[string]int `json:"by_category"`
	ByType     map[string]int `json:"by_type"`
}

// AnomalySummary aggregates anomalies over the trailing N days.
func (s *AnalyticsService) AnomalySummary(ctx context.Context, days int) (*AnomalyBreakdown, error) {
	since := time.Now().AddDate(0, 0, -days)

	breakdown := &AnomalyBreakdown{
		Days:       days,
		ByCategory: make(map[string]int),
		ByType:     make(map[string]int),
	}

	query := `
		SELECT category, type, resolved, COUNT(*)
		FROM anomalies
		WHERE created_at >= $1
		GROUP BY category, type, resolved
	`
	rows, err := s.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate anomalies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, anomalyType string
		var resolved bool
		var count int
		if err := rows.Scan(&category, &anomalyType, &resolved, &count); err != nil {
			return nil, err
		}
		breakdown.ByCategory[category] += count
		breakdown.ByType[anomalyType] += count
		if resolved {
			breakdown.Resolved += count
		} else {
			breakdown.Open += count
		}
	}

	return breakdown, rows.Err()
}

// RiskDistribution counts current risk profiles per band.
type RiskDistribution struct {
	Levels map[string]int `json:"levels"`
	Total  int            `json:"total"`
}

// GetRiskDistribution returns the current risk level distribution.
func (s *AnalyticsService) GetRiskDistribution(ctx context.Context) (*RiskDistribution, error) {
	cacheKey := "analytics:risk_distribution"
	var cached RiskDistribution
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	query := `
		SELECT risk_level, COUNT(*)
		FROM risk_profiles
		GROUP BY risk_level
		ORDER BY
			CASE risk_level
				WHEN 'CRITICAL' THEN 1
				WHEN 'HIGH' THEN 2
				WHEN 'MEDIUM' THEN 3
				WHEN 'LOW' THEN 4
			END
	`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk distribution: %w", err)
	}
	defer rows.Close()

	distribution := &RiskDistribution{Levels: make(map[string]int)}
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		distribution.Levels[level] = count
		distribution.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKey, distribution, 5*time.Minute); err != nil {
		log.Warn().Err(err).Msg("Failed to cache risk distribution")
	}

	return distribution, nil
}

// WithdrawalVolume is one day of withdrawal flow.
type WithdrawalVolume struct {
	Date     string `json:"date"`
	Created  int    `json:"created"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
	Paid     int    `json:"paid"`
	Tokens   int64  `json:"tokens_burned"`
}

// GetWithdrawalVolume returns per-day withdrawal flow over the
// trailing N days.
func (s *AnalyticsService) GetWithdrawalVolume(ctx context.Context, days int) ([]WithdrawalVolume, error) {
	query := `
		SELECT
			TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('APPROVED', 'PROCESSING', 'PAID')),
			COUNT(*) FILTER (WHERE status = 'REJECTED'),
			COUNT(*) FILTER (WHERE status = 'PAID'),
			COALESCE(SUM(approved_tokens) FILTER (WHERE status IN ('PROCESSING', 'PAID')), 0)
		FROM withdrawal_requests
		WHERE created_at >= NOW() - ($1::text || ' days')::interval
		GROUP BY day
		ORDER BY day
	`

	rows, err := s.db.Pool.Query(ctx, query, strconv.Itoa(days))
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal volume: %w", err)
	}
	defer rows.Close()

	var volumes []WithdrawalVolume
	for rows.Next() {
		var v WithdrawalVolume
		if err := rows.Scan(&v.Date, &v.Created, &v.Approved, &v.Rejected, &v.Paid, &v.Tokens); err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}

	return volumes, rows.Err()
}

// SystemMetrics is the operational snapshot for the admin dashboard.
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
	StreamPendingCount  int64     `json:"stream_pending_count"`
	ValidationsPerSec   float64   `json:"validations_per_sec"`
}

// GetSystemMetrics returns current system health numbers.
func (s *AnalyticsService) GetSystemMetrics(ctx context.Context, stream *queue.AuditStreamClient) (*SystemMetrics, error) {
	metrics := &SystemMetrics{Timestamp: time.Now()}

	stats := s.db.Stats()
	metrics.DBConnectionsActive = int(stats.AcquiredConns())
	metrics.DBConnectionsIdle = int(stats.IdleConns())

	if stream != nil {
		if pending, err := stream.GetPendingCount(ctx); err == nil {
			metrics.StreamPendingCount = pending
		}
	}

	query := `
		SELECT COUNT(*)
		FROM audit_logs
		WHERE event_type = $1 AND created_at >= NOW() - INTERVAL '1 minute'
	`
	var count int
	if err := s.db.Pool.QueryRow(ctx, query, models.AuditEventValidation).Scan(&count); err == nil {
		metrics.ValidationsPerSec = float64(count) / 60.0
	}

	return metrics, nil
}

// RecentFlaggedEvents returns the newest violation-bearing events from
// the worker-maintained feed.
func (s *AnalyticsService) RecentFlaggedEvents(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	raw, err := s.cache.LRange(ctx, "audit:recent_events", 0, limit-1)
	if err != nil {
		return nil, err
	}

	events := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		events = append(events, json.RawMessage(item))
	}
	return events, nil
}
