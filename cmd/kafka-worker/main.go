package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/configs"
	"github.com/marketplace/integrity-engine/internal/queue"
)

// This worker does NOT make integrity decisions (the API and sweeper
// own those). It consumes Debezium CDC over the audit_logs and
// withdrawal_requests tables for compliance aggregation, real-time
// dashboard counters and event replay.

// DebeziumMessage represents a CDC event from Debezium
type DebeziumMessage struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source DebeziumSource  `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
}

// DebeziumSource contains metadata about the change
type DebeziumSource struct {
	Connector string `json:"connector"`
	DB        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      int64  `json:"txId"`
	LSN       int64  `json:"lsn"`
}

// AuditLogCDC is an audit_logs row as Debezium serializes it.
type AuditLogCDC struct {
	ID             string   `json:"id"`
	EventType      string   `json:"event_type"`
	UserID         string   `json:"user_id"`
	Module         string   `json:"module"`
	Decision       string   `json:"decision"`
	ViolationKinds []string `json:"violation_kinds"`
	MaxSeverity    string   `json:"max_severity"`
	CreatedAt      string   `json:"created_at"`
}

// WithdrawalCDC is a withdrawal_requests row as Debezium serializes it.
type WithdrawalCDC struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	RequestedTokens int64  `json:"requested_tokens"`
	ApprovedTokens  int64  `json:"approved_tokens"`
	Status          string `json:"status"`
	RiskLevel       string `json:"risk_level_at_creation"`
}

// ComplianceEvent is one normalized change for downstream sinks.
type ComplianceEvent struct {
	EventType    string                 `json:"event_type"`
	Table        string                 `json:"table"`
	EntityID     string                 `json:"entity_id"`
	UserID       string                 `json:"user_id"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	CDCTimestamp int64                  `json:"cdc_timestamp_ms"`
}

// PipelineMetrics tracks live pipeline throughput
type PipelineMetrics struct {
	mu                sync.RWMutex
	AuditEntries      int64
	BlockedDecisions  int64
	WithdrawalCreates int64
	StatusTransitions map[string]int64
	SeverityCounts    map[string]int64
	LastEventTime     time.Time
	EventsPerSecond   float64
	windowStart       time.Time
	windowCount       int64
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		StatusTransitions: make(map[string]int64),
		SeverityCounts:    make(map[string]int64),
		windowStart:       time.Now(),
	}
}

func (m *PipelineMetrics) Record(event *ComplianceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastEventTime = time.Now()
	m.windowCount++

	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	switch event.EventType {
	case "audit_entry_created":
		m.AuditEntries++
		if decision, ok := event.Detail["decision"].(string); ok && decision == "BLOCK" {
			m.BlockedDecisions++
		}
		if severity, ok := event.Detail["max_severity"].(string); ok && severity != "" {
			m.SeverityCounts[severity]++
		}
	case "withdrawal_created":
		m.WithdrawalCreates++
	case "withdrawal_updated":
		if transition, ok := event.Detail["transition"].(string); ok {
			m.StatusTransitions[transition]++
		}
	}
}

func (m *PipelineMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"audit_entries":      m.AuditEntries,
		"blocked_decisions":  m.BlockedDecisions,
		"withdrawal_creates": m.WithdrawalCreates,
		"status_transitions": m.StatusTransitions,
		"severity_counts":    m.SeverityCounts,
		"events_per_second":  m.EventsPerSecond,
		"last_event_time":    m.LastEventTime,
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting Kafka CDC compliance pipeline")

	cfg := configs.Load()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	metrics := NewPipelineMetrics()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Kafka usually starts after this worker in compose; retry.
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &CompliancePipelineHandler{
		metrics:     metrics,
		cacheClient: cacheClient,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping compliance pipeline...")
		cancel()
	}()

	go handler.startMetricsReporter(ctx)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Strs("topics", cfg.Kafka.Topics).
		Str("group_id", cfg.Kafka.ConsumerGroup).
		Msg("Compliance pipeline started, consuming CDC events")

	for {
		if err := consumerGroup.Consume(ctx, cfg.Kafka.Topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down compliance pipeline")
			return
		}
	}
}

// CompliancePipelineHandler processes CDC events for compliance sinks
type CompliancePipelineHandler struct {
	metrics     *PipelineMetrics
	cacheClient *queue.CacheClient
}

func (h *CompliancePipelineHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Compliance pipeline session started")
	return nil
}

func (h *CompliancePipelineHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Compliance pipeline session ended")
	return nil
}

func (h *CompliancePipelineHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *CompliancePipelineHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var debeziumMsg DebeziumMessage
	if err := json.Unmarshal(message.Value, &debeziumMsg); err != nil {
		log.Error().Err(err).Msg("Failed to parse Debezium message")
		return
	}

	var event *ComplianceEvent
	switch debeziumMsg.Source.Table {
	case "audit_logs":
		event = h.auditLogEvent(&debeziumMsg)
	case "withdrawal_requests":
		event = h.withdrawalEvent(&debeziumMsg)
	default:
		return
	}
	if event == nil {
		return
	}

	h.metrics.Record(event)
	h.storeComplianceEvent(ctx, event)
}

func (h *CompliancePipelineHandler) auditLogEvent(msg *DebeziumMessage) *ComplianceEvent {
	// Audit entries are append-only; anything but creates and snapshot
	// reads would mean someone tampered with the log.
	if msg.Op != "c" && msg.Op != "r" {
		log.Warn().
			Str("op", msg.Op).
			Int64("lsn", msg.Source.LSN).
			Msg("Unexpected mutation on append-only audit_logs table")
		return nil
	}
	if msg.After == nil {
		return nil
	}

	var row AuditLogCDC
	if err := json.Unmarshal(msg.After, &row); err != nil {
		log.Error().Err(err).Msg("Failed to parse audit_logs CDC payload")
		return nil
	}

	return &ComplianceEvent{
		EventType: "audit_entry_created",
		Table:     msg.Source.Table,
		EntityID:  row.ID,
		UserID:    row.UserID,
		Detail: map[string]interface{}{
			"event_type":      row.EventType,
			"module":          row.Module,
			"decision":        row.Decision,
			"violation_kinds": row.ViolationKinds,
			"max_severity":    row.MaxSeverity,
		},
		Timestamp:    time.Now(),
		CDCTimestamp: msg.TsMs,
	}
}

func (h *CompliancePipelineHandler) withdrawalEvent(msg *DebeziumMessage) *ComplianceEvent {
	if msg.After == nil {
		return nil
	}

	var row WithdrawalCDC
	if err := json.Unmarshal(msg.After, &row); err != nil {
		log.Error().Err(err).Msg("Failed to parse withdrawal_requests CDC payload")
		return nil
	}

	event := &ComplianceEvent{
		Table:    msg.Source.Table,
		EntityID: row.ID,
		UserID:   row.UserID,
		Detail: map[string]interface{}{
			"status":           row.Status,
			"requested_tokens": row.RequestedTokens,
			"approved_tokens":  row.ApprovedTokens,
			"risk_level":       row.RiskLevel,
		},
		Timestamp:    time.Now(),
		CDCTimestamp: msg.TsMs,
	}

	switch msg.Op {
	case "c":
		event.EventType = "withdrawal_created"
	case "u":
		event.EventType = "withdrawal_updated"
		var prev WithdrawalCDC
		if msg.Before != nil && json.Unmarshal(msg.Before, &prev) == nil && prev.Status != row.Status {
			event.Detail["transition"] = prev.Status + "->" + row.Status
		}
	default:
		return nil
	}

	return event
}

// storeComplianceEvent caches recent events for the dashboard. The
// durable sink (warehouse, SIEM) tails the same topics directly.
func (h *CompliancePipelineHandler) storeComplianceEvent(ctx context.Context, event *ComplianceEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}

	key := "compliance:recent_events"
	if err := h.cacheClient.LPush(ctx, key, string(eventJSON)); err != nil {
		log.Warn().Err(err).Msg("Failed to cache compliance event")
		return
	}
	if err := h.cacheClient.LTrim(ctx, key, 0, 999); err != nil {
		log.Warn().Err(err).Msg("Failed to trim compliance events")
	}
}

func (h *CompliancePipelineHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.Snapshot()
			log.Info().
				Int64("audit_entries", snapshot["audit_entries"].(int64)).
				Int64("blocked", snapshot["blocked_decisions"].(int64)).
				Int64("withdrawals", snapshot["withdrawal_creates"].(int64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Msg("Compliance pipeline metrics")

		case <-ctx.Done():
			return
		}
	}
}
