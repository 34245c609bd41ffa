package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/models"
	"github.com/marketplace/integrity-engine/internal/queue"
)

const (
	counterTTL      = 48 * time.Hour
	recentEventsKey = "audit:recent_events"
	recentEventsCap = 999
)

// WorkerConfig sizes the stream consumer pool.
type WorkerConfig struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
}

// DefaultWorkerConfig returns the sizing used when nothing overrides it.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Concurrency: 4, BatchSize: 50, PollInterval: 2 * time.Second}
}

// Worker drains the audit event stream off the request path: rolling
// analytics counters, the recent-events feed, dead-lettering of poison
// messages. It never makes integrity decisions; those happened before
// the event was published.
type Worker struct {
	id      string
	stream  *queue.AuditStreamClient
	cache   *queue.CacheClient
	config  WorkerConfig
	wg      sync.WaitGroup
	stopCh  chan struct{}
	metrics *WorkerMetrics
}

// WorkerMetrics tracks consumer throughput
type WorkerMetrics struct {
	mu              sync.RWMutex
	ProcessedCount  int64
	FailedCount     int64
	LastProcessedAt time.Time
}

// NewWorker creates a new audit stream worker
func NewWorker(id string, stream *queue.AuditStreamClient, cache *queue.CacheClient, config WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config = DefaultWorkerConfig()
	}
	return &Worker{
		id:      id,
		stream:  stream,
		cache:   cache,
		config:  config,
		stopCh:  make(chan struct{}),
		metrics: &WorkerMetrics{},
	}
}

// Start runs the consumer goroutines until Stop or context cancel.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting audit stream worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	<-ctx.Done()
	return w.Stop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Audit stream worker stopped")
	return nil
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume audit events")
		time.Sleep(time.Second)
		return
	}

	if len(messages) == 0 {
		return
	}

	var ackIDs []string
	for _, msg := range messages {
		if err := w.processEvent(ctx, msg.Event); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("entry_id", msg.Event.EntryID).
				Msg("Failed to process audit event")

			if msg.Event.RetryCount < w.stream.MaxRetries() {
				msg.Event.RetryCount++
				if pubErr := w.stream.Publish(ctx, msg.Event); pubErr != nil {
					log.Error().Err(pubErr).Msg("Failed to requeue audit event")
				}
			} else if dlqErr := w.stream.SendToDeadLetter(ctx, msg.Event, err); dlqErr != nil {
				log.Error().Err(dlqErr).Msg("Failed to dead-letter audit event")
			}

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()
		} else {
			w.metrics.mu.Lock()
			w.metrics.ProcessedCount++
			w.metrics.LastProcessedAt = time.Now()
			w.metrics.mu.Unlock()
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge audit events")
	}
}

// processEvent folds one audit event into the rolling counters. Keys
// are day-scoped and expire after 48h so the dashboard reads cheap
// INCR counters instead of scanning audit_logs.
func (w *Worker) processEvent(ctx context.Context, event *models.AuditEvent) error {
	day := event.Timestamp.UTC().Format("2006-01-02")

	if _, err := w.cache.IncrementBy(ctx, counterKey(day, "events"), 1, counterTTL); err != nil {
		return fmt.Errorf("failed to bump event counter: %w", err)
	}

	if event.EventType == models.AuditEventValidation {
		if _, err := w.cache.IncrementBy(ctx, counterKey(day, "validations"), 1, counterTTL); err != nil {
			return err
		}
		if event.Decision == string(models.ActionBlock) {
			if _, err := w.cache.IncrementBy(ctx, counterKey(day, "blocked"), 1, counterTTL); err != nil {
				return err
			}
		}
	}

	for _, kind := range event.ViolationKinds {
		if _, err := w.cache.IncrementBy(ctx, counterKey(day, "violation:"+kind), 1, counterTTL); err != nil {
			return err
		}
	}

	if event.Module != "" {
		if _, err := w.cache.IncrementBy(ctx, counterKey(day, "module:"+event.Module), 1, counterTTL); err != nil {
			return err
		}
	}

	// Violation-bearing events also feed the reviewer console feed.
	if len(event.ViolationKinds) > 0 {
		payload := fmt.Sprintf(`{"entry_id":%q,"user_id":%q,"module":%q,"decision":%q,"max_severity":%q,"timestamp":%q}`,
			event.EntryID, event.UserID, event.Module, event.Decision, event.MaxSeverity,
			event.Timestamp.UTC().Format(time.RFC3339))
		if err := w.cache.LPush(ctx, recentEventsKey, payload); err != nil {
			log.Warn().Err(err).Msg("Failed to push recent event")
		} else if err := w.cache.LTrim(ctx, recentEventsKey, 0, recentEventsCap); err != nil {
			log.Warn().Err(err).Msg("Failed to trim recent events")
		}
	}

	return nil
}

func counterKey(day, name string) string {
	return fmt.Sprintf("audit:counters:%s:%s", day, name)
}

// GetMetrics returns a copy of the worker metrics.
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:  w.metrics.ProcessedCount,
		FailedCount:     w.metrics.FailedCount,
		LastProcessedAt: w.metrics.LastProcessedAt,
	}
}
