package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/configs"
	"github.com/marketplace/integrity-engine/internal/models"
)

// ErrLockNotAcquired is returned when another holder owns the lock key.
var ErrLockNotAcquired = errors.New("lock not acquired")

// AuditStreamClient publishes audit events to a Redis stream and lets
// workers consume them through a consumer group.
type AuditStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewAuditStreamClient creates a new audit stream client
func NewAuditStreamClient(cfg configs.RedisConfig) (*AuditStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	asc := &AuditStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.StreamName + "-dlq",
		maxRetries:       cfg.MaxRetries,
	}

	if err := asc.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().Str("stream", cfg.StreamName).Msg("Audit stream client initialized")
	return asc, nil
}

// createConsumerGroup creates the consumer group for the stream.
// MKSTREAM creates the stream if it doesn't exist.
func (a *AuditStreamClient) createConsumerGroup(ctx context.Context) error {
	err := a.client.XGroupCreateMkStream(ctx, a.streamName, a.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish publishes one audit event to the stream.
func (a *AuditStreamClient) Publish(ctx context.Context, event *models.AuditEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("entry_id", event.EntryID).
		Msg("Audit event published to stream")

	return nil
}

// Consume reads audit events for a consumer, claiming abandoned pending
// messages first.
func (a *AuditStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pendingMessages, err := a.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}

	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    a.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{a.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // No messages available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := a.parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
				continue
			}

			messages = append(messages, StreamMessage{
				ID:    msg.ID,
				Event: event,
			})
		}
	}

	return messages, nil
}

// claimPendingMessages claims messages left pending for over 30 seconds
// by a crashed or stalled consumer.
func (a *AuditStreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	minIdleTime := 30 * time.Second

	pending, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: a.streamName,
		Group:  a.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= minIdleTime {
			messageIDs = append(messageIDs, p.ID)
		}
	}

	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := a.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   a.streamName,
		Group:    a.consumerGroup,
		Consumer: consumerName,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		event, err := a.parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed message")
			continue
		}

		messages = append(messages, StreamMessage{
			ID:    msg.ID,
			Event: event,
		})
	}

	return messages, nil
}

func (a *AuditStreamClient) parseMessage(msg redis.XMessage) (*models.AuditEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// Acknowledge acknowledges a message as processed
func (a *AuditStreamClient) Acknowledge(ctx context.Context, messageID string) error {
	_, err := a.client.XAck(ctx, a.streamName, a.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}

	log.Debug().Str("message_id", messageID).Msg("Message acknowledged")
	return nil
}

// AcknowledgeBatch acknowledges multiple messages at once
func (a *AuditStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := a.client.XAck(ctx, a.streamName, a.consumerGroup, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge batch: %w", err)
	}
	return nil
}

// SendToDeadLetter sends a failed event to the dead letter stream
func (a *AuditStreamClient) SendToDeadLetter(ctx context.Context, event *models.AuditEvent, err error) error {
	eventJSON, _ := json.Marshal(event)

	_, dlqErr := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": err.Error(),
		},
	}).Result()
	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("entry_id", event.EntryID).
		Err(err).
		Msg("Audit event sent to dead letter queue")

	return nil
}

// MaxRetries returns the configured processing retry limit.
func (a *AuditStreamClient) MaxRetries() int {
	return a.maxRetries
}

// GetPendingCount returns the number of pending messages
func (a *AuditStreamClient) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := a.client.XPending(ctx, a.streamName, a.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the Redis client
func (a *AuditStreamClient) Close() error {
	return a.client.Close()
}

// StreamMessage represents a message from the stream
type StreamMessage struct {
	ID    string
	Event *models.AuditEvent
}

// CacheClient provides caching and locking operations
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient creates a new cache client (shares Redis connection)
func NewCacheClient(cfg configs.RedisConfig) (*CacheClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{client: client}, nil
}

// Set sets a value in the cache
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from the cache
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes a key from the cache
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Exists checks if a key exists
func (c *CacheClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Increment increments a counter
func (c *CacheClient) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// SetNX sets a value only if it doesn't exist (for distributed locking)
func (c *CacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// IncrementBy adds delta to a counter, setting ttl on first touch so
// rolling analytics counters expire on their own.
func (c *CacheClient) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if n == delta && ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to set counter TTL")
		}
	}
	return n, nil
}

// LPush prepends values to a list
func (c *CacheClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.client.LPush(ctx, key, values...).Err()
}

// LTrim trims a list to the given range
func (c *CacheClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.client.LTrim(ctx, key, start, stop).Err()
}

// LRange returns the raw entries of a list range
func (c *CacheClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

// Lock acquires a TTL-bounded lock on key via SetNX. The returned
// release func deletes the key; if the holder dies first, the TTL
// bounds how long the key stays taken.
func (c *CacheClient) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return func() {
		if err := c.client.Del(context.Background(), key).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
		}
	}, nil
}

// Close closes the cache client
func (c *CacheClient) Close() error {
	return c.client.Close()
}
