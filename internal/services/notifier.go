package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/internal/queue"
)

const (
	notificationListKey = "reviewers:notifications"
	notificationKeep    = 499
)

// ReviewerNotifier delivers notifications to the reviewer console via
// a capped Redis list the console polls. Delivery is best effort; the
// durable record is the audit log, not the notification.
type ReviewerNotifier struct {
	cache *queue.CacheClient
}

// NewReviewerNotifier creates a new reviewer notifier
func NewReviewerNotifier(cache *queue.CacheClient) *ReviewerNotifier {
	return &ReviewerNotifier{cache: cache}
}

// NotifyReviewers pushes one notification onto the console feed.
func (n *ReviewerNotifier) NotifyReviewers(ctx context.Context, subject string, detail map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"subject":   subject,
		"detail":    detail,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := n.cache.LPush(ctx, notificationListKey, string(payload)); err != nil {
		return err
	}
	if err := n.cache.LTrim(ctx, notificationListKey, 0, notificationKeep); err != nil {
		log.Warn().Err(err).Msg("Failed to trim notification feed")
	}

	log.Info().Str("subject", subject).Msg("Reviewers notified")
	return nil
}

// Recent returns the newest notifications for the console.
func (n *ReviewerNotifier) Recent(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	raw, err := n.cache.LRange(ctx, notificationListKey, 0, limit-1)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}
