// Package notify publishes credit activity events for downstream consumers
// (badge evaluation, activity feeds). Publishing is best effort: a failed
// publish is logged and never surfaces to the request that triggered it.
package notify

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/redis"
)

// Channel carries all credit activity events
const Channel = "credits:events"

const publishTimeout = 2 * time.Second

// Event types
const (
	EventCreditsAwarded = "credits_awarded"
	EventCreditsSpent   = "credits_spent"
	EventUnlockCreated  = "unlock_created"
)

// Event is the wire format published on Channel
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Balance   int64     `json:"balance"`
	Tier      string    `json:"tier,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes credit activity events
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// LogNotifier records events in the service log only. It is the fallback
// when Redis is not configured.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish logs the event
func (n *LogNotifier) Publish(_ context.Context, event Event) {
	n.logger.WithFields(logging.Fields{
		"type":    event.Type,
		"user_id": event.UserID,
		"amount":  event.Amount,
		"scope":   event.Scope,
	}).Info("Credit event")
}

// PubSubNotifier publishes events on a Redis channel
type PubSubNotifier struct {
	pubsub *redis.TypedPubSub[Event]
	logger logging.Logger
}

// NewPubSubNotifier creates a Redis-backed notifier
func NewPubSubNotifier(client goredis.UniversalClient, logger logging.Logger) *PubSubNotifier {
	return &PubSubNotifier{
		pubsub: redis.NewTypedPubSub[Event](client),
		logger: logger,
	}
}

// Publish sends the event on Channel. Failures are logged and dropped.
func (n *PubSubNotifier) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := n.pubsub.Publish(ctx, Channel, event); err != nil {
		n.logger.WithError(err).WithFields(logging.Fields{
			"type":    event.Type,
			"user_id": event.UserID,
		}).Warn("Failed to publish credit event")
	}
}
