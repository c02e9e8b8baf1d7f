// Package notify carries best-effort sync event broadcasting. Publishing
// is fire-and-forget from the engine's point of view: failures are logged
// by the caller and never affect an operation's recorded result.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"attendsync/internal/queue"
)

// Event is one sync notification payload.
type Event map[string]any

// Notifier publishes events to interested parties.
type Notifier interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// QueueNotifier publishes events onto the internal queue; the notifier
// daemon consumes them and fans out cross-process.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier wraps a queue.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Publish enqueues the event as JSON, stamped so the consumer can
// report relay lag.
func (n *QueueNotifier) Publish(ctx context.Context, topic string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.q.Publish(ctx, queue.Message{
		Topic:      topic,
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	})
}

// RedisNotifier publishes events on redis pub/sub channels so other
// processes (and their websocket hubs) see them.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier wraps a redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Publish sends the event on the topic channel.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.client.Publish(ctx, topic, body).Err()
}

// Multi fans one publish out to several notifiers. The first error is
// returned after all notifiers have been tried.
type Multi []Notifier

// Publish delivers to every notifier.
func (m Multi) Publish(ctx context.Context, topic string, event Event) error {
	var first error
	for _, n := range m {
		if err := n.Publish(ctx, topic, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Noop drops everything; used when broadcasting is disabled.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(ctx context.Context, topic string, event Event) error { return nil }
