package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis carries the shared client behind the event queue, the pub/sub
// relay and the statistics tracker. Timeouts stay short: every redis
// touch in the sync path is best-effort and must not stall a batch.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy pings under its own deadline so a wedged connection cannot
// stall the health endpoint.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.Client.Ping(ctx).Err() == nil
}

// Subscribe opens a pub/sub subscription on the given event channels.
// The API process uses it to feed relayed sync events into its
// websocket hub. The caller owns the subscription and must Close it.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.Client.Subscribe(ctx, channels...)
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
