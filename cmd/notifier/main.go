package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/notify"
	"attendsync/internal/queue"
	"attendsync/internal/store"
)

// Notifier consumes sync events from the queue and relays them to redis
// pub/sub so other processes (and their websocket hubs) see them.
// Delivery is best-effort end to end; a failed relay is logged, never
// retried into the sync path.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Println("WARNING: redis not reachable; relay will retry as events arrive")
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Fatal("notifier requires a shared queue backend; set QUEUE_BACKEND=redis")
	}
	q = queue.NewRedisQueue(redisClient.Client, "attendsync:events")

	relay := notify.NewRedisNotifier(redisClient.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("notifier started, waiting for events...")
	for msg := range messages {
		var event notify.Event
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			log.Printf("discarding malformed event on %s: %v", msg.Topic, err)
			continue
		}
		if err := relay.Publish(ctx, msg.Topic, event); err != nil {
			log.Printf("relay to %s failed: %v", msg.Topic, err)
			continue
		}
		lag := time.Since(msg.EnqueuedAt).Round(time.Millisecond)
		log.Printf("relayed %s event %v (queued %s ago)", msg.Topic, event["type"], lag)
	}

	log.Println("notifier stopped")
}
