package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/alicev2/orchestrator/internal/logger"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// main subscribes to the alice_turns pub/sub channel the orchestrator
// publishes a message to on every completed turn (spec.md §6) and logs each
// one. It carries no state of its own; it exists so downstream consumers
// (push notifications, companion-app sync) have a single fan-out point that
// isn't the orchestrator's own request path.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.NewContextLogger(ctx)

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	channel := getenv("ALICE_TURNS_CHANNEL", "alice_turns")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf(log, "redis_connect_failed", "addr", redisAddr, "error", err)
	}

	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	log.Info("notifier_subscribed", "channel", channel, "addr", redisAddr)

	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info("notifier_shutdown")
			return
		case msg, ok := <-msgCh:
			if !ok {
				log.Warn("notifier_channel_closed")
				return
			}
			log.Info("turn_completed", "payload", msg.Payload)
		}
	}
}
