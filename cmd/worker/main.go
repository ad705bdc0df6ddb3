package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"classtrack/internal/config"
	"classtrack/internal/logging"
	"classtrack/internal/notify"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

// Worker consumes alert notifications and delivers them to Slack or the log.
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg := config.Load()
	logging.Init(cfg.RollbarToken, cfg.Env, cfg.Version)
	defer logging.Close()

	if cfg.QueueBackend != "redis" {
		log.Println("QUEUE_BACKEND is not redis; the api delivers alerts in-process, nothing to do")
		return
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable, will keep retrying", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	n := notify.New(cfg.SlackWebhookURL)
	if cfg.SlackWebhookURL == "" {
		log.Println("SLACK_WEBHOOK_URL not set, alerts will only be logged")
	}

	log.Println("worker started, waiting for alerts...")
	if err := notify.Run(ctx, q, n); err != nil {
		logging.Error("worker failed", err, nil)
		return
	}
	log.Println("worker stopped")
}
