package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/insights"
	"github.com/openrating/openrating/internal/jobs"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/replay"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/config"
	"github.com/openrating/openrating/pkg/database"
)

// Standalone worker loop. Deployments that keep WORKER_ENABLED=false on
// the API pods run one or more of these instead; the jobs table's lease
// protocol makes extra instances safe.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if cfg.IsDevelopment() {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logger := logrus.StandardLogger()

	db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	ratingStore := store.NewGormStore(db.DB)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logrus.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, continuing without cache")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}
	cacheService := services.NewCacheService(redisClient)

	params := rating.FromConfig(cfg)
	engine := replay.NewEngine(ratingStore, params, cacheService, logger)
	builder := insights.NewBuilder(ratingStore, logger)

	worker := jobs.NewWorker(ratingStore, jobs.Options{
		PollInterval:      cfg.WorkerPollInterval,
		BatchSize:         cfg.WorkerBatchSize,
		VisibilityTimeout: cfg.WorkerVisibilityTimeout,
		MaxAttempts:       cfg.WorkerMaxAttempts,
		BackoffBase:       cfg.WorkerBackoffBase,
		BackoffMax:        cfg.WorkerBackoffMax,
	}, logger)
	worker.Register(models.JobKindReplay, replay.JobHandler(engine))
	worker.Register(models.JobKindInsightRefresh, insights.RefreshHandler(builder))

	if err := worker.Start(); err != nil {
		logrus.Fatalf("Failed to start worker: %v", err)
	}
	logrus.Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down worker...")
	worker.Stop()
	logrus.Info("Worker exited")
}
