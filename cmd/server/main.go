package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/api"
	"github.com/openrating/openrating/internal/api/middleware"
	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/ingest"
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

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if cfg.IsDevelopment() {
		logrus.SetLevel(logrus.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logrus.StandardLogger()

	// Pick the store backend. The in-memory store exists for local
	// experimentation; production runs on Postgres.
	var ratingStore store.Store
	if cfg.StoreBackend == "memory" {
		logger.Warn("Using in-memory store, all state is lost on restart")
		ratingStore = store.NewMemStore()
	} else {
		db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
		if err != nil {
			logrus.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		ratingStore = store.NewGormStore(db.DB)
	}

	// Redis is optional; without it idempotency keys and leaderboard
	// pages simply go uncached.
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
	registry := formats.NewRegistry(params)

	var authorizer ingest.Authorizer
	if cfg.AuthDisable {
		authorizer = ingest.AllowAll{}
	} else {
		authorizer = ingest.NewGrantAuthorizer(ratingStore)
	}

	coordinator := ingest.NewCoordinator(
		ratingStore, registry, params, authorizer, cacheService, cfg.IdempotencyTTL, logger)

	// The background worker shares the process. Replay and insight
	// refresh jobs live in the jobs table, so they survive restarts
	// either way.
	if cfg.WorkerEnabled {
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
		defer worker.Stop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.CorsOrigins))

	api.SetupRoutes(router, ratingStore, cacheService, coordinator, cfg, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	logrus.Info("Server exited")
}
