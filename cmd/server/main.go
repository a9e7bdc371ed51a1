package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/game"
	"github.com/promptduel-backend/internal/handler"
	"github.com/promptduel-backend/internal/kafka"
	"github.com/promptduel-backend/internal/redis"
	"github.com/promptduel-backend/internal/store"
	"github.com/promptduel-backend/internal/store/memory"
	"github.com/promptduel-backend/internal/store/postgres"
	"github.com/promptduel-backend/internal/websocket"
	"github.com/promptduel-backend/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the session store: PostgreSQL when configured, otherwise the
	// in-memory stand-in so the live game works without a database.
	var sessionStore store.Store
	if cfg.Postgres.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		sessionStore = repo
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("persistence not configured, sessions are local-only and lost on restart")
		sessionStore = memory.NewStore()
	}
	defer sessionStore.Close()

	// Initialize Kafka score event publisher
	var publisher game.Publisher
	var kafkaPublisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka publisher", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		kafkaPublisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without Kafka", "error", err)
		} else {
			publisher = kafkaPublisher
		}
	}

	// Initialize the live game registry and WebSocket hub
	registry := game.NewRegistry(sessionStore, publisher, cfg.Game.PersistTimeout, logger)
	hub := websocket.NewHub(registry, cfg.Server.AllowedOrigin, logger)
	go hub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize the Redis leaderboard cache and its refresh worker
	var cache *redis.LeaderboardCache
	var refreshWorker *worker.RefreshWorker
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		cache, err = redis.NewLeaderboardCache(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("failed to connect to Redis, serving leaderboard from the store", "error", err)
			cache = nil
		} else {
			defer cache.Close()
			refreshWorker = worker.NewRefreshWorker(
				sessionStore,
				cache,
				cfg.Game.RefreshInterval,
				cfg.Game.MaxLeaderboardLimit,
				logger,
			)
			// Warm the snapshot before taking traffic.
			refreshWorker.Refresh(ctx)
			if err := refreshWorker.Start(ctx); err != nil {
				logger.Error("failed to start refresh worker", "error", err)
				os.Exit(1)
			}
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(sessionStore, cache, hub, &cfg.Game, cfg.Server.AllowedOrigin, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	hub.Stop()

	// Stop refresh worker
	if refreshWorker != nil {
		if err := refreshWorker.Stop(); err != nil {
			logger.Error("failed to stop refresh worker", "error", err)
		}
	}

	// Stop Kafka publisher
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("failed to stop Kafka publisher", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
