package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"coinvest/internal/api"
	"coinvest/internal/config"
	"coinvest/internal/domain"
	"coinvest/internal/engine"
	"coinvest/internal/ingest"
	"coinvest/internal/pricefeed"
	"coinvest/internal/store"
	"coinvest/internal/sweep"
)

// defaultPlans is the catalog seeded on first start. Existing rows are
// never overwritten, so operators can tune plans directly in the
// database.
var defaultPlans = []domain.Plan{
	{ID: "starter", Name: "Starter", Category: "standard", ROIPercent: decimal.NewFromInt(3), MinAmount: decimal.NewFromInt(50), MaxAmount: decimal.NewFromInt(999), Duration: "7d", DurationDays: 7, Active: true},
	{ID: "growth", Name: "Growth", Category: "standard", ROIPercent: decimal.NewFromInt(8), MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(4999), Duration: "14d", DurationDays: 14, Active: true},
	{ID: "pro", Name: "Pro", Category: "premium", ROIPercent: decimal.NewFromInt(15), MinAmount: decimal.NewFromInt(5000), MaxAmount: decimal.NewFromInt(19999), Duration: "30d", DurationDays: 30, Active: true},
	{ID: "elite", Name: "Elite", Category: "premium", ROIPercent: decimal.NewFromInt(25), MinAmount: decimal.NewFromInt(20000), Duration: "60d", DurationDays: 60, Active: true},
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Msg("starting coinvest service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize database
	repo, err := store.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("connected to PostgreSQL")

	// Run migrations
	if err := store.RunMigrations(ctx, repo.Pool()); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations complete")

	// Seed the plan catalog
	if err := repo.SeedPlans(ctx, defaultPlans); err != nil {
		log.Fatal().Err(err).Msg("failed to seed plans")
	}

	// Optional Redis for the shared rate cache
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		log.Info().Str("addr", opt.Addr).Msg("connected to Redis")
	}

	// Price feed
	feed := pricefeed.New(cfg.PriceFeedURL, cfg.PriceFeedTimeout, rdb)
	feed.Start(ctx, cfg.PriceFeedRefresh)

	// Engine and sweeper
	eng := engine.New(repo, feed)
	sweeper := sweep.New(eng, cfg.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sweeper.Stop()

	// Connect to NATS
	nc, err := ingest.ConnectNATS(cfg.NATSURLs, cfg.NATSCredsFile, cfg.NATSCreds)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")

	// Start NATS consumer
	consumer := ingest.NewConsumer(nc, repo)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("NATS consumer error")
		}
	}()

	// Start HTTP server
	srv := api.NewServer(repo, eng, feed, sweeper, nc)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info().Msg("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
