// Package main is the entry point for the turn relay bot.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"turn-relay-bot/internal/config"
	"turn-relay-bot/internal/notify"
	"turn-relay-bot/internal/pkg/db"
	"turn-relay-bot/internal/pkg/lock"
	"turn-relay-bot/internal/repository"
	"turn-relay-bot/internal/service"
	"turn-relay-bot/internal/webhook"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	endpointRepo := repository.NewEndpointRepository(dbPool.Pool)
	gameRepo := repository.NewGameRepository(dbPool.Pool)
	playerRepo := repository.NewPlayerRepository(dbPool.Pool)

	// Initialize Discord session. Only the REST API is used for sending;
	// no gateway connection is opened.
	if cfg.Discord.Token == "" {
		log.Fatal().Msg("Discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Discord session")
	}
	sender := notify.NewDiscordSender(session, log.With().Str("component", "discord").Logger())

	// Initialize per-game ingestion lock
	gameLock := lock.NewGameLock()

	// Initialize services
	ingestService := service.NewIngestService(
		dbPool.Pool,
		gameRepo,
		playerRepo,
		endpointRepo,
		gameLock,
		service.IngestConfig{
			GameLimit:    cfg.Relay.GameLimit,
			MaxRetries:   cfg.Relay.IngestMaxRetries,
			RetryBackoff: cfg.Relay.IngestRetryBackoff,
			LockTimeout:  cfg.Relay.IngestLockTimeout,
		},
		log.With().Str("component", "ingest").Logger(),
	)

	scheduler := service.NewScheduler(
		gameRepo,
		sender,
		service.SchedulerConfig{
			Interval:        cfg.Relay.SweepInterval,
			Limit:           cfg.Relay.SweepLimit,
			DispatchTimeout: cfg.Relay.DispatchTimeout,
		},
		log.With().Str("component", "scheduler").Logger(),
	)

	cleanup := service.NewCleanupSweeper(
		gameRepo,
		sender,
		service.CleanupConfig{
			StaleAfter:      cfg.Relay.StaleAfter,
			Interval:        cfg.Relay.CleanupInterval,
			Limit:           cfg.Relay.CleanupLimit,
			DispatchTimeout: cfg.Relay.DispatchTimeout,
		},
		log.With().Str("component", "cleanup").Logger(),
	)

	// Start background sweeps. Each runs its sweeps sequentially from its
	// own goroutine, so sweeps never overlap.
	go scheduler.Run(ctx)
	go cleanup.Run(ctx)

	// Start the webhook HTTP server
	webhookServer := webhook.NewServer(ingestService, log.With().Str("component", "webhook").Logger())
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      webhookServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Webhook server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Webhook server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown: stop accepting webhooks, then stop the sweeps.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Webhook server shutdown incomplete")
	}
	cancel()

	log.Info().Msg("Bot stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create webhook_endpoints table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_endpoints (
			slug VARCHAR(32) PRIMARY KEY,
			channel_id VARCHAR(32) NOT NULL UNIQUE,
			min_turns INT NOT NULL DEFAULT 0,
			notify_interval_secs BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: webhook_endpoints table created")

	// Migration 2: Create players table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS players (
			id BIGSERIAL PRIMARY KEY,
			endpoint_slug VARCHAR(32) NOT NULL REFERENCES webhook_endpoints(slug) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			discord_user_id VARCHAR(32) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (endpoint_slug, name)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: players table created")

	// Migration 3: Create games table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS games (
			id BIGSERIAL PRIMARY KEY,
			endpoint_slug VARCHAR(32) NOT NULL REFERENCES webhook_endpoints(slug) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			current_turn BIGINT NOT NULL DEFAULT 0,
			last_turn_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_notified_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			duplicate_warned BOOLEAN,
			min_turns INT NOT NULL DEFAULT 0,
			notify_interval_secs BIGINT NOT NULL DEFAULT 0,
			last_up_player_id BIGINT REFERENCES players(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (endpoint_slug, name)
		);
		CREATE INDEX IF NOT EXISTS idx_games_last_turn ON games(last_turn_at);
		CREATE INDEX IF NOT EXISTS idx_games_last_notified ON games(last_notified_at) WHERE NOT muted;
		CREATE INDEX IF NOT EXISTS idx_games_dup_pending ON games(id) WHERE duplicate_warned = FALSE;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: games table created")

	// Migration 4: Create association and pinged-set tables
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_players (
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (game_id, player_id)
		);
		CREATE TABLE IF NOT EXISTS game_pings (
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			pinged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (game_id, player_id)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: game_players and game_pings tables created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
