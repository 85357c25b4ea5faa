package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/notify"
	"turn-relay-bot/internal/repository"
)

// CleanupStore is the slice of the entity store the cleanup sweeper needs.
// *repository.GameRepository satisfies it.
type CleanupStore interface {
	ListStale(ctx context.Context, cutoff time.Time, channelID string, limit int) ([]*model.StaleGame, error)
	Delete(ctx context.Context, gameID int64) error
}

// CleanupConfig holds cleanup policy.
type CleanupConfig struct {
	// StaleAfter is how long a game may sit without turn activity before
	// it is removed.
	StaleAfter time.Duration
	// Interval between automatic cleanup sweeps.
	Interval time.Duration
	// Limit bounds removals per sweep.
	Limit int
	// DispatchTimeout bounds each removal announcement.
	DispatchTimeout time.Duration
}

// CleanupSweeper periodically removes games with no ingested turn activity
// beyond the staleness threshold. The removal announcement references fields
// about to be deleted, so it is dispatched before the delete. Player rows
// survive removal; only the game and its associations go.
type CleanupSweeper struct {
	store  CleanupStore
	sender Sender
	cfg    CleanupConfig
	log    zerolog.Logger
}

// NewCleanupSweeper creates a new CleanupSweeper instance.
func NewCleanupSweeper(store CleanupStore, sender Sender, cfg CleanupConfig, logger zerolog.Logger) *CleanupSweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return &CleanupSweeper{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    logger,
	}
}

// Run executes cleanup sweeps on a fixed interval until the context is
// cancelled. Sweeps run one at a time from this goroutine.
func (c *CleanupSweeper) Run(ctx context.Context) {
	c.log.Info().
		Dur("interval", c.cfg.Interval).
		Dur("stale_after", c.cfg.StaleAfter).
		Msg("Cleanup sweeper started")

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Cleanup sweeper stopped")
			return
		case <-ticker.C:
			report := c.RunCleanup(ctx, time.Now(), "")
			if report.Removed > 0 || report.Failed > 0 {
				c.log.Info().
					Int("removed", report.Removed).
					Int("failed", report.Failed).
					Msg("Cleanup sweep completed")
			}
		}
	}
}

// RunCleanup executes one bounded cleanup pass. channelID optionally scopes
// the sweep to one channel, used by the on-demand manual trigger; empty
// means all channels. Zero matches is a normal, empty report.
func (c *CleanupSweeper) RunCleanup(ctx context.Context, now time.Time, channelID string) model.CleanupReport {
	var report model.CleanupReport

	cutoff := now.Add(-c.cfg.StaleAfter)
	stale, err := c.store.ListStale(ctx, cutoff, channelID, c.cfg.Limit)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to select stale games")
		return report
	}

	for _, g := range stale {
		// Announce first: the message references fields that the
		// delete below destroys. A failed announcement does not block
		// removal.
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		if err := c.sender.Send(sendCtx, g.ChannelID, notify.RemovalMessage(g.GameName, g.LastTurnAt)); err != nil {
			c.log.Warn().
				Err(err).
				Str("channel_id", g.ChannelID).
				Str("game", g.GameName).
				Msg("Failed to announce game removal")
		}
		cancel()

		if err := c.store.Delete(ctx, g.GameID); err != nil {
			if errors.Is(err, repository.ErrGameNotFound) {
				// Row vanished mid-sweep (concurrent delete); skip.
				continue
			}
			c.log.Error().Err(err).Int64("game_id", g.GameID).Msg("Failed to delete stale game")
			report.Failed++
			continue
		}

		c.log.Info().
			Str("game", g.GameName).
			Str("channel_id", g.ChannelID).
			Time("last_turn_at", g.LastTurnAt).
			Msg("Removed stale game")
		report.Removed++
	}

	return report
}
