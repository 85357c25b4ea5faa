package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/repository"
)

// AdminService exposes the store operations the command front end issues on
// user request: muting, threshold edits, player linking, and removals. The
// front end itself lives outside this module; these are plain store
// mutations with validation.
type AdminService struct {
	games   *repository.GameRepository
	players *repository.PlayerRepository
	log     zerolog.Logger
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(games *repository.GameRepository, players *repository.PlayerRepository, logger zerolog.Logger) *AdminService {
	return &AdminService{
		games:   games,
		players: players,
		log:     logger,
	}
}

// SetMuted mutes or unmutes notifications for a game.
func (s *AdminService) SetMuted(ctx context.Context, gameID int64, muted bool) error {
	return s.games.SetMuted(ctx, gameID, muted)
}

// SetMinTurns edits the turn count a game must pass before notifications
// start.
func (s *AdminService) SetMinTurns(ctx context.Context, gameID int64, minTurns int) error {
	if minTurns < 0 {
		return ErrMalformedInput
	}
	return s.games.SetMinTurns(ctx, gameID, minTurns)
}

// SetNotifyInterval edits a game's re-ping interval. Zero disables re-pings.
func (s *AdminService) SetNotifyInterval(ctx context.Context, gameID int64, interval time.Duration) error {
	if interval < 0 {
		return ErrMalformedInput
	}
	return s.games.SetNotifyInterval(ctx, gameID, interval)
}

// LinkPlayer binds a player name to a Discord user so notifications mention
// them. An empty discordUserID unlinks.
func (s *AdminService) LinkPlayer(ctx context.Context, endpointSlug, playerName, discordUserID string) error {
	if playerName == "" {
		return ErrMalformedInput
	}
	if err := s.players.Link(ctx, endpointSlug, playerName, discordUserID); err != nil {
		return err
	}
	s.log.Info().
		Str("slug", endpointSlug).
		Str("player", playerName).
		Str("discord_user_id", discordUserID).
		Msg("Player link updated")
	return nil
}

// DeleteGame removes a game and its associations.
func (s *AdminService) DeleteGame(ctx context.Context, gameID int64) error {
	return s.games.Delete(ctx, gameID)
}

// ListChannelGames retrieves the games tracked for a channel.
func (s *AdminService) ListChannelGames(ctx context.Context, channelID string) ([]*model.Game, error) {
	return s.games.ListByChannel(ctx, channelID)
}

// ListGamePlayers retrieves the players associated with a game.
func (s *AdminService) ListGamePlayers(ctx context.Context, gameID int64) ([]*model.Player, error) {
	return s.players.ListByGame(ctx, gameID)
}
