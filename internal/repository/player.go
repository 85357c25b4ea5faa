package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"turn-relay-bot/internal/model"
)

// PlayerRepository handles player persistence. Players are scoped to one
// endpoint and unique by (endpoint_slug, name).
type PlayerRepository struct {
	db Querier
}

// NewPlayerRepository creates a new PlayerRepository instance.
func NewPlayerRepository(db Querier) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *PlayerRepository) WithTx(tx pgx.Tx) *PlayerRepository {
	return &PlayerRepository{db: tx}
}

// Create creates a new player under an endpoint.
func (r *PlayerRepository) Create(ctx context.Context, endpointSlug, name string) (*model.Player, error) {
	const query = `
		INSERT INTO players (endpoint_slug, name, discord_user_id, created_at)
		VALUES ($1, $2, '', NOW())
		RETURNING id, endpoint_slug, name, discord_user_id, created_at
	`

	var p model.Player
	err := r.db.QueryRow(ctx, query, endpointSlug, name).Scan(
		&p.ID,
		&p.EndpointSlug,
		&p.Name,
		&p.DiscordUserID,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create player: %w", err)
	}

	return &p, nil
}

// Get retrieves a player by (endpoint_slug, name).
// Returns ErrPlayerNotFound if the player does not exist.
func (r *PlayerRepository) Get(ctx context.Context, endpointSlug, name string) (*model.Player, error) {
	const query = `
		SELECT id, endpoint_slug, name, discord_user_id, created_at
		FROM players
		WHERE endpoint_slug = $1 AND name = $2
	`

	var p model.Player
	err := r.db.QueryRow(ctx, query, endpointSlug, name).Scan(
		&p.ID,
		&p.EndpointSlug,
		&p.Name,
		&p.DiscordUserID,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("failed to get player: %w", err)
	}

	return &p, nil
}

// GetOrCreate retrieves a player by (endpoint_slug, name), creating one if
// it doesn't exist. Returns the player and whether it was newly created.
func (r *PlayerRepository) GetOrCreate(ctx context.Context, endpointSlug, name string) (*model.Player, bool, error) {
	// Try to get existing player first
	p, err := r.Get(ctx, endpointSlug, name)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrPlayerNotFound) {
		return nil, false, err
	}

	// Player doesn't exist, create new one
	p, err = r.Create(ctx, endpointSlug, name)
	if err != nil {
		// Handle race condition: another request might have created the player
		if uniqueViolation(err, "") {
			p, err = r.Get(ctx, endpointSlug, name)
			if err != nil {
				return nil, false, err
			}
			return p, false, nil
		}
		return nil, false, err
	}

	return p, true, nil
}

// Link binds a player to a Discord user id. An empty id unlinks the player.
func (r *PlayerRepository) Link(ctx context.Context, endpointSlug, name, discordUserID string) error {
	const query = `
		UPDATE players
		SET discord_user_id = $3
		WHERE endpoint_slug = $1 AND name = $2
	`

	result, err := r.db.Exec(ctx, query, endpointSlug, name, discordUserID)
	if err != nil {
		return fmt.Errorf("failed to link player: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}

	return nil
}

// ListByGame retrieves the players associated with a game.
func (r *PlayerRepository) ListByGame(ctx context.Context, gameID int64) ([]*model.Player, error) {
	const query = `
		SELECT p.id, p.endpoint_slug, p.name, p.discord_user_id, p.created_at
		FROM players p
		JOIN game_players gp ON gp.player_id = p.id
		WHERE gp.game_id = $1
		ORDER BY p.name
	`

	rows, err := r.db.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list game players: %w", err)
	}
	defer rows.Close()

	var players []*model.Player
	for rows.Next() {
		var p model.Player
		err := rows.Scan(
			&p.ID,
			&p.EndpointSlug,
			&p.Name,
			&p.DiscordUserID,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating players: %w", err)
	}

	return players, nil
}
