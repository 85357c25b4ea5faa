package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"turn-relay-bot/internal/model"
)

// GameRepository handles game persistence, the per-turn pinged set, and the
// composite selection queries used by the scheduler and cleanup sweeps.
// The selection predicates are load-bearing contracts; keep them in the
// named queries here rather than ad hoc joins elsewhere.
type GameRepository struct {
	db Querier
}

// NewGameRepository creates a new GameRepository instance.
func NewGameRepository(db Querier) *GameRepository {
	return &GameRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *GameRepository) WithTx(tx pgx.Tx) *GameRepository {
	return &GameRepository{db: tx}
}

const gameColumns = `
	id, endpoint_slug, name, current_turn, last_turn_at, last_notified_at,
	muted, duplicate_warned, min_turns, notify_interval_secs,
	last_up_player_id, created_at, updated_at
`

// Create inserts a new game. MinTurns and NotifyInterval are expected to be
// pre-filled from the endpoint defaults by the caller.
func (r *GameRepository) Create(ctx context.Context, g *model.Game) (*model.Game, error) {
	const query = `
		INSERT INTO games (
			endpoint_slug, name, current_turn, last_turn_at, last_notified_at,
			muted, min_turns, notify_interval_secs, last_up_player_id,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, 'epoch', FALSE, $5, $6, $7, NOW(), NOW())
		RETURNING` + gameColumns

	created, err := scanGame(r.db.QueryRow(ctx, query,
		g.EndpointSlug,
		g.Name,
		g.CurrentTurn,
		g.LastTurnAt,
		g.MinTurns,
		int64(g.NotifyInterval/time.Second),
		g.LastUpPlayerID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}

	return created, nil
}

// Get retrieves a game by (endpoint_slug, name).
// Returns ErrGameNotFound if the game does not exist.
func (r *GameRepository) Get(ctx context.Context, endpointSlug, name string) (*model.Game, error) {
	const query = `
		SELECT` + gameColumns + `
		FROM games
		WHERE endpoint_slug = $1 AND name = $2
	`

	g, err := scanGame(r.db.QueryRow(ctx, query, endpointSlug, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to get game: %w", err)
	}

	return g, nil
}

// GetForUpdate retrieves a game by (endpoint_slug, name) with a row-level
// lock. Must be called inside a transaction; the lock serializes concurrent
// ingestions of the same game until the transaction ends.
func (r *GameRepository) GetForUpdate(ctx context.Context, endpointSlug, name string) (*model.Game, error) {
	const query = `
		SELECT` + gameColumns + `
		FROM games
		WHERE endpoint_slug = $1 AND name = $2
		FOR UPDATE
	`

	g, err := scanGame(r.db.QueryRow(ctx, query, endpointSlug, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to lock game: %w", err)
	}

	return g, nil
}

// GetByID retrieves a game by its id.
func (r *GameRepository) GetByID(ctx context.Context, gameID int64) (*model.Game, error) {
	const query = `
		SELECT` + gameColumns + `
		FROM games
		WHERE id = $1
	`

	g, err := scanGame(r.db.QueryRow(ctx, query, gameID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to get game: %w", err)
	}

	return g, nil
}

// CountByEndpoint counts the games owned by an endpoint.
func (r *GameRepository) CountByEndpoint(ctx context.Context, endpointSlug string) (int, error) {
	const query = `SELECT COUNT(*) FROM games WHERE endpoint_slug = $1`

	var count int
	if err := r.db.QueryRow(ctx, query, endpointSlug).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count games: %w", err)
	}

	return count, nil
}

// AdvanceTurn moves the game to a new turn: updates current_turn,
// last_turn_at and last_up_player_id. The caller clears the pinged set in
// the same transaction.
func (r *GameRepository) AdvanceTurn(ctx context.Context, gameID, turn, playerID int64, at time.Time) error {
	const query = `
		UPDATE games
		SET current_turn = $2, last_turn_at = $3, last_up_player_id = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, gameID, turn, at, playerID)
	if err != nil {
		return fmt.Errorf("failed to advance turn: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// TouchSameTurn records another player going up within the current turn:
// updates last_turn_at and last_up_player_id without touching current_turn.
func (r *GameRepository) TouchSameTurn(ctx context.Context, gameID, playerID int64, at time.Time) error {
	const query = `
		UPDATE games
		SET last_turn_at = $2, last_up_player_id = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, gameID, at, playerID)
	if err != nil {
		return fmt.Errorf("failed to touch game: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// MarkDuplicatePending flags a pending duplicate-name warning. Only the
// first detection flips the field; a game already pending or warned keeps
// its state, so the channel is never warned twice.
func (r *GameRepository) MarkDuplicatePending(ctx context.Context, gameID int64) error {
	const query = `
		UPDATE games
		SET duplicate_warned = FALSE, updated_at = NOW()
		WHERE id = $1 AND duplicate_warned IS NULL
	`

	if _, err := r.db.Exec(ctx, query, gameID); err != nil {
		return fmt.Errorf("failed to mark duplicate pending: %w", err)
	}

	return nil
}

// AddMember associates a player with a game. Idempotent.
func (r *GameRepository) AddMember(ctx context.Context, gameID, playerID int64) error {
	const query = `
		INSERT INTO game_players (game_id, player_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_id, player_id) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, gameID, playerID); err != nil {
		return fmt.Errorf("failed to add game member: %w", err)
	}

	return nil
}

// IsPinged reports whether a player is already in the game's pinged set for
// the current turn.
func (r *GameRepository) IsPinged(ctx context.Context, gameID, playerID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM game_pings WHERE game_id = $1 AND player_id = $2)`

	var pinged bool
	if err := r.db.QueryRow(ctx, query, gameID, playerID).Scan(&pinged); err != nil {
		return false, fmt.Errorf("failed to check pinged set: %w", err)
	}

	return pinged, nil
}

// AddPing adds a player to the game's pinged set for the current turn.
// Returns false if the player was already present.
func (r *GameRepository) AddPing(ctx context.Context, gameID, playerID int64) (bool, error) {
	const query = `
		INSERT INTO game_pings (game_id, player_id, pinged_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_id, player_id) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query, gameID, playerID)
	if err != nil {
		return false, fmt.Errorf("failed to add ping: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ClearPings empties the game's pinged set. Called whenever current_turn
// advances, in the same transaction as the advance.
func (r *GameRepository) ClearPings(ctx context.Context, gameID int64) error {
	const query = `DELETE FROM game_pings WHERE game_id = $1`

	if _, err := r.db.Exec(ctx, query, gameID); err != nil {
		return fmt.Errorf("failed to clear pinged set: %w", err)
	}

	return nil
}

// ListNotifyDue selects games due a new-turn notification (Pass A): not
// muted, past their minimum turn, and a turn has been ingested since the
// last notification. Oldest-waiting first so a bounded limit stays fair.
func (r *GameRepository) ListNotifyDue(ctx context.Context, limit int) ([]*model.DueNotification, error) {
	const query = `
		SELECT g.id, g.name, e.channel_id, g.current_turn,
		       COALESCE(p.name, ''), COALESCE(p.discord_user_id, '')
		FROM games g
		JOIN webhook_endpoints e ON e.slug = g.endpoint_slug
		LEFT JOIN players p ON p.id = g.last_up_player_id
		WHERE NOT g.muted
		  AND g.current_turn > g.min_turns
		  AND g.last_notified_at < g.last_turn_at
		ORDER BY g.last_turn_at ASC
		LIMIT $1
	`

	return r.queryDue(ctx, query, limit)
}

// ListRepingDue selects games due a reminder (Pass B): not muted, past their
// minimum turn, with a re-ping interval configured and expired relative to
// the sweep's captured now. Comparing against the sweep's now (not the wall
// clock) keeps Pass A and Pass B exclusive within one sweep.
func (r *GameRepository) ListRepingDue(ctx context.Context, now time.Time, limit int) ([]*model.DueNotification, error) {
	const query = `
		SELECT g.id, g.name, e.channel_id, g.current_turn,
		       COALESCE(p.name, ''), COALESCE(p.discord_user_id, '')
		FROM games g
		JOIN webhook_endpoints e ON e.slug = g.endpoint_slug
		LEFT JOIN players p ON p.id = g.last_up_player_id
		WHERE NOT g.muted
		  AND g.current_turn > g.min_turns
		  AND g.notify_interval_secs > 0
		  AND g.last_notified_at + make_interval(secs => g.notify_interval_secs) < $1
		ORDER BY g.last_notified_at ASC
		LIMIT $2
	`

	return r.queryDue(ctx, query, now, limit)
}

func (r *GameRepository) queryDue(ctx context.Context, query string, args ...any) ([]*model.DueNotification, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select due games: %w", err)
	}
	defer rows.Close()

	var due []*model.DueNotification
	for rows.Next() {
		var d model.DueNotification
		err := rows.Scan(
			&d.GameID,
			&d.GameName,
			&d.ChannelID,
			&d.CurrentTurn,
			&d.PlayerName,
			&d.PlayerDiscord,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due game: %w", err)
		}
		due = append(due, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due games: %w", err)
	}

	return due, nil
}

// ListDuplicatePending selects games whose duplicate-name warning is still
// pending (Pass C).
func (r *GameRepository) ListDuplicatePending(ctx context.Context, limit int) ([]*model.DuplicateWarning, error) {
	const query = `
		SELECT g.id, g.name, e.channel_id
		FROM games g
		JOIN webhook_endpoints e ON e.slug = g.endpoint_slug
		WHERE g.duplicate_warned = FALSE
		ORDER BY g.updated_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select duplicate-pending games: %w", err)
	}
	defer rows.Close()

	var pending []*model.DuplicateWarning
	for rows.Next() {
		var w model.DuplicateWarning
		if err := rows.Scan(&w.GameID, &w.GameName, &w.ChannelID); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate warning: %w", err)
		}
		pending = append(pending, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate warnings: %w", err)
	}

	return pending, nil
}

// MarkNotified records that a notification was dispatched at the sweep's
// captured now. Tolerates the row having vanished mid-sweep.
func (r *GameRepository) MarkNotified(ctx context.Context, gameID int64, now time.Time) error {
	const query = `
		UPDATE games
		SET last_notified_at = $2, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, gameID, now); err != nil {
		return fmt.Errorf("failed to mark notified: %w", err)
	}

	return nil
}

// MarkDuplicateWarned records that the one-time duplicate-name warning went
// out.
func (r *GameRepository) MarkDuplicateWarned(ctx context.Context, gameID int64) error {
	const query = `
		UPDATE games
		SET duplicate_warned = TRUE, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, gameID); err != nil {
		return fmt.Errorf("failed to mark duplicate warned: %w", err)
	}

	return nil
}

// ListStale selects games with no ingested turn activity since the cutoff,
// optionally scoped to one channel (empty channelID means all channels).
func (r *GameRepository) ListStale(ctx context.Context, cutoff time.Time, channelID string, limit int) ([]*model.StaleGame, error) {
	const query = `
		SELECT g.id, g.name, e.channel_id, g.last_turn_at
		FROM games g
		JOIN webhook_endpoints e ON e.slug = g.endpoint_slug
		WHERE g.last_turn_at < $1
		  AND ($2 = '' OR e.channel_id = $2)
		ORDER BY g.last_turn_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, cutoff, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale games: %w", err)
	}
	defer rows.Close()

	var stale []*model.StaleGame
	for rows.Next() {
		var s model.StaleGame
		if err := rows.Scan(&s.GameID, &s.GameName, &s.ChannelID, &s.LastTurnAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale game: %w", err)
		}
		stale = append(stale, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale games: %w", err)
	}

	return stale, nil
}

// Delete removes a game. Player associations and pings go with it by
// cascade; players themselves survive since they may belong to other games.
func (r *GameRepository) Delete(ctx context.Context, gameID int64) error {
	const query = `DELETE FROM games WHERE id = $1`

	result, err := r.db.Exec(ctx, query, gameID)
	if err != nil {
		return fmt.Errorf("failed to delete game: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// SetMuted mutes or unmutes a game.
func (r *GameRepository) SetMuted(ctx context.Context, gameID int64, muted bool) error {
	const query = `UPDATE games SET muted = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, gameID, muted)
	if err != nil {
		return fmt.Errorf("failed to set muted: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// SetMinTurns edits the per-game minimum turn threshold.
func (r *GameRepository) SetMinTurns(ctx context.Context, gameID int64, minTurns int) error {
	const query = `UPDATE games SET min_turns = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, gameID, minTurns)
	if err != nil {
		return fmt.Errorf("failed to set min turns: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// SetNotifyInterval edits the per-game re-ping interval. Zero disables
// re-pings.
func (r *GameRepository) SetNotifyInterval(ctx context.Context, gameID int64, interval time.Duration) error {
	const query = `UPDATE games SET notify_interval_secs = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, gameID, int64(interval/time.Second))
	if err != nil {
		return fmt.Errorf("failed to set notify interval: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrGameNotFound
	}

	return nil
}

// ListByChannel retrieves the games tracked for a channel's endpoint.
func (r *GameRepository) ListByChannel(ctx context.Context, channelID string) ([]*model.Game, error) {
	const query = `
		SELECT g.id, g.endpoint_slug, g.name, g.current_turn, g.last_turn_at,
		       g.last_notified_at, g.muted, g.duplicate_warned, g.min_turns,
		       g.notify_interval_secs, g.last_up_player_id, g.created_at, g.updated_at
		FROM games g
		JOIN webhook_endpoints e ON e.slug = g.endpoint_slug
		WHERE e.channel_id = $1
		ORDER BY g.name
	`

	rows, err := r.db.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel games: %w", err)
	}
	defer rows.Close()

	var games []*model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		games = append(games, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating games: %w", err)
	}

	return games, nil
}

func scanGame(row pgx.Row) (*model.Game, error) {
	var g model.Game
	var intervalSecs int64
	err := row.Scan(
		&g.ID,
		&g.EndpointSlug,
		&g.Name,
		&g.CurrentTurn,
		&g.LastTurnAt,
		&g.LastNotifiedAt,
		&g.Muted,
		&g.DuplicateWarned,
		&g.MinTurns,
		&intervalSecs,
		&g.LastUpPlayerID,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.NotifyInterval = time.Duration(intervalSecs) * time.Second
	return &g, nil
}
