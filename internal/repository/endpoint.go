// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"turn-relay-bot/internal/model"
)

// Querier is the subset of pgx query methods shared by *pgxpool.Pool and
// pgx.Tx, so repositories can run against the pool or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Common errors for repository operations.
var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrGameNotFound     = errors.New("game not found")
	ErrPlayerNotFound   = errors.New("player not found")
	ErrSlugTaken        = errors.New("endpoint slug already taken")
	ErrChannelTaken     = errors.New("channel already has an endpoint")
)

// uniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, optionally on a specific constraint.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// EndpointRepository handles webhook endpoint persistence.
type EndpointRepository struct {
	db Querier
}

// NewEndpointRepository creates a new EndpointRepository instance.
func NewEndpointRepository(db Querier) *EndpointRepository {
	return &EndpointRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *EndpointRepository) WithTx(tx pgx.Tx) *EndpointRepository {
	return &EndpointRepository{db: tx}
}

// Create inserts a new endpoint. Returns ErrSlugTaken if the slug is in use
// and ErrChannelTaken if the channel already owns an endpoint.
func (r *EndpointRepository) Create(ctx context.Context, slug, channelID string, minTurns int, notifyInterval time.Duration) (*model.WebhookEndpoint, error) {
	const query = `
		INSERT INTO webhook_endpoints (slug, channel_id, min_turns, notify_interval_secs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING slug, channel_id, min_turns, notify_interval_secs, created_at, updated_at
	`

	ep, err := scanEndpoint(r.db.QueryRow(ctx, query, slug, channelID, minTurns, int64(notifyInterval/time.Second)))
	if err != nil {
		if uniqueViolation(err, "webhook_endpoints_pkey") {
			return nil, ErrSlugTaken
		}
		if uniqueViolation(err, "webhook_endpoints_channel_id_key") {
			return nil, ErrChannelTaken
		}
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	return ep, nil
}

// GetBySlug retrieves an endpoint by its slug.
// Returns ErrEndpointNotFound if it does not exist.
func (r *EndpointRepository) GetBySlug(ctx context.Context, slug string) (*model.WebhookEndpoint, error) {
	const query = `
		SELECT slug, channel_id, min_turns, notify_interval_secs, created_at, updated_at
		FROM webhook_endpoints
		WHERE slug = $1
	`

	ep, err := scanEndpoint(r.db.QueryRow(ctx, query, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	return ep, nil
}

// GetByChannel retrieves the endpoint bound to a channel.
// Returns ErrEndpointNotFound if the channel has none.
func (r *EndpointRepository) GetByChannel(ctx context.Context, channelID string) (*model.WebhookEndpoint, error) {
	const query = `
		SELECT slug, channel_id, min_turns, notify_interval_secs, created_at, updated_at
		FROM webhook_endpoints
		WHERE channel_id = $1
	`

	ep, err := scanEndpoint(r.db.QueryRow(ctx, query, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get endpoint by channel: %w", err)
	}

	return ep, nil
}

// UpdateDefaults updates the policy defaults new games inherit.
func (r *EndpointRepository) UpdateDefaults(ctx context.Context, slug string, minTurns int, notifyInterval time.Duration) error {
	const query = `
		UPDATE webhook_endpoints
		SET min_turns = $2, notify_interval_secs = $3, updated_at = NOW()
		WHERE slug = $1
	`

	result, err := r.db.Exec(ctx, query, slug, minTurns, int64(notifyInterval/time.Second))
	if err != nil {
		return fmt.Errorf("failed to update endpoint defaults: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}

	return nil
}

// Delete removes an endpoint; games and players under it are removed by
// cascade in the store.
func (r *EndpointRepository) Delete(ctx context.Context, slug string) error {
	const query = `DELETE FROM webhook_endpoints WHERE slug = $1`

	result, err := r.db.Exec(ctx, query, slug)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}

	return nil
}

func scanEndpoint(row pgx.Row) (*model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	var intervalSecs int64
	err := row.Scan(
		&ep.Slug,
		&ep.ChannelID,
		&ep.MinTurns,
		&intervalSecs,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ep.NotifyInterval = time.Duration(intervalSecs) * time.Second
	return &ep, nil
}
