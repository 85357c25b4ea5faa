// Integration tests for the ingestion engine against a real PostgreSQL
// instance, exercising the transaction and row-locking paths the unit tests
// cannot.
package service

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/pkg/lock"
	"turn-relay-bot/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

func setupIngestTest(t *testing.T) (*IngestService, *pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	for _, stmt := range []string{
		`CREATE TABLE webhook_endpoints (
			slug VARCHAR(32) PRIMARY KEY,
			channel_id VARCHAR(32) NOT NULL UNIQUE,
			min_turns INT NOT NULL DEFAULT 0,
			notify_interval_secs BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE players (
			id BIGSERIAL PRIMARY KEY,
			endpoint_slug VARCHAR(32) NOT NULL REFERENCES webhook_endpoints(slug) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			discord_user_id VARCHAR(32) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (endpoint_slug, name)
		)`,
		`CREATE TABLE games (
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
		)`,
		`CREATE TABLE game_players (
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (game_id, player_id)
		)`,
		`CREATE TABLE game_pings (
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			pinged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (game_id, player_id)
		)`,
	} {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	svc := NewIngestService(
		pool,
		repository.NewGameRepository(pool),
		repository.NewPlayerRepository(pool),
		repository.NewEndpointRepository(pool),
		lock.NewGameLock(),
		IngestConfig{GameLimit: 3},
		zerolog.Nop(),
	)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return svc, pool, cleanup
}

func seedEndpoint(t *testing.T, pool *pgxpool.Pool, slug, channelID string) {
	t.Helper()
	_, err := repository.NewEndpointRepository(pool).Create(context.Background(), slug, channelID, 0, 0)
	require.NoError(t, err)
}

func TestIngest_CreatesUnseenGame(t *testing.T) {
	svc, pool, cleanup := setupIngestTest(t)
	defer cleanup()

	ctx := context.Background()
	seedEndpoint(t, pool, "slug-a", "chan-1")

	result, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreated, result.Outcome)
	assert.Equal(t, int64(1), result.Game.CurrentTurn)

	// The notifying player is already in the pinged set.
	gameRepo := repository.NewGameRepository(pool)
	pinged, err := gameRepo.IsPinged(ctx, result.Game.ID, result.Player.ID)
	require.NoError(t, err)
	assert.True(t, pinged)
}

func TestIngest_TurnLifecycle(t *testing.T) {
	svc, pool, cleanup := setupIngestTest(t)
	defer cleanup()

	ctx := context.Background()
	seedEndpoint(t, pool, "slug-a", "chan-1")

	_, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 5)
	require.NoError(t, err)

	// Identical re-delivery mutates nothing.
	result, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 5)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyNotified, result.Outcome)

	// A second human inside the same game-client turn.
	result, err = svc.Ingest(ctx, "slug-a", "Cleo", "Earth", 5)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSameTurn, result.Outcome)

	// The turn advances and the pinged set resets.
	result, err = svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 6)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNewTurn, result.Outcome)

	game, err := repository.NewGameRepository(pool).Get(ctx, "slug-a", "Earth")
	require.NoError(t, err)
	assert.Equal(t, int64(6), game.CurrentTurn)

	// Cleo left the pinged set with the advance, so her turn-6 delivery is
	// a fresh same-turn notification, not an idempotent replay.
	result, err = svc.Ingest(ctx, "slug-a", "Cleo", "Earth", 6)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSameTurn, result.Outcome)
}

func TestIngest_DuplicateNameCollision(t *testing.T) {
	svc, pool, cleanup := setupIngestTest(t)
	defer cleanup()

	ctx := context.Background()
	seedEndpoint(t, pool, "slug-a", "chan-1")

	_, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 5)
	require.NoError(t, err)

	// Turn 1 against recorded turn 5: a second game is reusing the name.
	result, err := svc.Ingest(ctx, "slug-a", "Teddy", "Earth", 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, result.Outcome)

	game, err := repository.NewGameRepository(pool).Get(ctx, "slug-a", "Earth")
	require.NoError(t, err)
	// Tracked state is untouched; the warning is pending.
	assert.Equal(t, int64(5), game.CurrentTurn)
	require.NotNil(t, game.DuplicateWarned)
	assert.False(t, *game.DuplicateWarned)

	// Teddy never became a member of the tracked game.
	players, err := repository.NewPlayerRepository(pool).ListByGame(ctx, game.ID)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "Ghandi", players[0].Name)
}

func TestIngest_Rejections(t *testing.T) {
	svc, pool, cleanup := setupIngestTest(t)
	defer cleanup()

	ctx := context.Background()
	seedEndpoint(t, pool, "slug-a", "chan-1")

	_, err := svc.Ingest(ctx, "slug-a", "", "Earth", 1)
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", -1)
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = svc.Ingest(ctx, "no-such-slug", "Ghandi", "Earth", 1)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	// The configured limit is 3 games per endpoint.
	for _, name := range []string{"G1", "G2", "G3"} {
		_, err := svc.Ingest(ctx, "slug-a", "Ghandi", name, 1)
		require.NoError(t, err)
	}
	_, err = svc.Ingest(ctx, "slug-a", "Ghandi", "G4", 1)
	assert.ErrorIs(t, err, ErrGameLimitReached)

	// Known games are still ingestable at the limit.
	result, err := svc.Ingest(ctx, "slug-a", "Ghandi", "G1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNewTurn, result.Outcome)
}

func TestIngest_ConcurrentDeliveriesSingleAdvance(t *testing.T) {
	svc, pool, cleanup := setupIngestTest(t)
	defer cleanup()

	ctx := context.Background()
	seedEndpoint(t, pool, "slug-a", "chan-1")

	_, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 1)
	require.NoError(t, err)

	// Hammer the same advance from many goroutines; exactly one should
	// land as the new turn, the rest as idempotent replays.
	const workers = 8
	outcomes := make([]model.IngestOutcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Ingest(ctx, "slug-a", "Ghandi", "Earth", 2)
			if err != nil {
				errs[i] = err
				return
			}
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	advanced := 0
	for _, o := range outcomes {
		switch o {
		case model.OutcomeNewTurn:
			advanced++
		case model.OutcomeAlreadyNotified:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	assert.Equal(t, 1, advanced)

	game, err := repository.NewGameRepository(pool).Get(ctx, "slug-a", "Earth")
	require.NoError(t, err)
	assert.Equal(t, int64(2), game.CurrentTurn)
}
