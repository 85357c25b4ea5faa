// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/pkg/lock"
	"turn-relay-bot/internal/repository"
)

// Common errors for ingestion. These map to caller-visible rejections; the
// webhook layer translates them to status codes without leaking detail.
var (
	ErrMalformedInput   = errors.New("malformed turn notification")
	ErrUnknownEndpoint  = errors.New("unknown webhook endpoint")
	ErrGameLimitReached = errors.New("endpoint game limit reached")
	ErrIngestContended  = errors.New("ingestion retries exhausted")
)

// IngestConfig holds ingestion policy.
type IngestConfig struct {
	// GameLimit caps games per endpoint.
	GameLimit int
	// MaxRetries bounds transaction retries on serialization conflicts.
	MaxRetries int
	// RetryBackoff is the base delay between retries, doubled per attempt.
	RetryBackoff time.Duration
	// LockTimeout bounds waiting on the in-process per-game lock.
	LockTimeout time.Duration
}

// IngestService is the turn ingestion engine. Each call validates one
// inbound webhook notification and applies it to the store as a single
// transaction, classifying it as a created game, an advanced turn, a
// same-turn notification for another player, a duplicate-name collision, or
// an idempotent re-delivery.
//
// Concurrency is scoped per game: an in-process keyed lock serializes
// deliveries for the same (endpoint, game) pair, and the transaction takes a
// row-level lock on the game so concurrent processes cannot both observe a
// stale current_turn and double-apply the clear-and-advance step.
type IngestService struct {
	pool      *pgxpool.Pool
	games     *repository.GameRepository
	players   *repository.PlayerRepository
	endpoints *repository.EndpointRepository
	locks     *lock.GameLock
	cfg       IngestConfig
	log       zerolog.Logger

	now func() time.Time
}

// NewIngestService creates a new IngestService instance.
func NewIngestService(
	pool *pgxpool.Pool,
	games *repository.GameRepository,
	players *repository.PlayerRepository,
	endpoints *repository.EndpointRepository,
	locks *lock.GameLock,
	cfg IngestConfig,
	logger zerolog.Logger,
) *IngestService {
	if cfg.GameLimit <= 0 {
		cfg.GameLimit = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &IngestService{
		pool:      pool,
		games:     games,
		players:   players,
		endpoints: endpoints,
		locks:     locks,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
	}
}

// Ingest validates and applies one inbound turn notification.
//
// Turn numbers are the sole ordering key: webhook delivery may retry or
// arrive out of order, so wall-clock arrival order is not trusted. A turn
// number strictly below the recorded one always means a second game is
// reusing the name, never that the game is "catching up".
func (s *IngestService) Ingest(ctx context.Context, endpointSlug, playerName, gameName string, turn int64) (*model.IngestResult, error) {
	if endpointSlug == "" || playerName == "" || gameName == "" || turn < 0 {
		return nil, ErrMalformedInput
	}

	key := endpointSlug + "/" + gameName

	var result *model.IngestResult
	err := s.locks.WithLockContext(ctx, key, s.cfg.LockTimeout, func() error {
		var err error
		result, err = s.ingestWithRetry(ctx, endpointSlug, playerName, gameName, turn)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("slug", endpointSlug).
		Str("game", gameName).
		Str("player", playerName).
		Int64("turn", turn).
		Str("outcome", string(result.Outcome)).
		Msg("Turn notification ingested")

	return result, nil
}

// ingestWithRetry runs the ingestion transaction, retrying a bounded number
// of times on serialization conflicts with another process.
func (s *IngestService) ingestWithRetry(ctx context.Context, endpointSlug, playerName, gameName string, turn int64) (*model.IngestResult, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := s.ingestTx(ctx, endpointSlug, playerName, gameName, turn)
		if err == nil {
			return result, nil
		}
		if !retryableTxError(err) {
			return nil, err
		}

		lastErr = err
		s.log.Warn().
			Err(err).
			Str("slug", endpointSlug).
			Str("game", gameName).
			Int("attempt", attempt+1).
			Msg("Ingestion transaction conflict, retrying")
	}

	return nil, fmt.Errorf("%w: %w", ErrIngestContended, lastErr)
}

// ingestTx applies one notification inside a single transaction.
func (s *IngestService) ingestTx(ctx context.Context, endpointSlug, playerName, gameName string, turn int64) (*model.IngestResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	games := s.games.WithTx(tx)
	players := s.players.WithTx(tx)
	endpoints := s.endpoints.WithTx(tx)

	endpoint, err := endpoints.GetBySlug(ctx, endpointSlug)
	if err != nil {
		if errors.Is(err, repository.ErrEndpointNotFound) {
			return nil, ErrUnknownEndpoint
		}
		return nil, err
	}

	now := s.now()

	game, err := games.GetForUpdate(ctx, endpointSlug, gameName)
	if errors.Is(err, repository.ErrGameNotFound) {
		result, err := s.createGame(ctx, games, players, endpoint, playerName, gameName, turn, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	var result *model.IngestResult
	if turn < game.CurrentTurn {
		// A lower turn number marks a second, differently-progressed
		// game reusing this name. Flag the warning once and leave all
		// turn state untouched.
		if err := games.MarkDuplicatePending(ctx, game.ID); err != nil {
			return nil, err
		}
		result = &model.IngestResult{Outcome: model.OutcomeDuplicate, Game: game}
	} else {
		player, _, err := players.GetOrCreate(ctx, endpointSlug, playerName)
		if err != nil {
			return nil, err
		}
		if err := games.AddMember(ctx, game.ID, player.ID); err != nil {
			return nil, err
		}
		pinged, err := games.IsPinged(ctx, game.ID, player.ID)
		if err != nil {
			return nil, err
		}

		switch outcome := classifyTurn(game.CurrentTurn, turn, pinged); outcome {
		case model.OutcomeAlreadyNotified:
			// Identical delivery already recorded this turn.
			result = &model.IngestResult{Outcome: outcome, Game: game, Player: player}

		case model.OutcomeSameTurn:
			if _, err := games.AddPing(ctx, game.ID, player.ID); err != nil {
				return nil, err
			}
			if err := games.TouchSameTurn(ctx, game.ID, player.ID, now); err != nil {
				return nil, err
			}
			result = &model.IngestResult{Outcome: outcome, Game: game, Player: player}

		default: // model.OutcomeNewTurn
			// The pinged set tracks the current turn only; clear it
			// before recording the new turn's first player.
			if err := games.ClearPings(ctx, game.ID); err != nil {
				return nil, err
			}
			if _, err := games.AddPing(ctx, game.ID, player.ID); err != nil {
				return nil, err
			}
			if err := games.AdvanceTurn(ctx, game.ID, turn, player.ID, now); err != nil {
				return nil, err
			}
			result = &model.IngestResult{Outcome: outcome, Game: game, Player: player}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return result, nil
}

// createGame handles first ingestion of an unseen game name: enforces the
// per-endpoint game limit, inherits endpoint policy, and seeds the pinged
// set with the notifying player.
func (s *IngestService) createGame(
	ctx context.Context,
	games *repository.GameRepository,
	players *repository.PlayerRepository,
	endpoint *model.WebhookEndpoint,
	playerName, gameName string,
	turn int64,
	now time.Time,
) (*model.IngestResult, error) {
	count, err := games.CountByEndpoint(ctx, endpoint.Slug)
	if err != nil {
		return nil, err
	}
	if count >= s.cfg.GameLimit {
		return nil, ErrGameLimitReached
	}

	player, _, err := players.GetOrCreate(ctx, endpoint.Slug, playerName)
	if err != nil {
		return nil, err
	}

	game, err := games.Create(ctx, &model.Game{
		EndpointSlug:   endpoint.Slug,
		Name:           gameName,
		CurrentTurn:    turn,
		LastTurnAt:     now,
		MinTurns:       endpoint.MinTurns,
		NotifyInterval: endpoint.NotifyInterval,
		LastUpPlayerID: &player.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := games.AddMember(ctx, game.ID, player.ID); err != nil {
		return nil, err
	}
	if _, err := games.AddPing(ctx, game.ID, player.ID); err != nil {
		return nil, err
	}

	return &model.IngestResult{Outcome: model.OutcomeCreated, Game: game, Player: player}, nil
}

// retryableTxError reports whether an ingestion transaction failed in a way
// that a retry can resolve: serialization failure, deadlock, or a unique
// violation from racing a concurrent creation of the same row.
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

// classifyTurn decides how an incoming turn number relates to recorded game
// state. Pure decision logic, shared with property tests: a strictly lower
// turn is a duplicate-name collision, an equal turn is a same-turn
// notification (idempotent if the player was already pinged), a higher turn
// advances the game.
func classifyTurn(currentTurn, incoming int64, alreadyPinged bool) model.IngestOutcome {
	switch {
	case incoming < currentTurn:
		return model.OutcomeDuplicate
	case incoming == currentTurn:
		if alreadyPinged {
			return model.OutcomeAlreadyNotified
		}
		return model.OutcomeSameTurn
	default:
		return model.OutcomeNewTurn
	}
}
