package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/repository"
)

// ErrSlugExhausted is returned when endpoint creation cannot find a free
// slug within the attempt budget.
var ErrSlugExhausted = errors.New("could not allocate a unique endpoint slug")

// slugLen is the length of generated endpoint slugs.
const slugLen = 12

// maxSlugAttempts bounds slug-collision retries during endpoint creation.
const maxSlugAttempts = 5

// EndpointStore is the slice of the entity store endpoint provisioning
// needs. *repository.EndpointRepository satisfies it.
type EndpointStore interface {
	Create(ctx context.Context, slug, channelID string, minTurns int, notifyInterval time.Duration) (*model.WebhookEndpoint, error)
	GetBySlug(ctx context.Context, slug string) (*model.WebhookEndpoint, error)
	GetByChannel(ctx context.Context, channelID string) (*model.WebhookEndpoint, error)
	UpdateDefaults(ctx context.Context, slug string, minTurns int, notifyInterval time.Duration) error
	Delete(ctx context.Context, slug string) error
}

// EndpointService provisions webhook endpoints: one per channel, each with
// an opaque generated slug and the default notification policy new games
// inherit.
type EndpointService struct {
	store           EndpointStore
	defaultMinTurns int
	defaultInterval time.Duration
	log             zerolog.Logger
}

// NewEndpointService creates a new EndpointService instance.
func NewEndpointService(store EndpointStore, defaultMinTurns int, defaultInterval time.Duration, logger zerolog.Logger) *EndpointService {
	return &EndpointService{
		store:           store,
		defaultMinTurns: defaultMinTurns,
		defaultInterval: defaultInterval,
		log:             logger,
	}
}

// Create provisions an endpoint for a channel. Slug collisions are retried
// with an explicit attempt counter; exhausting the budget returns
// ErrSlugExhausted. A channel that already owns an endpoint gets
// repository.ErrChannelTaken.
func (s *EndpointService) Create(ctx context.Context, channelID string) (*model.WebhookEndpoint, error) {
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := newSlug()

		ep, err := s.store.Create(ctx, slug, channelID, s.defaultMinTurns, s.defaultInterval)
		if err == nil {
			s.log.Info().
				Str("slug", ep.Slug).
				Str("channel_id", channelID).
				Msg("Webhook endpoint created")
			return ep, nil
		}
		if errors.Is(err, repository.ErrSlugTaken) {
			s.log.Warn().
				Str("slug", slug).
				Int("attempt", attempt).
				Msg("Slug collision, retrying")
			continue
		}
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	return nil, ErrSlugExhausted
}

// Get resolves a channel's endpoint.
func (s *EndpointService) Get(ctx context.Context, channelID string) (*model.WebhookEndpoint, error) {
	return s.store.GetByChannel(ctx, channelID)
}

// UpdateDefaults edits the policy defaults new games inherit from the
// endpoint.
func (s *EndpointService) UpdateDefaults(ctx context.Context, slug string, minTurns int, notifyInterval time.Duration) error {
	if minTurns < 0 || notifyInterval < 0 {
		return ErrMalformedInput
	}
	return s.store.UpdateDefaults(ctx, slug, minTurns, notifyInterval)
}

// Delete removes an endpoint and, by cascade, everything under it.
func (s *EndpointService) Delete(ctx context.Context, slug string) error {
	return s.store.Delete(ctx, slug)
}

// newSlug generates an opaque endpoint slug.
func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:slugLen]
}
