// Package model defines the data models for the turn relay bot.
package model

import "time"

// WebhookEndpoint binds an opaque slug to one Discord channel. The game
// client POSTs turn notifications to /<slug>; everything the relay tracks
// hangs off the endpoint. At most one endpoint exists per channel.
type WebhookEndpoint struct {
	Slug           string        `db:"slug"`
	ChannelID      string        `db:"channel_id"`
	MinTurns       int           `db:"min_turns"`
	NotifyInterval time.Duration `db:"notify_interval_secs"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Game is one tracked game under an endpoint, unique by (endpoint_slug, name).
// MinTurns and NotifyInterval are copied from the endpoint at creation and
// editable per game afterwards. DuplicateWarned is tri-state: nil means no
// name collision has been seen, false means a warning is pending, true means
// the channel has already been warned.
type Game struct {
	ID              int64         `db:"id"`
	EndpointSlug    string        `db:"endpoint_slug"`
	Name            string        `db:"name"`
	CurrentTurn     int64         `db:"current_turn"`
	LastTurnAt      time.Time     `db:"last_turn_at"`
	LastNotifiedAt  time.Time     `db:"last_notified_at"`
	Muted           bool          `db:"muted"`
	DuplicateWarned *bool         `db:"duplicate_warned"`
	MinTurns        int           `db:"min_turns"`
	NotifyInterval  time.Duration `db:"notify_interval_secs"`
	LastUpPlayerID  *int64        `db:"last_up_player_id"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// Player is a game-client player name scoped to one endpoint, optionally
// linked to a Discord user. An empty DiscordUserID means unlinked.
type Player struct {
	ID            int64     `db:"id"`
	EndpointSlug  string    `db:"endpoint_slug"`
	Name          string    `db:"name"`
	DiscordUserID string    `db:"discord_user_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// IngestOutcome classifies what a single webhook call did to tracked state.
type IngestOutcome string

const (
	// OutcomeCreated means the call created a previously unseen game.
	OutcomeCreated IngestOutcome = "created"
	// OutcomeNewTurn means the call advanced the game's current turn.
	OutcomeNewTurn IngestOutcome = "new_turn"
	// OutcomeSameTurn means the call recorded another player for the
	// current turn (a second human inside one game-client turn).
	OutcomeSameTurn IngestOutcome = "same_turn"
	// OutcomeDuplicate means the turn number regressed, which marks a
	// second game reusing the same name under the endpoint.
	OutcomeDuplicate IngestOutcome = "duplicate"
	// OutcomeAlreadyNotified means the identical call was seen before;
	// nothing was mutated.
	OutcomeAlreadyNotified IngestOutcome = "already_notified"
)

// IngestResult is returned by the ingestion engine for applied calls.
type IngestResult struct {
	Outcome IngestOutcome
	Game    *Game
	Player  *Player
}

// DueNotification is one game selected by a scheduler pass, carrying just
// enough denormalized state to render and address a message.
type DueNotification struct {
	GameID        int64
	GameName      string
	ChannelID     string
	CurrentTurn   int64
	PlayerName    string
	PlayerDiscord string
}

// DuplicateWarning is one game whose pending name-collision warning is due.
type DuplicateWarning struct {
	GameID    int64
	GameName  string
	ChannelID string
}

// StaleGame is one game selected for removal by the cleanup sweeper.
type StaleGame struct {
	GameID     int64
	GameName   string
	ChannelID  string
	LastTurnAt time.Time
}

// SweepReport summarizes one scheduler sweep.
type SweepReport struct {
	Notified int // Pass A: new-turn messages sent
	Reminded int // Pass B: re-ping messages sent
	Warned   int // Pass C: duplicate-name warnings sent
	Failed   int // dispatch failures (bookkeeping still advanced)
}

// CleanupReport summarizes one cleanup sweep.
type CleanupReport struct {
	Removed int
	Failed  int
}
