// Package notify renders and dispatches chat notifications.
package notify

import (
	"fmt"
	"time"
)

// Mention renders a player reference: a Discord mention when the player is
// linked to a user id, the plain name otherwise.
func Mention(name, discordUserID string) string {
	if discordUserID != "" {
		return fmt.Sprintf("<@%s>", discordUserID)
	}
	return name
}

// TurnMessage renders the "your turn" notification for a new turn.
func TurnMessage(gameName string, turn int64, playerName, discordUserID string) string {
	return fmt.Sprintf("%s — it's your turn in **%s** (turn %d).",
		Mention(playerName, discordUserID), gameName, turn)
}

// ReminderMessage renders the re-ping sent when a turn sits unplayed past
// the configured interval.
func ReminderMessage(gameName string, turn int64, playerName, discordUserID string) string {
	return fmt.Sprintf("%s — reminder: **%s** is still waiting on you (turn %d).",
		Mention(playerName, discordUserID), gameName, turn)
}

// DuplicateWarning renders the one-time notice that two games appear to
// share one name under this webhook.
func DuplicateWarning(gameName string) string {
	return fmt.Sprintf("Heads up: another game named **%s** is reporting to this webhook "+
		"with a lower turn count. Rename one of the games in the game client, "+
		"or its notifications will be dropped.", gameName)
}

// RemovalMessage renders the announcement sent just before a stale game is
// removed.
func RemovalMessage(gameName string, lastTurnAt time.Time) string {
	return fmt.Sprintf("**%s** was removed after inactivity (last turn %s).",
		gameName, lastTurnAt.UTC().Format("2006-01-02"))
}
