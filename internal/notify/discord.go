package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// DiscordSender dispatches messages through a Discord session. Only the
// REST API is used; the sender never opens a gateway connection.
type DiscordSender struct {
	session *discordgo.Session
	log     zerolog.Logger
}

// NewDiscordSender creates a new DiscordSender instance.
func NewDiscordSender(session *discordgo.Session, logger zerolog.Logger) *DiscordSender {
	return &DiscordSender{
		session: session,
		log:     logger,
	}
}

// Send posts one message to a channel. The context bounds the request; a
// cancelled or expired context aborts the call.
func (d *DiscordSender) Send(ctx context.Context, channelID, content string) error {
	_, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}

	d.log.Debug().
		Str("channel_id", channelID).
		Int("length", len(content)).
		Msg("Message dispatched")

	return nil
}
