// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// tavern's mixed PCM [audio.AudioFrame] output to Discord's Opus voice
// transport.
//
// The platform requires an active *discordgo.Session (owned by the bot
// layer). Each call to [Platform.Connect] joins the given voice channel in
// its guild and returns a [Connection] that encodes the mixed output and
// tracks who is listening.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called
// or Discord drops the bot from the channel.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	guildID, err := p.guildOf(channelID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Join muted=false (we send audio), deaf=true (we never listen).
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, guildID, channelID), nil
}

// guildOf finds the guild of a channel, preferring the state cache.
func (p *Platform) guildOf(channelID string) (string, error) {
	if p.session.State != nil {
		if ch, err := p.session.State.Channel(channelID); err == nil {
			return ch.GuildID, nil
		}
	}
	ch, err := p.session.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("discord: look up channel %q: %w", channelID, err)
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("discord: channel %q is not a guild voice channel", channelID)
	}
	return ch.GuildID, nil
}
