package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const outputChannelBuffer = 64

// speakingIdle is how long the output may stay silent before the speaking
// flag is cleared. The mixer stops emitting when nothing plays.
const speakingIdle = 250 * time.Millisecond

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It encodes outgoing PCM frames to Opus and
// keeps the set of users in the channel up to date from VoiceStateUpdate
// events.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	botID     string

	output chan audio.AudioFrame

	mu        sync.Mutex
	listeners map[string]struct{}
	changeCb  func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the send loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		listeners:    make(map[string]struct{}),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	if session.State != nil && session.State.User != nil {
		c.botID = session.State.User.ID
		c.seedListeners(session.State)
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	go c.sendLoop()
	return c
}

// seedListeners counts the humans already in the channel. Bots are skipped
// the same way voice state updates skip them.
func (c *Connection) seedListeners(state *discordgo.State) {
	guild, err := state.Guild(c.guildID)
	if err != nil {
		return
	}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != c.channelID || vs.UserID == c.botID {
			continue
		}
		member := vs.Member
		if member == nil {
			member, _ = state.Member(c.guildID, vs.UserID)
		}
		if member != nil && member.User != nil && member.User.Bot {
			continue
		}
		c.listeners[vs.UserID] = struct{}{}
	}
}

// OutputStream returns the write-only channel for mixed audio. Frames
// written here are encoded to Opus and sent to Discord.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnParticipantChange registers cb as the callback for listener join/leave events.
// Only one callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeCb = cb
}

// Listeners returns the number of users in the channel other than the bot.
func (c *Connection) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Done is closed once the connection has ended.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Disconnect cleanly tears down the voice connection and stops all background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// sendLoop encodes frames from the output channel and sends the packets on
// the voice connection, toggling the speaking flag around bursts of audio.
func (c *Connection) sendLoop() {
	enc, err := newFrameEncoder()
	if err != nil {
		slog.Error("discord: send loop disabled", "channel_id", c.channelID, "err", err)
		return
	}

	speaking := false
	idle := time.NewTimer(speakingIdle)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-idle.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
		case frame, ok := <-c.output:
			if !ok {
				return
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			idle.Reset(speakingIdle)

			packets, eErr := enc.push(frame)
			if eErr != nil {
				slog.Warn("discord: dropped frame", "channel_id", c.channelID, "err", eErr)
			}
			for _, pkt := range packets {
				select {
				case c.vc.OpusSend <- pkt:
				case <-c.done:
					return
				}
			}
		}
	}
}

// handleVoiceStateUpdate keeps the listener set current and detects the bot
// being moved or kicked out of the channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}

	if c.botID != "" && vsu.UserID == c.botID {
		if vsu.ChannelID != c.channelID {
			slog.Info("discord: bot left voice channel", "guild_id", c.guildID, "channel_id", c.channelID)
			go func() { _ = c.Disconnect() }()
		}
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		if vsu.Member.User.Bot {
			return
		}
		username = vsu.Member.User.Username
	}

	c.mu.Lock()
	_, present := c.listeners[vsu.UserID]
	var ev *audio.Event
	switch {
	case vsu.ChannelID == c.channelID && !present:
		c.listeners[vsu.UserID] = struct{}{}
		ev = &audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username}
	case vsu.ChannelID != c.channelID && present:
		delete(c.listeners, vsu.UserID)
		ev = &audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username}
	}
	c.mu.Unlock()

	if ev != nil {
		c.emitEvent(*ev)
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitEvent safely invokes the registered participant change callback.
func (c *Connection) emitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.changeCb
	c.mu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
