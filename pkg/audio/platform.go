// Package audio defines the frame format, sources, and transport interfaces
// of the tavern playback pipeline.
//
// The two transport abstractions are:
//
//   - [Platform] connects to a voice channel and returns a [Connection].
//   - [Connection] is the output side of that channel: a single mixed output
//     stream plus listener presence events.
//
// Implementations live in transport packages (audio/discord,
// audio/websocket). The mixer never sees them; it hands frames to whatever
// output function the session wires up.
package audio

import (
	"context"
)

// EventType classifies listener lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a listener enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a listener leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a listener lifecycle change on a voice channel.
type Event struct {
	// Type indicates whether the listener joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the listener.
	UserID string

	// Username is the human-readable display name of the listener.
	Username string
}

// Connection represents the output side of an active voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// OutputStream returns the write-only channel for mixed frames. The
	// channel is buffered; writers must not block on it indefinitely.
	// Frames written after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers cb as the callback for listener joins and
	// leaves. Subsequent calls replace the previous registration. The callback
	// runs on an internal goroutine.
	OnParticipantChange(cb func(Event))

	// Listeners returns the number of listeners currently in the channel,
	// not counting the bot itself.
	Listeners() int

	// Done is closed once the connection has ended, either through
	// Disconnect or because the remote side dropped it.
	Done() <-chan struct{}

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect() error
}

// Platform is the entry point for a voice transport.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs
	// the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
