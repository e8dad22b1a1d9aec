// Package websocket provides an [audio.Platform] that streams the mixed
// output of a session to browser listeners over WebSocket via
// coder/websocket. It stands in for a voice platform when tavern runs
// without Discord.
//
// Each call to [Platform.Connect] opens a room. Listeners attach to a room
// through the HTTP handler returned by [Platform.Handler]:
//
//	GET /listen/{room}?name=alice
//
// and then receive one binary message per mixed frame: raw s16le PCM at
// 48 kHz stereo.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

const (
	defaultWriteTimeout   = 2 * time.Second
	defaultListenerBuffer = 16
)

// Option configures a [Platform].
type Option func(*Platform)

// WithWriteTimeout bounds a single frame write to one listener. A listener
// that cannot keep up within the timeout is dropped. Defaults to 2s.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithListenerBuffer sets how many frames may queue per listener before
// frames are dropped for that listener. Defaults to 16.
func WithListenerBuffer(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.listenerBuffer = n
		}
	}
}

// WithOriginPatterns sets the origins allowed to open listener sockets.
// Without patterns only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(p *Platform) { p.originPatterns = patterns }
}

// Platform implements [audio.Platform] on top of WebSocket listener rooms.
//
// Platform is safe for concurrent use.
type Platform struct {
	writeTimeout   time.Duration
	listenerBuffer int
	originPatterns []string

	mu    sync.Mutex
	rooms map[string]*Connection
}

// New creates a new WebSocket Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		writeTimeout:   defaultWriteTimeout,
		listenerBuffer: defaultListenerBuffer,
		rooms:          make(map[string]*Connection),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens the room identified by channelID. A room stays open until
// [Connection.Disconnect]; connecting to a room that is still open fails.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.rooms[channelID]; ok {
		select {
		case <-old.Done():
		default:
			return nil, fmt.Errorf("websocket: room %q is already open", channelID)
		}
	}
	c := newConnection(p, channelID)
	p.rooms[channelID] = c
	return c, nil
}

// Rooms returns the IDs of all open rooms.
func (p *Platform) Rooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Handler returns an http.Handler that serves the listener endpoint:
//
//	GET /listen/{room}   upgrade to WebSocket and receive the room's audio
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /listen/{room}", p.handleListen)
	return mux
}

func (p *Platform) handleListen(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	p.mu.Lock()
	room, ok := p.rooms[roomID]
	p.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: p.originPatterns})
	if err != nil {
		slog.Warn("websocket: accept listener", "room", roomID, "err", err)
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = uuid.NewString()
	}
	room.serve(r.Context(), conn, userID, r.URL.Query().Get("name"))
}

// forget drops a room once it is disconnected.
func (p *Platform) forget(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[c.channelID] == c {
		delete(p.rooms, c.channelID)
	}
}
