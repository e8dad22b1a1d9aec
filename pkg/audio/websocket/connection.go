package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/MrWong99/tavern/pkg/audio"
)

const outputChannelBuffer = 64

// listener holds the runtime state of one attached WebSocket client.
type listener struct {
	userID   string
	username string
	conn     *ws.Conn
	frames   chan []byte
	done     chan struct{} // closed when the listener is removed
}

// Connection is one listener room. It implements [audio.Connection]: every
// frame written to the output stream is fanned out to all listeners.
//
// Connection is safe for concurrent use.
type Connection struct {
	platform  *Platform
	channelID string

	output chan audio.AudioFrame

	mu        sync.RWMutex
	listeners map[string]*listener
	onChange  func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(p *Platform, channelID string) *Connection {
	c := &Connection{
		platform:  p,
		channelID: channelID,
		output:    make(chan audio.AudioFrame, outputChannelBuffer),
		listeners: make(map[string]*listener),
		done:      make(chan struct{}),
	}
	go c.forwardOutput()
	return c
}

// OutputStream returns the write-only channel for mixed audio. Frames
// written here are forwarded to all currently attached listeners.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnParticipantChange registers cb as the listener lifecycle callback.
// Subsequent calls replace the previous registration.
// The callback is invoked on an internal goroutine.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// Listeners returns the number of attached listeners.
func (c *Connection) Listeners() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Done is closed once the room has been disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Disconnect closes every listener socket and the room. It is safe to call
// more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.platform.forget(c)

		c.mu.Lock()
		ls := make([]*listener, 0, len(c.listeners))
		for id, l := range c.listeners {
			ls = append(ls, l)
			delete(c.listeners, id)
		}
		c.mu.Unlock()

		for _, l := range ls {
			close(l.done)
			_ = l.conn.Close(ws.StatusGoingAway, "room closed")
		}
	})
	return nil
}

// serve attaches conn as a listener and blocks until it goes away.
func (c *Connection) serve(ctx context.Context, conn *ws.Conn, userID, username string) {
	l := &listener{
		userID:   userID,
		username: username,
		conn:     conn,
		frames:   make(chan []byte, c.platform.listenerBuffer),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close(ws.StatusGoingAway, "room closed")
		return
	default:
	}
	if _, dup := c.listeners[userID]; dup {
		c.mu.Unlock()
		_ = conn.Close(ws.StatusPolicyViolation, "listener already attached")
		return
	}
	c.listeners[userID] = l
	c.mu.Unlock()
	c.emit(audio.Event{Type: audio.EventJoin, UserID: userID, Username: username})

	// Listeners never send data; CloseRead handles control frames and
	// reports when the client goes away.
	readCtx := conn.CloseRead(ctx)
	err := c.writeLoop(readCtx, l)
	if c.remove(l) {
		c.emit(audio.Event{Type: audio.EventLeave, UserID: userID, Username: username})
		status := ws.StatusNormalClosure
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("websocket: listener dropped", "room", c.channelID, "user", userID, "err", err)
			status = ws.StatusInternalError
		}
		_ = conn.Close(status, "")
	}
}

// writeLoop sends queued frames to one listener until it is removed or its
// socket fails.
func (c *Connection) writeLoop(ctx context.Context, l *listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case data := <-l.frames:
			wctx, cancel := context.WithTimeout(ctx, c.platform.writeTimeout)
			err := l.conn.Write(wctx, ws.MessageBinary, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// remove detaches l. It reports false when l was already gone.
func (c *Connection) remove(l *listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[l.userID] != l {
		return false
	}
	delete(c.listeners, l.userID)
	close(l.done)
	return true
}

// forwardOutput fans every mixed frame out to the listeners. A listener whose
// queue is full misses the frame.
func (c *Connection) forwardOutput() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.output:
			c.mu.RLock()
			for _, l := range c.listeners {
				select {
				case l.frames <- frame.Data:
				default:
				}
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) emit(ev audio.Event) {
	c.mu.RLock()
	cb := c.onChange
	c.mu.RUnlock()
	if cb != nil {
		go cb(ev)
	}
}
