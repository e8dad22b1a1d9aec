package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector owns the voice connection of a session and re-establishes it
// when the transport drops it.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to watch it. When the connection's Done channel
// closes without [Reconnector.Stop] having been called, the monitor
// reconnects with exponential backoff and invokes OnReconnect. If every
// attempt fails, OnGiveUp runs once.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	platform    audio.Platform
	channelID   string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(audio.Connection)
	onGiveUp    func()

	mu       sync.Mutex
	conn     audio.Connection
	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Platform is the audio platform used to establish connections.
	Platform audio.Platform

	// ChannelID is the voice channel to connect to.
	ChannelID string

	// MaxRetries is the maximum number of reconnection attempts before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// connection. May be nil.
	OnReconnect func(audio.Connection)

	// OnGiveUp is called when all reconnection attempts failed. May be nil.
	OnGiveUp func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		platform:    cfg.Platform,
		channelID:   cfg.ChannelID,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		onGiveUp:    cfg.OnGiveUp,
		done:        make(chan struct{}),
	}
}

// Connect performs the initial connection to the voice channel.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.platform.Connect(ctx, r.channelID)
	if err != nil {
		return nil, fmt.Errorf("session: connect %s: %w", r.channelID, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Monitor starts watching the connection in a background goroutine. The
// goroutine ends with ctx, with Stop, or after giving up.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// Stop halts monitoring and disconnects the current connection.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connection returns the current active connection. May return nil during
// reconnection or after Stop.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// monitorLoop waits for the current connection to end and reconnects.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		conn := r.Connection()
		if conn == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-conn.Done():
		}
		if r.stopped() {
			return
		}

		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()

		if !r.attemptReconnect(ctx) {
			if !r.stopped() && ctx.Err() == nil {
				slog.Error("session: reconnection failed after max retries",
					"channel_id", r.channelID,
					"max_retries", r.maxRetries,
				)
				if r.onGiveUp != nil {
					r.onGiveUp()
				}
			}
			return
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff. It reports
// whether a new connection is in place.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		default:
		}

		slog.Info("session: attempting reconnection",
			"channel_id", r.channelID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.platform.Connect(ctx, r.channelID)
		if err == nil {
			r.mu.Lock()
			if r.stopped() {
				r.mu.Unlock()
				_ = conn.Disconnect()
				return false
			}
			r.conn = conn
			r.mu.Unlock()

			slog.Info("session: reconnection successful",
				"channel_id", r.channelID,
				"attempt", attempt,
			)
			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return true
		}

		slog.Warn("session: reconnection attempt failed",
			"channel_id", r.channelID,
			"attempt", attempt,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}
	return false
}
