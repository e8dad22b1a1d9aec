// Package session ties the per-channel playback components together.
//
// A [Session] owns one mixer, one queue, one effect scheduler and the voice
// connection they play into. The [Registry] guarantees at most one live
// Session per key and tears sessions down on request or when their channel
// empties.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tavern/internal/effects"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/queue"
	"github.com/MrWong99/tavern/pkg/audio"
	"github.com/MrWong99/tavern/pkg/audio/mixer"
)

// Session is the live playback state of one voice channel.
type Session struct {
	Key     string
	Created time.Time

	Mixer   *mixer.Mixer
	Queue   *queue.Queue
	Effects *effects.Scheduler
	Link    *Reconnector

	// closers run in reverse order on Close.
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Conn returns the current voice connection, or nil while reconnecting.
func (s *Session) Conn() audio.Connection {
	if s.Link == nil {
		return nil
	}
	return s.Link.Connection()
}

// Close stops every component in reverse start order. Components that fail
// to stop do not prevent the rest from stopping. Close is idempotent and
// returns the joined errors of the first call.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				slog.Warn("session: closer error", "session", s.Key, "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		slog.Info("session: closed", "session", s.Key, "age", time.Since(s.Created).Round(time.Second))
	})
	return s.closeErr
}

// Config holds the dependencies shared by every session built by
// [NewFactory].
type Config struct {
	// Platform connects sessions to their voice channel. The session key is
	// used as the channel ID.
	Platform audio.Platform

	// Resolver feeds both the queue and the effect scheduler.
	Resolver queue.Resolver

	// Library is the effect sound library.
	Library *effects.Library

	TrackGain  float64
	EffectGain float64

	// Normalise enables loudness normalisation of tracks towards
	// NormaliseTarget.
	Normalise       bool
	NormaliseTarget float64

	// Preload is the queue preload window.
	Preload int

	Reconnect ReconnectorConfig

	Metrics *observe.Metrics

	// OnPresence is called for every listener change with the listener
	// count after the change. May be nil.
	OnPresence func(key string, ev audio.Event, listeners int)

	// OnLost is called when the connection dropped and could not be
	// re-established. May be nil.
	OnLost func(key string)
}

// Factory builds the session for key.
type Factory func(ctx context.Context, key string) (*Session, error)

// NewFactory returns a [Factory] that connects to the channel named by the
// key and wires mixer, queue and effects into it.
func NewFactory(cfg Config) Factory {
	return func(ctx context.Context, key string) (*Session, error) {
		return build(ctx, key, cfg)
	}
}

func build(ctx context.Context, key string, cfg Config) (*Session, error) {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Session{Key: key, Created: time.Now()}
	log := slog.Default().With("session", key)

	presence := func(conn audio.Connection) {
		conn.OnParticipantChange(func(ev audio.Event) {
			n := conn.Listeners()
			log.Debug("session: listener change", "event", ev.Type, "user", ev.UserID, "listeners", n)
			if cfg.OnPresence != nil {
				cfg.OnPresence(key, ev, n)
			}
		})
	}

	rc := cfg.Reconnect
	rc.Platform = cfg.Platform
	rc.ChannelID = key
	rc.OnReconnect = presence
	rc.OnGiveUp = func() {
		if cfg.OnLost != nil {
			cfg.OnLost(key)
		}
	}
	link := NewReconnector(rc)
	conn, err := link.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s.Link = link
	s.closers = append(s.closers, link.Stop)
	presence(conn)

	s.Mixer = mixer.New(func(frame audio.AudioFrame) {
		c := link.Connection()
		if c == nil {
			return
		}
		select {
		case c.OutputStream() <- frame:
		default:
		}
	}, mixer.WithSession(key), mixer.WithMetrics(metrics))
	s.closers = append(s.closers, s.Mixer.Close)

	qopts := []queue.Option{
		queue.WithSession(key),
		queue.WithMetrics(metrics),
		queue.WithPreload(cfg.Preload),
	}
	if cfg.TrackGain > 0 {
		qopts = append(qopts, queue.WithGain(cfg.TrackGain))
	}
	if cfg.Normalise {
		target := cfg.NormaliseTarget
		if target <= 0 {
			target = audio.DefaultNormaliseTarget
		}
		qopts = append(qopts, queue.WithNormalise(target))
	}
	s.Queue = queue.New(s.Mixer, s.Mixer.Events(), cfg.Resolver, qopts...)
	s.closers = append(s.closers, s.Queue.Close)

	lib := cfg.Library
	if lib == nil {
		if lib, err = effects.NewLibrary(""); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("session: empty sound library: %w", err)
		}
	}
	eopts := []effects.Option{effects.WithSession(key), effects.WithMetrics(metrics)}
	if cfg.EffectGain > 0 {
		eopts = append(eopts, effects.WithGain(cfg.EffectGain))
	}
	s.Effects = effects.New(s.Mixer, cfg.Resolver, lib, eopts...)
	s.closers = append(s.closers, s.Effects.Close)

	s.Mixer.Start()
	link.Monitor(context.Background())
	log.Info("session: started", "listeners", conn.Listeners())
	return s, nil
}
