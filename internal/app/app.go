// Package app wires all tavern subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the cache, resolver,
// effect library and session registry, Run serves the HTTP surface, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithPlatform,
// WithStore, WithFetchers, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tavern/internal/api"
	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/config"
	"github.com/MrWong99/tavern/internal/effects"
	"github.com/MrWong99/tavern/internal/health"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/resolve"
	"github.com/MrWong99/tavern/internal/session"
	"github.com/MrWong99/tavern/pkg/audio"
)

// ListenerHandler is implemented by transports that serve their listeners
// over the application's HTTP server.
type ListenerHandler interface {
	Handler() http.Handler
}

// App owns all subsystem lifetimes of the tavern server.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar

	platform audio.Platform
	store    cache.Store
	fetchers []resolve.NamedFetcher
	searcher resolve.Searcher
	decoder  resolve.Decoder
	resolver *resolve.Resolver
	library  *effects.Library
	sessions *session.Registry
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown, after the sessions.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform injects a voice platform instead of creating one from config.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithStore injects a cache store instead of creating one from config.
func WithStore(s cache.Store) Option {
	return func(a *App) { a.store = s }
}

// WithFetchers replaces the default fetcher chain.
func WithFetchers(f ...resolve.NamedFetcher) Option {
	return func(a *App) { a.fetchers = f }
}

// WithSearcher replaces the default yt-dlp searcher.
func WithSearcher(s resolve.Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithDecoder replaces the default ffmpeg decoder.
func WithDecoder(d resolve.Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// transport and cache constructors for anything not injected via options.
//
// New performs all initialisation synchronously: cache connection, sound
// library scan, resolver and registry construction. It does not join any
// voice channel; sessions are created on demand.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initPlatform(); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initResolver(); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initLibrary(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.initSessions()
	a.initHTTP()
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := a.reg.CreateCache(ctx, a.cfg.Cache)
		if err != nil {
			return fmt.Errorf("app: create cache %q: %w", a.cfg.Cache.Backend, err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	a.store = cache.Instrument(a.store, string(a.cfg.Cache.Backend), a.metrics)
	slog.Info("cache ready", "backend", a.cfg.Cache.Backend)
	return nil
}

func (a *App) initPlatform() error {
	if a.platform != nil {
		return nil
	}
	p, err := a.reg.CreateTransport(a.cfg.Transport)
	if err != nil {
		return fmt.Errorf("app: create transport %q: %w", a.cfg.Transport.Name, err)
	}
	a.platform = p
	slog.Info("transport ready", "name", a.cfg.Transport.Name)
	return nil
}

func (a *App) initResolver() error {
	rc := a.cfg.Resolver
	if a.fetchers == nil {
		ytdlp := &resolve.YTDLP{CookieFile: rc.CookieFile, Proxy: rc.Proxy, PlaylistLimit: rc.PlaylistLimit}
		a.fetchers = []resolve.NamedFetcher{
			{Name: "local", Fetcher: resolve.Local{Roots: a.localRoots()}},
			{Name: "yt-dlp", Fetcher: ytdlp},
		}
		if rc.YouTubeFallback {
			yt, err := resolve.NewYouTube(rc.Proxy)
			if err != nil {
				return fmt.Errorf("app: youtube fallback: %w", err)
			}
			a.fetchers = append(a.fetchers, resolve.NamedFetcher{Name: "youtube", Fetcher: yt})
		}
		if a.searcher == nil {
			a.searcher = ytdlp
		}
	}
	if a.decoder == nil {
		a.decoder = resolve.FFmpeg{Binary: rc.FFmpeg}
	}

	opts := []resolve.Option{resolve.WithMetrics(a.metrics)}
	if a.searcher != nil {
		opts = append(opts, resolve.WithSearcher(a.searcher))
	}
	r, err := resolve.New(a.store, a.fetchers, a.decoder, resolve.Config{
		WorkDir:       rc.WorkDir,
		DecodeWorkers: rc.DecodeWorkers,
		FetchRate:     rc.FetchRate,
		FetchBurst:    rc.FetchBurst,
		FetchTimeout:  rc.FetchTimeout,
	}, opts...)
	if err != nil {
		return fmt.Errorf("app: resolver: %w", err)
	}
	a.resolver = r
	a.closers = append(a.closers, r.Close)
	return nil
}

// localRoots lists the directories the local fetcher may read from.
func (a *App) localRoots() []string {
	var roots []string
	if dir := a.cfg.Effects.SoundDir; dir != "" {
		roots = append(roots, dir)
	}
	return append(roots, a.cfg.Resolver.LocalDirs...)
}

func (a *App) initLibrary() error {
	lib, err := effects.NewLibrary(a.cfg.Effects.SoundDir)
	if err != nil {
		return fmt.Errorf("app: sound library: %w", err)
	}
	a.library = lib
	slog.Info("sound library loaded", "dir", a.cfg.Effects.SoundDir, "sounds", lib.Len())
	return nil
}

func (a *App) initSessions() {
	factory := session.NewFactory(session.Config{
		Platform:        a.platform,
		Resolver:        a.resolver,
		Library:         a.library,
		TrackGain:       a.cfg.Mixer.TrackVolume,
		EffectGain:      a.cfg.Mixer.EffectVolume,
		Normalise:       a.cfg.Mixer.Normalise,
		NormaliseTarget: a.cfg.Mixer.NormaliseTarget,
		Preload:         a.cfg.Queue.Preload,
		Reconnect: session.ReconnectorConfig{
			MaxRetries: a.cfg.Reconnect.MaxRetries,
			Backoff:    a.cfg.Reconnect.Backoff,
			MaxBackoff: a.cfg.Reconnect.MaxBackoff,
		},
		Metrics:    a.metrics,
		OnPresence: a.onPresence,
		OnLost:     a.onLost,
	})
	a.sessions = session.NewRegistry(factory, session.WithRegistryMetrics(a.metrics))
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api.New(a.sessions, a.library, a.resolver).Register(mux)

	checkers := []health.Checker{
		health.Store("cache", a.store),
		health.Fetchers(a.resolver.FetcherStatus),
	}
	if _, ok := a.decoder.(resolve.FFmpeg); ok {
		checkers = append(checkers, health.Binary("ffmpeg", a.cfg.Resolver.FFmpeg))
	}
	if _, ok := a.searcher.(*resolve.YTDLP); ok {
		checkers = append(checkers, health.Binary("yt-dlp", ""))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	if lh, ok := a.platform.(ListenerHandler); ok {
		mux.Handle("GET /listen/{room}", lh.Handler())
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Presence ────────────────────────────────────────────────────────────────

// onPresence tracks listener counts and ends a session once its channel is
// empty. It runs on transport goroutines, so teardown happens elsewhere.
func (a *App) onPresence(key string, ev audio.Event, listeners int) {
	switch ev.Type {
	case audio.EventJoin:
		a.metrics.ActiveListeners.Add(context.Background(), 1)
	case audio.EventLeave:
		a.metrics.ActiveListeners.Add(context.Background(), -1)
		if listeners == 0 {
			slog.Info("channel empty, ending session", "session", key)
			go a.remove(key)
		}
	}
}

// onLost ends a session whose connection could not be re-established.
func (a *App) onLost(key string) {
	slog.Warn("voice connection lost, ending session", "session", key)
	go a.remove(key)
}

func (a *App) remove(key string) {
	if err := a.sessions.Remove(key); err != nil {
		slog.Warn("session teardown error", "session", key, "err", err)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the complete HTTP handler: control API, health, metrics
// and, for the websocket transport, the listener endpoint.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session registry.
func (a *App) Sessions() *session.Registry { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It does not
// shut anything down; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls.Enabled() {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS.Enabled())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable part of a config change to the
// running server. Sessions keep running; new volumes apply to sources
// started afterwards.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VolumesChanged || d.PreloadChanged {
		for _, key := range a.sessions.Keys() {
			s, ok := a.sessions.Get(key)
			if !ok {
				continue
			}
			if d.VolumesChanged {
				s.Queue.SetGain(d.NewTrackVolume)
				s.Effects.SetGain(d.NewEffectVolume)
			}
			if d.PreloadChanged {
				s.Queue.SetPreload(d.NewPreload)
			}
		}
		slog.Info("session settings updated", "sessions", a.sessions.Len(),
			"volumes", d.VolumesChanged, "preload", d.PreloadChanged)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, closes every session and then the
// resolver and cache. It honours the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned. Shutdown is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len())
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
