// Command tavern is the main entry point for the tavern audio server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tavern/internal/app"
	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/cache/postgres"
	"github.com/MrWong99/tavern/internal/cache/redis"
	"github.com/MrWong99/tavern/internal/config"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/audio"
	"github.com/MrWong99/tavern/pkg/audio/discord"
	"github.com/MrWong99/tavern/pkg/audio/websocket"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	watch := flag.Bool("watch", true, "reload volumes, preload and log level when the config file changes or on SIGHUP")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "tavern: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tavern: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tavern: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("tavern starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "tavern",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	var closers []func() error
	registerBuiltins(reg, &closers)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("transport close error", "err", err)
			}
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload rejected", "err", err)
			}
		}
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltins wires the transports and cache backends that ship with
// tavern into reg. Transports that hold a gateway connection append their
// close function to closers.
func registerBuiltins(reg *config.Registry, closers *[]func() error) {
	reg.RegisterTransport("discord", func(cfg config.TransportConfig) (audio.Platform, error) {
		s, err := discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := s.Open(); err != nil {
			return nil, fmt.Errorf("discord: open gateway: %w", err)
		}
		*closers = append(*closers, s.Close)
		return discord.New(s), nil
	})

	reg.RegisterTransport("websocket", func(cfg config.TransportConfig) (audio.Platform, error) {
		ws := cfg.WebSocket
		var opts []websocket.Option
		if ws.WriteTimeout > 0 {
			opts = append(opts, websocket.WithWriteTimeout(ws.WriteTimeout))
		}
		if ws.ListenerBuffer > 0 {
			opts = append(opts, websocket.WithListenerBuffer(ws.ListenerBuffer))
		}
		if len(ws.OriginPatterns) > 0 {
			opts = append(opts, websocket.WithOriginPatterns(ws.OriginPatterns...))
		}
		return websocket.New(opts...), nil
	})

	reg.RegisterCache(config.CacheMemory, func(_ context.Context, cfg config.CacheConfig) (cache.Store, error) {
		return cache.NewMemory(cfg.Memory.MaxBytes), nil
	})

	reg.RegisterCache(config.CacheRedis, func(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
		rc := cfg.Redis
		return redis.New(ctx, redis.Config{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			TTL:      rc.TTL,
		})
	})

	reg.RegisterCache(config.CachePostgres, func(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
		return postgres.NewStore(ctx, cfg.Postgres.DSN)
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          tavern startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Transport.Name)
	printRow("Cache", string(cfg.Cache.Backend))
	printRow("Sound dir", orNone(cfg.Effects.SoundDir))
	printRow("Track volume", fmt.Sprintf("%.2f", cfg.Mixer.TrackVolume))
	printRow("Effect volume", fmt.Sprintf("%.2f", cfg.Mixer.EffectVolume))
	printRow("Normalise", fmt.Sprintf("%t", cfg.Mixer.Normalise))
	printRow("Preload", fmt.Sprintf("%d", cfg.Queue.Preload))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
