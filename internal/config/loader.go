package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// KnownTransports lists the transport names the server ships with.
// Used by [Validate] to warn about unrecognised names.
var KnownTransports = []string{"discord", "websocket"}

// LoadDotEnv loads environment variables from the given .env files (".env"
// when none are given). Variables already set in the process win. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays TAVERN_* environment
// variables, applies defaults and validates the result. An empty document
// yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if name := cfg.Transport.Name; name != "" && !slices.Contains(KnownTransports, name) {
		slog.Warn("unknown transport name, may be a typo or third-party transport",
			"name", name,
			"known", KnownTransports,
		)
	}
	if cfg.Transport.Name == "discord" && cfg.Transport.Discord.Token == "" {
		errs = append(errs, errors.New("transport.discord.token is required when transport is discord (or set TAVERN_DISCORD_TOKEN)"))
	}
	if cfg.Transport.WebSocket.WriteTimeout < 0 {
		errs = append(errs, errors.New("transport.websocket.write_timeout must not be negative"))
	}
	if cfg.Transport.WebSocket.ListenerBuffer < 0 {
		errs = append(errs, errors.New("transport.websocket.listener_buffer must not be negative"))
	}

	// Mixer
	if v := cfg.Mixer.TrackVolume; v < 0 || v > 2 {
		errs = append(errs, fmt.Errorf("mixer.track_volume %.2f is out of range [0, 2]", v))
	}
	if v := cfg.Mixer.EffectVolume; v < 0 || v > 2 {
		errs = append(errs, fmt.Errorf("mixer.effect_volume %.2f is out of range [0, 2]", v))
	}
	if v := cfg.Mixer.NormaliseTarget; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("mixer.normalise_target %.3f is out of range [0, 1]", v))
	}

	// Queue
	if cfg.Queue.Preload < 0 {
		errs = append(errs, fmt.Errorf("queue.preload %d must not be negative", cfg.Queue.Preload))
	}

	// Cache
	switch {
	case cfg.Cache.Backend != "" && !cfg.Cache.Backend.IsValid():
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis, postgres", cfg.Cache.Backend))
	case cfg.Cache.Backend == CacheRedis && cfg.Cache.Redis.Addr == "":
		errs = append(errs, errors.New("cache.redis.addr is required when backend is redis"))
	case cfg.Cache.Backend == CachePostgres && cfg.Cache.Postgres.DSN == "":
		errs = append(errs, errors.New("cache.postgres.dsn is required when backend is postgres"))
	}
	if cfg.Cache.Memory.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.memory.max_bytes must not be negative"))
	}

	// Resolver
	if cfg.Resolver.DecodeWorkers < 0 {
		errs = append(errs, errors.New("resolver.decode_workers must not be negative"))
	}
	if cfg.Resolver.FetchRate < 0 {
		errs = append(errs, errors.New("resolver.fetch_rate must not be negative"))
	}
	if cfg.Resolver.FetchTimeout < 0 {
		errs = append(errs, errors.New("resolver.fetch_timeout must not be negative"))
	}
	if cfg.Resolver.CookieFile != "" {
		if _, err := os.Stat(cfg.Resolver.CookieFile); err != nil {
			slog.Warn("resolver.cookie_file is not readable; age-restricted media will fail", "path", cfg.Resolver.CookieFile, "err", err)
		}
	}

	// Effects
	if cfg.Effects.SoundDir == "" {
		slog.Warn("effects.sound_dir is empty; effect jobs and triggers will find no sounds")
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 || cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect values must not be negative"))
	}

	return errors.Join(errs...)
}
