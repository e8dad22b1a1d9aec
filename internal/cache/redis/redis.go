// Package redis implements [cache.Store] on a Redis server.
//
// PCM payloads live under "<prefix>:pcm:<key>" as plain strings written with
// SETNX, so the first writer wins. Metadata for every key is kept as JSON in
// the single hash "<prefix>:meta" so listings can be rendered without
// touching the payloads.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/tavern/internal/cache"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "tavern"

// Config holds the connection parameters.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces keys. Empty selects [DefaultPrefix].
	Prefix string

	// TTL expires PCM payloads. Zero keeps them forever. Metadata is never
	// expired; a metadata row without payload reads as a miss on Get.
	TTL time.Duration
}

// Store is a Redis-backed [cache.Store].
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ cache.Store = (*Store)(nil)

// New connects to the server described by cfg and pings it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis cache: connect to %s: %w", cfg.Addr, err)
	}
	s := NewWithClient(rdb, cfg.Prefix, cfg.TTL)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close does not close rdb.
func NewWithClient(rdb goredis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) pcmKey(key string) string { return s.prefix + ":pcm:" + key }
func (s *Store) metaKey() string          { return s.prefix + ":meta" }

// Get implements [cache.Store].
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	pipe := s.rdb.Pipeline()
	pcmCmd := pipe.Get(ctx, s.pcmKey(key))
	metaCmd := pipe.HGet(ctx, s.metaKey(), key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis cache: get %s: %w", key, err)
	}

	pcm, err := pcmCmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get %s: %w", key, err)
	}

	e := &cache.Entry{Key: key, PCM: pcm}
	if raw, err := metaCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &e.Meta); err != nil {
			return nil, fmt.Errorf("redis cache: decode metadata for %s: %w", key, err)
		}
	}
	return e, nil
}

// GetMeta implements [cache.Store].
func (s *Store) GetMeta(ctx context.Context, key string) (cache.Metadata, error) {
	raw, err := s.rdb.HGet(ctx, s.metaKey(), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return cache.Metadata{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Metadata{}, fmt.Errorf("redis cache: get metadata %s: %w", key, err)
	}
	var m cache.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return cache.Metadata{}, fmt.Errorf("redis cache: decode metadata for %s: %w", key, err)
	}
	return m, nil
}

// Put implements [cache.Store]. Metadata is only written when the payload
// was newly stored.
func (s *Store) Put(ctx context.Context, e *cache.Entry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("redis cache: encode metadata for %s: %w", e.Key, err)
	}
	created, err := s.rdb.SetNX(ctx, s.pcmKey(e.Key), e.PCM, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis cache: put %s: %w", e.Key, err)
	}
	if !created {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.metaKey(), e.Key, meta).Err(); err != nil {
		return fmt.Errorf("redis cache: put metadata %s: %w", e.Key, err)
	}
	return nil
}

// Ping implements [cache.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements [cache.Store].
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
