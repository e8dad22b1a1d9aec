// Package postgres implements [cache.Store] on a PostgreSQL table.
//
// Payloads and metadata share one row in pcm_cache. Inserts use
// ON CONFLICT DO NOTHING so the first writer for a key wins.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tavern/internal/cache"
)

var _ cache.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [cache.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Get implements [cache.Store].
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	const q = `
		SELECT pcm, locator, title, uploader, duration_ns
		FROM pcm_cache WHERE key = $1`

	e := &cache.Entry{Key: key}
	var durNs int64
	err := s.pool.QueryRow(ctx, q, key).Scan(&e.PCM, &e.Meta.Locator, &e.Meta.Title, &e.Meta.Uploader, &durNs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("postgres cache: get %s: %w", key, err)
	}
	e.Meta.Duration = time.Duration(durNs)
	return e, nil
}

// GetMeta implements [cache.Store].
func (s *Store) GetMeta(ctx context.Context, key string) (cache.Metadata, error) {
	const q = `
		SELECT locator, title, uploader, duration_ns
		FROM pcm_cache WHERE key = $1`

	var m cache.Metadata
	var durNs int64
	err := s.pool.QueryRow(ctx, q, key).Scan(&m.Locator, &m.Title, &m.Uploader, &durNs)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Metadata{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Metadata{}, fmt.Errorf("postgres cache: get metadata %s: %w", key, err)
	}
	m.Duration = time.Duration(durNs)
	return m, nil
}

// Put implements [cache.Store].
func (s *Store) Put(ctx context.Context, e *cache.Entry) error {
	const q = `
		INSERT INTO pcm_cache (key, pcm, locator, title, uploader, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.Key, e.PCM, e.Meta.Locator, e.Meta.Title, e.Meta.Uploader, int64(e.Meta.Duration),
	)
	if err != nil {
		return fmt.Errorf("postgres cache: put %s: %w", e.Key, err)
	}
	return nil
}

// Ping implements [cache.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [cache.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
