// Package cache stores decoded PCM keyed by canonical locator.
//
// Entries are immutable once written: a second [Store.Put] for a key that is
// already present leaves the stored entry untouched. That lets the resolver
// treat a cache hit as final and lets concurrent sessions share one decoded
// payload without coordination.
//
// Three backends implement [Store]: the in-process LRU in this package,
// [github.com/MrWong99/tavern/internal/cache/redis] and
// [github.com/MrWong99/tavern/internal/cache/postgres].
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/audio"
)

// ErrMiss is returned by [Store.Get] and [Store.GetMeta] when no entry exists
// for the key.
var ErrMiss = errors.New("cache: miss")

// Metadata describes the source of a cached payload.
type Metadata struct {
	Locator  string        `json:"locator"`
	Title    string        `json:"title"`
	Duration time.Duration `json:"duration"`
	Uploader string        `json:"uploader,omitempty"`
}

// DisplayDuration renders Duration as MM:SS or H:MM:SS. Unknown durations
// render as "--:--".
func (m Metadata) DisplayDuration() string {
	if m.Duration <= 0 {
		return "--:--"
	}
	return audio.FormatDuration(m.Duration)
}

// Entry is one cached payload: s16le PCM in [audio.OutputFormat] plus the
// metadata it was fetched with.
type Entry struct {
	Key  string
	PCM  []byte
	Meta Metadata
}

// Store is a keyed PCM cache. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key or [ErrMiss].
	Get(ctx context.Context, key string) (*Entry, error)

	// GetMeta returns only the metadata for key or [ErrMiss]. It never loads
	// the PCM payload.
	GetMeta(ctx context.Context, key string) (Metadata, error)

	// Put stores e. When e.Key is already present the call is a no-op.
	Put(ctx context.Context, e *Entry) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Instrumented wraps a Store and records every lookup as a hit or miss
// under the given backend name.
type Instrumented struct {
	Store
	backend string
	metrics *observe.Metrics
}

// Instrument returns s wrapped with lookup metrics. A nil m uses
// [observe.DefaultMetrics].
func Instrument(s Store, backend string, m *observe.Metrics) *Instrumented {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Instrumented{Store: s, backend: backend, metrics: m}
}

// Get implements [Store].
func (i *Instrumented) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := i.Store.Get(ctx, key)
	switch {
	case err == nil:
		i.metrics.RecordCacheLookup(ctx, i.backend, true)
	case errors.Is(err, ErrMiss):
		i.metrics.RecordCacheLookup(ctx, i.backend, false)
	}
	return e, err
}

// Backend returns the backend name used as the metric label.
func (i *Instrumented) Backend() string { return i.backend }
