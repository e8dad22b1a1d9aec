package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/pkg/audio"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// TransportFactory builds the voice platform named in a [TransportConfig].
type TransportFactory func(TransportConfig) (audio.Platform, error)

// CacheFactory builds the cache store selected by a [CacheConfig].
type CacheFactory func(context.Context, CacheConfig) (cache.Store, error)

// Registry maps transport and cache backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
	caches     map[CacheBackend]CacheFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]TransportFactory),
		caches:     make(map[CacheBackend]CacheFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterCache registers a cache factory for backend.
func (r *Registry) RegisterCache(backend CacheBackend, factory CacheFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[backend] = factory
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateTransport instantiates the platform registered under cfg.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTransport(cfg TransportConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateCache instantiates the store registered for cfg.Backend.
func (r *Registry) CreateCache(ctx context.Context, cfg CacheConfig) (cache.Store, error) {
	r.mu.RLock()
	factory, ok := r.caches[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: cache/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
