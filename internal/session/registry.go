package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tavern/internal/observe"
)

var (
	// ErrNoKey is returned for an empty session key.
	ErrNoKey = errors.New("session: empty key")

	// ErrShutdown is returned by [Registry.GetOrCreate] after Shutdown.
	ErrShutdown = errors.New("session: registry shut down")
)

// keyLock serialises creation and removal for one key. It lives in the
// registry only while somebody holds or waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps session keys to live sessions. All methods are safe for
// concurrent use.
type Registry struct {
	factory Factory
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*keyLock
	shutdown bool
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a registry that builds sessions with factory.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*keyLock),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// GetOrCreate returns the session for key, building it on first use.
// Concurrent callers for the same key share one build and one Session;
// builds for different keys run in parallel. A failed build stores
// nothing, so the next caller tries again.
func (r *Registry) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	if s, ok := r.Get(key); ok {
		return s, nil
	}

	unlock, err := r.lock(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r.mu.Lock()
	s, ok := r.sessions[key]
	shut := r.shutdown
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	if shut {
		return nil, ErrShutdown
	}

	s, err = r.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", key, err)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		_ = s.Close()
		return nil, ErrShutdown
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(context.Background(), 1)
	return s, nil
}

// Get returns the live session for key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Remove closes and forgets the session for key. Unknown keys and repeated
// calls are no-ops.
func (r *Registry) Remove(key string) error {
	unlock, err := r.lock(key)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.metrics.ActiveSessions.Add(context.Background(), -1)
	return s.Close()
}

// Keys returns the keys of all live sessions in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session concurrently and refuses new ones. It
// returns ctx's error if the sessions did not finish closing in time; the
// close calls keep running in the background.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, k)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			defer r.metrics.ActiveSessions.Add(context.Background(), -1)
			return s.Close()
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		slog.Info("session: registry shut down", "sessions", len(sessions))
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// lock acquires the key lock for key.
func (r *Registry) lock(key string) (func(), error) {
	if key == "" {
		return nil, ErrNoKey
	}
	r.mu.Lock()
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{}
		r.locks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}, nil
}

// lockCount reports how many key locks are held or awaited.
func (r *Registry) lockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
