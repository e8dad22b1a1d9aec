// Package resolve turns user locators into cached PCM.
//
// A [Resolver] canonicalises the locator, looks it up in the [cache.Store]
// and on a miss downloads it with a chain of [Fetcher]s and decodes it with a
// [Decoder]. Concurrent requests for the same key share one download; other
// keys proceed independently. Downloads are rate limited and decodes run on
// a bounded worker pool.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/resilience"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultDecodeWorkers = 2
	DefaultFetchTimeout  = 5 * time.Minute
	maxHints             = 4096
	maxJoinAttempts      = 3
)

// NamedFetcher labels a [Fetcher] for logs, metrics and circuit breakers.
type NamedFetcher struct {
	Name    string
	Fetcher Fetcher
}

// Searcher finds and expands remote locators without downloading media.
// [*YTDLP] implements it.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]cache.Metadata, error)
	Expand(ctx context.Context, playlistURL string) ([]cache.Metadata, error)
}

// Config tunes a [Resolver].
type Config struct {
	// WorkDir holds per-fetch scratch directories. Empty uses the system
	// temp directory.
	WorkDir string

	// DecodeWorkers bounds concurrent decodes.
	DecodeWorkers int

	// FetchRate is the sustained number of external fetches or searches
	// per second. Zero disables limiting.
	FetchRate float64

	// FetchBurst is the limiter burst. Values below 1 become 1.
	FetchBurst int

	// FetchTimeout bounds one fetch attempt across all fetchers.
	FetchTimeout time.Duration

	// CircuitBreaker configures the breaker placed in front of each
	// fetcher.
	CircuitBreaker resilience.CircuitBreakerConfig
}

// Option customises a [Resolver].
type Option func(*Resolver)

// WithSearcher enables [Resolver.Search] and playlist expansion.
func WithSearcher(s Searcher) Option {
	return func(r *Resolver) { r.searcher = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// flight tracks the callers waiting on one in-progress load. The load runs
// under ctx, which is cancelled once the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Resolver is safe for concurrent use.
type Resolver struct {
	store    cache.Store
	fetchers *resilience.FallbackGroup[NamedFetcher]
	decoder  Decoder
	searcher Searcher
	metrics  *observe.Metrics

	limiter      *rate.Limiter
	decodeSem    *semaphore.Weighted
	workDir      string
	fetchTimeout time.Duration

	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]*flight
	hints    map[string]cache.Metadata

	base   context.Context
	cancel context.CancelFunc
}

// New builds a Resolver. fetchers are tried in order; at least one is
// required.
func New(store cache.Store, fetchers []NamedFetcher, decoder Decoder, cfg Config, opts ...Option) (*Resolver, error) {
	if store == nil || decoder == nil {
		return nil, errors.New("resolve: store and decoder are required")
	}
	if len(fetchers) == 0 {
		return nil, errors.New("resolve: at least one fetcher is required")
	}

	cbCfg := cfg.CircuitBreaker
	cbCfg.IsFailure = func(err error) bool {
		return resilience.DefaultIsFailure(err) && !isUnsupported(err)
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: cbCfg,
		Skip:           func(err error) bool { return errors.Is(err, ErrUnsupported) },
	}
	group := resilience.NewFallbackGroup(fetchers[0], fetchers[0].Name, fbCfg)
	for _, f := range fetchers[1:] {
		group.AddFallback(f.Name, f)
	}

	if cfg.DecodeWorkers <= 0 {
		cfg.DecodeWorkers = DefaultDecodeWorkers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	limit := rate.Inf
	if cfg.FetchRate > 0 {
		limit = rate.Limit(cfg.FetchRate)
	}

	base, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		store:        store,
		fetchers:     group,
		decoder:      decoder,
		limiter:      rate.NewLimiter(limit, max(cfg.FetchBurst, 1)),
		decodeSem:    semaphore.NewWeighted(int64(cfg.DecodeWorkers)),
		workDir:      cfg.WorkDir,
		fetchTimeout: cfg.FetchTimeout,
		inflight:     make(map[string]*flight),
		hints:        make(map[string]cache.Metadata),
		base:         base,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

func isUnsupported(err error) bool {
	var f *Failure
	return errors.Is(err, ErrUnsupported) || (errors.As(err, &f) && f.Kind == KindUnsupported)
}

// Resolve returns the cached entry for locator, fetching and decoding it on
// a miss. Errors are [*Failure] values matching [ErrUnresolvable].
func (r *Resolver) Resolve(ctx context.Context, locator string) (*cache.Entry, error) {
	loc, err := Canonicalize(locator)
	if err != nil {
		return nil, err
	}

	if e, err := r.store.Get(ctx, loc.Key); err == nil {
		return e, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("resolve: cache lookup failed, fetching", "key", loc.Key, "err", err)
	}

	for attempt := 1; ; attempt++ {
		e, err := r.join(ctx, loc)
		// A load cancelled because every earlier waiter left is not this
		// caller's failure. Join a fresh load while ctx is still live.
		var f *Failure
		if err != nil && ctx.Err() == nil && attempt < maxJoinAttempts &&
			errors.As(err, &f) && f.Kind == KindCanceled && r.base.Err() == nil {
			continue
		}
		if err != nil {
			r.metrics.RecordResolveFailure(ctx, failureKind(err))
		}
		return e, err
	}
}

func failureKind(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind.String()
	}
	return "unknown"
}

// join waits on the shared load for loc.Key. Leaving early never cancels the
// load while other waiters remain.
func (r *Resolver) join(ctx context.Context, loc Locator) (*cache.Entry, error) {
	r.mu.Lock()
	fl := r.inflight[loc.Key]
	if fl == nil {
		fctx, cancel := context.WithCancel(r.base)
		fl = &flight{ctx: fctx, cancel: cancel}
		r.inflight[loc.Key] = fl
	}
	fl.waiters++
	r.mu.Unlock()
	defer r.leave(loc.Key, fl)

	ch := r.group.DoChan(loc.Key, func() (any, error) {
		return r.load(fl.ctx, loc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-ctx.Done():
		return nil, &Failure{Kind: KindCanceled, Locator: loc.Raw, Err: ctx.Err()}
	}
}

func (r *Resolver) leave(key string, fl *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if r.inflight[key] == fl {
		delete(r.inflight, key)
	}
}

// load runs inside the per-key section. Panics are turned into failures so
// the section is always released.
func (r *Resolver) load(ctx context.Context, loc Locator) (entry *cache.Entry, err error) {
	ctx, span := observe.StartSpan(ctx, "resolve.load",
		trace.WithAttributes(attribute.String("resolve.key", loc.Key)))
	defer func() {
		if p := recover(); p != nil {
			slog.Error("resolve: panic while loading", "key", loc.Key, "panic", p, "stack", string(debug.Stack()))
			entry, err = nil, &Failure{Kind: KindNetwork, Locator: loc.Raw, Err: fmt.Errorf("panic: %v", p)}
		}
		observe.EndSpan(span, err)
	}()

	if e, err := r.store.Get(ctx, loc.Key); err == nil {
		return e, nil
	}

	dir, err := os.MkdirTemp(r.workDir, "fetch-*")
	if err != nil {
		return nil, &Failure{Kind: KindNetwork, Locator: loc.Raw, Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	dl, err := r.fetch(ctx, loc, dir)
	if err != nil {
		return nil, classify(loc.Raw, err)
	}

	pcm, err := r.decode(ctx, dl.Path)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) && ctx.Err() == nil {
			err = &Failure{Kind: KindDecode, Err: err}
		}
		return nil, classify(loc.Raw, err)
	}

	meta := dl.Meta
	if meta.Locator == "" {
		meta.Locator = loc.Raw
	}
	if meta.Title == "" {
		meta.Title = loc.Raw
	}
	e := &cache.Entry{Key: loc.Key, PCM: pcm, Meta: meta}
	if err := r.store.Put(ctx, e); err != nil {
		slog.Warn("resolve: cache write failed", "key", loc.Key, "err", err)
	}
	return e, nil
}

func (r *Resolver) fetch(ctx context.Context, loc Locator, dir string) (Download, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Download{}, fmt.Errorf("rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "resolve.fetch")
	dl, err := resilience.ExecuteWithResult(r.fetchers, func(f NamedFetcher) (Download, error) {
		start := time.Now()
		dl, err := f.Fetcher.Fetch(ctx, FetchRequest{Locator: loc, Dir: dir})
		if !errors.Is(err, ErrUnsupported) {
			r.metrics.RecordFetch(ctx, f.Name, time.Since(start))
		}
		if err == nil {
			span.SetAttributes(attribute.String("resolve.fetcher", f.Name))
		}
		return dl, err
	})
	observe.EndSpan(span, err)
	return dl, err
}

func (r *Resolver) decode(ctx context.Context, path string) ([]byte, error) {
	if err := r.decodeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.decodeSem.Release(1)

	ctx, span := observe.StartSpan(ctx, "resolve.decode")
	start := time.Now()
	pcm, err := r.decoder.Decode(ctx, path)
	r.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	return pcm, err
}

// Metadata returns what is known about locator without fetching it: the
// cached metadata when present, else a hint remembered from a search or
// playlist listing.
func (r *Resolver) Metadata(ctx context.Context, locator string) (cache.Metadata, bool) {
	loc, err := Canonicalize(locator)
	if err != nil {
		return cache.Metadata{}, false
	}
	if m, err := r.store.GetMeta(ctx, loc.Key); err == nil {
		return m, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.hints[loc.Key]
	return m, ok
}

func (r *Resolver) remember(metas []cache.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hints)+len(metas) > maxHints {
		clear(r.hints)
	}
	for _, m := range metas {
		if key, err := CanonicalKey(m.Locator); err == nil {
			r.hints[key] = m
		}
	}
}

// Search returns up to n remote matches for query.
func (r *Resolver) Search(ctx context.Context, query string, n int) ([]cache.Metadata, error) {
	if r.searcher == nil {
		return nil, fmt.Errorf("resolve: search: %w", ErrUnsupported)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("resolve: search: %w", err)
	}
	metas, err := r.searcher.Search(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("resolve: search %q: %w", query, err)
	}
	r.remember(metas)
	return metas, nil
}

// Expand turns a playlist locator into the locators of its entries. Any
// other locator is returned as the only element.
func (r *Resolver) Expand(ctx context.Context, locator string) ([]string, error) {
	if !IsPlaylist(locator) || r.searcher == nil {
		return []string{locator}, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("resolve: expand: %w", err)
	}
	metas, err := r.searcher.Expand(ctx, withScheme(locator))
	if err != nil {
		return nil, fmt.Errorf("resolve: expand %q: %w", locator, err)
	}
	r.remember(metas)
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Locator)
	}
	return out, nil
}

// FetcherStatus reports the circuit breaker state of every fetcher.
func (r *Resolver) FetcherStatus() []resilience.EntryStatus {
	return r.fetchers.Status()
}

// Close cancels every in-flight load. Resolve calls made afterwards fail
// with [KindCanceled].
func (r *Resolver) Close() error {
	r.cancel()
	return nil
}
