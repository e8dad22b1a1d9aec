// Package observe provides application-wide observability primitives for
// tavern: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tavern metrics.
const meterName = "github.com/MrWong99/tavern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Mixer ---

	// MixerTicks counts ticks that produced a frame.
	MixerTicks metric.Int64Counter

	// MixerIdleTicks counts ticks with no active source (nothing emitted).
	MixerIdleTicks metric.Int64Counter

	// MixerTickDuration tracks the time spent mixing one frame.
	MixerTickDuration metric.Float64Histogram

	// SourceCompletions counts sources leaving the mix. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	SourceCompletions metric.Int64Counter

	// --- Resolver ---

	// CacheLookups counts cache store lookups. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// FetchDuration tracks external download latency per fetcher.
	FetchDuration metric.Float64Histogram

	// DecodeDuration tracks decode-to-PCM latency.
	DecodeDuration metric.Float64Histogram

	// ResolveFailures counts unresolvable locators. Use with attribute:
	//   attribute.String("kind", ...)
	ResolveFailures metric.Int64Counter

	// --- Queue & effects ---

	// QueueItems tracks the number of pending and playing queue entries
	// across all sessions.
	QueueItems metric.Int64UpDownCounter

	// QueueSkips counts queue entries dropped because they failed to resolve.
	QueueSkips metric.Int64Counter

	// EffectPlays counts effects handed to a mixer. Use with attribute:
	//   attribute.String("trigger", "job"|"manual")
	EffectPlays metric.Int64Counter

	// ActiveEffectJobs tracks the number of running effect jobs.
	ActiveEffectJobs metric.Int64UpDownCounter

	// --- Sessions ---

	// ActiveSessions tracks the number of live playback sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks connected websocket listeners across all rooms.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// download and decode latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// tickBuckets covers mixing work well below the 20 ms frame budget.
var tickBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Mixer.
	if met.MixerTicks, err = m.Int64Counter("tavern.mixer.ticks",
		metric.WithDescription("Total mixer ticks that emitted a frame."),
	); err != nil {
		return nil, err
	}
	if met.MixerIdleTicks, err = m.Int64Counter("tavern.mixer.idle_ticks",
		metric.WithDescription("Total mixer ticks with no active source."),
	); err != nil {
		return nil, err
	}
	if met.MixerTickDuration, err = m.Float64Histogram("tavern.mixer.tick.duration",
		metric.WithDescription("Time spent mixing one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SourceCompletions, err = m.Int64Counter("tavern.mixer.source_completions",
		metric.WithDescription("Sources removed from the mix by kind and reason."),
	); err != nil {
		return nil, err
	}

	// Resolver.
	if met.CacheLookups, err = m.Int64Counter("tavern.cache.lookups",
		metric.WithDescription("Cache store lookups by backend and result."),
	); err != nil {
		return nil, err
	}
	if met.FetchDuration, err = m.Float64Histogram("tavern.resolver.fetch.duration",
		metric.WithDescription("Latency of external media downloads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("tavern.resolver.decode.duration",
		metric.WithDescription("Latency of decoding media to PCM."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveFailures, err = m.Int64Counter("tavern.resolver.failures",
		metric.WithDescription("Unresolvable locators by failure kind."),
	); err != nil {
		return nil, err
	}

	// Queue & effects.
	if met.QueueItems, err = m.Int64UpDownCounter("tavern.queue.items",
		metric.WithDescription("Queue entries across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueSkips, err = m.Int64Counter("tavern.queue.skips",
		metric.WithDescription("Queue entries skipped after a resolve failure."),
	); err != nil {
		return nil, err
	}
	if met.EffectPlays, err = m.Int64Counter("tavern.effects.plays",
		metric.WithDescription("Effects handed to a mixer by trigger."),
	); err != nil {
		return nil, err
	}
	if met.ActiveEffectJobs, err = m.Int64UpDownCounter("tavern.effects.active_jobs",
		metric.WithDescription("Number of running effect jobs."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("tavern.active_sessions",
		metric.WithDescription("Number of live playback sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("tavern.active_listeners",
		metric.WithDescription("Number of connected websocket listeners."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tavern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTick records one mixer tick. sources is the number of sources that
// contributed; zero counts as an idle tick.
func (m *Metrics) RecordTick(ctx context.Context, d time.Duration, sources int) {
	if sources == 0 {
		m.MixerIdleTicks.Add(ctx, 1)
		return
	}
	m.MixerTicks.Add(ctx, 1)
	m.MixerTickDuration.Record(ctx, d.Seconds())
}

// RecordCompletion records a source leaving the mix.
func (m *Metrics) RecordCompletion(ctx context.Context, kind, reason string) {
	m.SourceCompletions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordCacheLookup records a cache hit or miss for the named backend.
func (m *Metrics) RecordCacheLookup(ctx context.Context, backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("result", result),
		),
	)
}

// RecordFetch records the latency of one external download.
func (m *Metrics) RecordFetch(ctx context.Context, fetcher string, d time.Duration) {
	m.FetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("fetcher", fetcher)),
	)
}

// RecordResolveFailure records an unresolvable locator.
func (m *Metrics) RecordResolveFailure(ctx context.Context, kind string) {
	m.ResolveFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEffectPlay records an effect handed to a mixer.
func (m *Metrics) RecordEffectPlay(ctx context.Context, trigger string) {
	m.EffectPlays.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}
