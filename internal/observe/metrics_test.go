package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the value of the int64 sum data point whose attribute key
// equals value, or -1 when there is none.
func sumByAttr(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTick(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, 200*time.Microsecond, 2)
	m.RecordTick(ctx, 100*time.Microsecond, 1)
	m.RecordTick(ctx, 0, 0)

	rm := collect(t, reader)

	ticks := findMetric(rm, "tavern.mixer.ticks")
	if ticks == nil {
		t.Fatal("tavern.mixer.ticks not found")
	}
	if got := ticks.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 2 {
		t.Errorf("ticks = %d, want 2", got)
	}

	idle := findMetric(rm, "tavern.mixer.idle_ticks")
	if idle == nil {
		t.Fatal("tavern.mixer.idle_ticks not found")
	}
	if got := idle.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
		t.Errorf("idle ticks = %d, want 1", got)
	}

	dur := findMetric(rm, "tavern.mixer.tick.duration")
	if dur == nil {
		t.Fatal("tavern.mixer.tick.duration not found")
	}
	if got := dur.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("tick duration samples = %d, want 2", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "memory", true)
	m.RecordCacheLookup(ctx, "memory", true)
	m.RecordCacheLookup(ctx, "memory", false)

	met := findMetric(collect(t, reader), "tavern.cache.lookups")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumByAttr(t, met, "result", "hit"); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumByAttr(t, met, "result", "miss"); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCompletion(ctx, "track", "finished")
	m.RecordResolveFailure(ctx, "network")
	m.RecordEffectPlay(ctx, "job")
	m.RecordEffectPlay(ctx, "manual")
	m.RecordEffectPlay(ctx, "manual")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"tavern.mixer.source_completions", "reason", "finished", 1},
		{"tavern.resolver.failures", "kind", "network", 1},
		{"tavern.effects.plays", "trigger", "job", 1},
		{"tavern.effects.plays", "trigger", "manual", 2},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			met := findMetric(rm, tc.metric)
			if met == nil {
				t.Fatalf("metric %q not found", tc.metric)
			}
			if got := sumByAttr(t, met, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFetch(ctx, "yt-dlp", 1500*time.Millisecond)
	m.RecordFetch(ctx, "yt-dlp", 2*time.Second)
	m.DecodeDuration.Record(ctx, 0.3)

	rm := collect(t, reader)

	for name, want := range map[string]uint64{
		"tavern.resolver.fetch.duration":  2,
		"tavern.resolver.decode.duration": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", name)
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s sample count = %d, want %d", name, got, want)
		}
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) with Add.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.QueueItems.Add(ctx, 4)
	m.ActiveEffectJobs.Add(ctx, 3)
	m.ActiveListeners.Add(ctx, 2)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"tavern.active_sessions", 1},
		{"tavern.queue.items", 4},
		{"tavern.effects.active_jobs", 3},
		{"tavern.active_listeners", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
