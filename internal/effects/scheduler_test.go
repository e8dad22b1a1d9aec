package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/audio"
)

type fakePlayer struct {
	mu      sync.Mutex
	sources []audio.Source
	err     error
}

func (p *fakePlayer) AddEffect(src audio.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sources = append(p.sources, src)
	return nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

type fakeResolver struct {
	calls    atomic.Int32
	failures atomic.Int32 // calls left that fail
}

func (r *fakeResolver) Resolve(_ context.Context, locator string) (*cache.Entry, error) {
	r.calls.Add(1)
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		return nil, errors.New("decode failed")
	}
	return &cache.Entry{Key: locator, PCM: make([]byte, 8)}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakePlayer, *fakeResolver) {
	t.Helper()
	lib, _ := newTestLibrary(t)
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePlayer{}
	r := &fakeResolver{}
	s := New(p, r, lib, WithMetrics(m), WithGain(0.5))
	t.Cleanup(func() { _ = s.Close() })
	return s, p, r
}

func TestScheduler_JobPlaysRepeatedly(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)

	id, err := s.AddJob([]string{"rain", "thunder"}, time.Millisecond, 2*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		jobs := s.ListJobs()
		return len(jobs) == 1 && jobs[0].Plays >= 3
	})

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("ListJobs = %+v", jobs)
	}
	if jobs[0].Sounds[0] != "rain" || jobs[0].Sounds[1] != "Thunder" {
		t.Errorf("sounds = %v, want canonical names", jobs[0].Sounds)
	}

	p.mu.Lock()
	src := p.sources[0]
	p.mu.Unlock()
	if src.Kind() != audio.KindEffect || src.Gain() != 0.5 {
		t.Errorf("source kind %v gain %v", src.Kind(), src.Gain())
	}
}

func TestScheduler_RemoveJobStopsPlays(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)

	id, err := s.AddJob([]string{"rain"}, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.count() >= 1 })

	if err := s.RemoveJob(id); err != nil {
		t.Fatal(err)
	}
	n := p.count()
	time.Sleep(20 * time.Millisecond)
	if got := p.count(); got != n {
		t.Fatalf("plays went from %d to %d after RemoveJob", n, got)
	}
	if len(s.ListJobs()) != 0 {
		t.Fatal("job still listed")
	}
	if err := s.RemoveJob(id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second RemoveJob = %v, want ErrUnknownJob", err)
	}
}

func TestScheduler_RemoveBeforeFirstPlay(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)

	id, err := s.AddJob([]string{"rain"}, time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.RemoveJob(id) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RemoveJob blocked on a sleeping job")
	}
	if p.count() != 0 {
		t.Fatal("removed job played")
	}
}

func TestScheduler_AddJobValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	tests := []struct {
		name     string
		sounds   []string
		min, max time.Duration
	}{
		{"no sounds", nil, time.Second, time.Second},
		{"zero min", []string{"rain"}, 0, time.Second},
		{"max below min", []string{"rain"}, 2 * time.Second, time.Second},
		{"unknown sound", []string{"rain", "xylophone"}, time.Second, time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.AddJob(tc.sounds, tc.min, tc.max)
			if !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
	if len(s.ListJobs()) != 0 {
		t.Fatal("invalid job was started")
	}
}

func TestScheduler_JobSurvivesResolveFailure(t *testing.T) {
	t.Parallel()
	s, p, r := newTestScheduler(t)
	r.failures.Store(2)

	if _, err := s.AddJob([]string{"rain"}, time.Millisecond, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.count() >= 1 })
	if r.calls.Load() < 3 {
		t.Fatalf("resolver calls = %d, want >= 3", r.calls.Load())
	}
}

func TestScheduler_JobEndsWhenPlayerCloses(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)
	p.err = errors.New("mixer: closed")

	id, err := s.AddJob([]string{"rain"}, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.ListJobs()) == 0 })
	if err := s.RemoveJob(id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RemoveJob of ended job = %v, want ErrUnknownJob", err)
	}
}

func TestScheduler_TriggerNow(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)

	before := p.count()
	snd, err := s.TriggerNow(context.Background(), "door_creak")
	if err != nil || snd.Name != "door_creak" {
		t.Fatalf("TriggerNow = (%+v, %v)", snd, err)
	}
	if p.count() != before+1 {
		t.Fatalf("plays = %d, want %d", p.count(), before+1)
	}

	if _, err := s.TriggerNow(context.Background(), "xylophone"); !errors.Is(err, ErrUnknownSound) {
		t.Fatalf("unknown sound err = %v", err)
	}
	if _, err := s.TriggerNow(context.Background(), ""); err != nil {
		t.Fatalf("random trigger: %v", err)
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()
	s, p, _ := newTestScheduler(t)

	for range 3 {
		if _, err := s.AddJob([]string{"rain"}, time.Millisecond, 3*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return p.count() >= 3 })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	n := p.count()
	time.Sleep(20 * time.Millisecond)
	if p.count() != n {
		t.Fatal("jobs played after Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
	if _, err := s.AddJob([]string{"rain"}, time.Second, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddJob after Close = %v, want ErrClosed", err)
	}
	if _, err := s.TriggerNow(context.Background(), "rain"); !errors.Is(err, ErrClosed) {
		t.Fatalf("TriggerNow after Close = %v, want ErrClosed", err)
	}
}

func TestInterval(t *testing.T) {
	t.Parallel()

	for range 200 {
		d := interval(10*time.Millisecond, 20*time.Millisecond)
		if d < 10*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("interval = %v outside [10ms, 20ms]", d)
		}
	}
	if d := interval(time.Second, time.Second); d != time.Second {
		t.Fatalf("fixed interval = %v", d)
	}
}
