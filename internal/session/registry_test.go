package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tavern/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// fakeFactory builds bare sessions whose Close is counted.
type fakeFactory struct {
	builds atomic.Int32
	closes atomic.Int32
	delay  time.Duration
	err    error
	hook   func(key string)
	hang   chan struct{} // when set, Close blocks until it is closed
}

func (f *fakeFactory) build(_ context.Context, key string) (*Session, error) {
	f.builds.Add(1)
	if f.hook != nil {
		f.hook(key)
	}
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	s := &Session{Key: key, Created: time.Now()}
	s.closers = append(s.closers, func() error {
		f.closes.Add(1)
		if f.hang != nil {
			<-f.hang
		}
		return nil
	})
	return s, nil
}

func newTestRegistry(t *testing.T, f *fakeFactory) *Registry {
	t.Helper()
	return NewRegistry(f.build, WithRegistryMetrics(testMetrics(t)))
}

func TestRegistry_SingleSessionPerKey(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{delay: 10 * time.Millisecond}
	r := newTestRegistry(t, f)

	const callers = 20
	got := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			s, err := r.GetOrCreate(context.Background(), "guild-1")
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = s
		})
	}
	wg.Wait()

	if n := f.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
	for i, s := range got {
		if s != got[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if r.lockCount() != 0 {
		t.Fatalf("key locks left behind: %d", r.lockCount())
	}
}

func TestRegistry_DifferentKeysBuildConcurrently(t *testing.T) {
	t.Parallel()

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() { started.Wait(); close(both) }()

	f := &fakeFactory{}
	f.hook = func(string) {
		started.Done()
		select {
		case <-both:
		case <-time.After(5 * time.Second):
		}
	}
	r := newTestRegistry(t, f)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Go(func() {
			if _, err := r.GetOrCreate(context.Background(), key); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	select {
	case <-both:
	default:
		t.Fatal("builds for different keys did not overlap")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_FactoryErrorNotStored(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{err: errors.New("voice join refused")}
	r := newTestRegistry(t, f)

	if _, err := r.GetOrCreate(context.Background(), "k"); !errors.Is(err, f.err) {
		t.Fatalf("err = %v, want factory error", err)
	}
	if r.Len() != 0 {
		t.Fatal("failed session stored")
	}

	f.err = nil
	if _, err := r.GetOrCreate(context.Background(), "k"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if f.builds.Load() != 2 {
		t.Fatalf("builds = %d, want 2", f.builds.Load())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	r := newTestRegistry(t, f)

	s, err := r.GetOrCreate(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := r.Remove("k"); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Remove("never-created"); err != nil {
		t.Fatalf("Remove unknown = %v", err)
	}
	if f.closes.Load() != 1 {
		t.Fatalf("closes = %d, want 1", f.closes.Load())
	}
	if _, ok := r.Get("k"); ok {
		t.Fatal("session still registered")
	}

	s2, err := r.GetOrCreate(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if s2 == s {
		t.Fatal("removed session handed out again")
	}
}

func TestRegistry_ConcurrentRemoveAndCreate(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	r := newTestRegistry(t, f)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			if i%2 == 0 {
				_, _ = r.GetOrCreate(context.Background(), "k")
			} else {
				_ = r.Remove("k")
			}
		})
	}
	wg.Wait()
	_ = r.Remove("k")

	if b, c := f.builds.Load(), f.closes.Load(); b != c {
		t.Fatalf("builds = %d, closes = %d; every built session must be closed", b, c)
	}
	if r.lockCount() != 0 {
		t.Fatalf("key locks left behind: %d", r.lockCount())
	}
}

func TestRegistry_KeysAndLen(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, &fakeFactory{})

	for _, k := range []string{"c", "a", "b"} {
		if _, err := r.GetOrCreate(context.Background(), k); err != nil {
			t.Fatal(err)
		}
	}
	keys := r.Keys()
	if fmt.Sprint(keys) != "[a b c]" {
		t.Fatalf("Keys = %v", keys)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
	if _, err := r.GetOrCreate(context.Background(), ""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("empty key err = %v", err)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	r := newTestRegistry(t, f)

	for _, k := range []string{"a", "b", "c"} {
		if _, err := r.GetOrCreate(context.Background(), k); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.closes.Load() != 3 || r.Len() != 0 {
		t.Fatalf("closes = %d, len = %d", f.closes.Load(), r.Len())
	}
	if _, err := r.GetOrCreate(context.Background(), "d"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("GetOrCreate after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestRegistry_ShutdownHonoursDeadline(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{hang: make(chan struct{})}
	t.Cleanup(func() { close(f.hang) })
	r := newTestRegistry(t, f)

	if _, err := r.GetOrCreate(context.Background(), "stuck"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
}
