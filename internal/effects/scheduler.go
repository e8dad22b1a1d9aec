// Package effects schedules short sound effects into a session mixer.
//
// A [Scheduler] owns any number of jobs. Each job sleeps for a random
// interval, picks one of its sounds, resolves it like any other locator and
// hands the decoded effect to the mixer, then waits for the effect to play
// out before sleeping again. [Scheduler.TriggerNow] plays one sound on
// demand through the same path.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/audio"
)

var (
	// ErrUnknownJob is returned for job IDs the scheduler does not know.
	ErrUnknownJob = errors.New("effects: unknown job")

	// ErrInvalidJob wraps every job validation failure.
	ErrInvalidJob = errors.New("effects: invalid job")

	// ErrUnknownSound is returned by [Scheduler.TriggerNow] when no sound
	// matches the requested name.
	ErrUnknownSound = errors.New("effects: unknown sound")

	// ErrClosed is returned for operations on a closed scheduler.
	ErrClosed = errors.New("effects: scheduler closed")
)

// Player is the mixer surface used for effects. [*mixer.Mixer] satisfies it.
type Player interface {
	AddEffect(src audio.Source) error
}

// Resolver turns a sound path into decoded PCM.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (*cache.Entry, error)
}

// JobInfo describes a running job.
type JobInfo struct {
	ID      string        `json:"id"`
	Sounds  []string      `json:"sounds"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Created time.Time     `json:"created"`
	Plays   int64         `json:"plays"`
}

type job struct {
	info   JobInfo
	paths  []string
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	plays  atomic.Int64
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithGain sets the volume of effects.
func WithGain(g float64) Option {
	return func(s *Scheduler) { s.gain = g }
}

// WithSession tags log lines with the owning session key.
func WithSession(key string) Option {
	return func(s *Scheduler) { s.log = slog.Default().With("session", key) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler runs the effect jobs of one session. It is safe for concurrent
// use.
type Scheduler struct {
	player   Player
	resolver Resolver
	library  *Library
	log      *slog.Logger
	metrics  *observe.Metrics

	mu     sync.Mutex
	gain   float64
	jobs   map[string]*job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that plays sounds from library into player.
func New(player Player, resolver Resolver, library *Library, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		player:   player,
		resolver: resolver,
		library:  library,
		log:      slog.Default(),
		gain:     1,
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// AddJob starts a job that plays a random one of sounds every min to max.
// Sound names are looked up in the library and stored under their canonical
// names.
func (s *Scheduler) AddJob(sounds []string, min, max time.Duration) (string, error) {
	var errs []error
	if len(sounds) == 0 {
		errs = append(errs, fmt.Errorf("%w: no sounds", ErrInvalidJob))
	}
	if min <= 0 {
		errs = append(errs, fmt.Errorf("%w: min interval %s must be positive", ErrInvalidJob, min))
	}
	if max < min {
		errs = append(errs, fmt.Errorf("%w: max interval %s below min %s", ErrInvalidJob, max, min))
	}
	names := make([]string, 0, len(sounds))
	paths := make([]string, 0, len(sounds))
	for _, name := range sounds {
		snd, ok := s.library.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown sound %q", ErrInvalidJob, name))
			continue
		}
		names = append(names, snd.Name)
		paths = append(paths, snd.Path)
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		info: JobInfo{
			ID:      uuid.NewString(),
			Sounds:  names,
			Min:     min,
			Max:     max,
			Created: time.Now(),
		},
		paths:  paths,
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[j.info.ID] = j
	s.metrics.ActiveEffectJobs.Add(context.Background(), 1)
	s.wg.Add(1)
	go s.run(ctx, j)

	s.log.Info("effects: job started", "job", j.info.ID, "sounds", names, "min", min, "max", max)
	return j.info.ID, nil
}

// RemoveJob stops the job and waits for it to exit. No effect from the job
// reaches the player after RemoveJob returns.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		close(j.stop)
		j.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	<-j.done
	s.log.Info("effects: job stopped", "job", id, "plays", j.plays.Load())
	return nil
}

// ListJobs returns the running jobs, oldest first.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := j.info
		info.Sounds = slices.Clone(j.info.Sounds)
		info.Plays = j.plays.Load()
		out = append(out, info)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b JobInfo) int { return a.Created.Compare(b.Created) })
	return out
}

// TriggerNow plays name once, bypassing the job timers. An empty name picks
// a random sound from the library.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (Sound, error) {
	var (
		snd Sound
		ok  bool
	)
	if name == "" {
		all := s.library.List()
		if len(all) > 0 {
			snd, ok = all[rand.IntN(len(all))], true
		}
	} else {
		snd, ok = s.library.Lookup(name)
	}
	if !ok {
		return Sound{}, fmt.Errorf("%w: %q", ErrUnknownSound, name)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Sound{}, ErrClosed
	}
	if _, err := s.play(ctx, snd.Path, "manual"); err != nil {
		return Sound{}, err
	}
	return snd, nil
}

// SetGain changes the volume of effects started from now on.
func (s *Scheduler) SetGain(g float64) {
	s.mu.Lock()
	s.gain = g
	s.mu.Unlock()
}

// Close stops every job and waits for them. It is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer close(j.done)
	defer s.metrics.ActiveEffectJobs.Add(context.Background(), -1)
	defer s.forget(j)

	for {
		if !sleep(ctx, j.stop, interval(j.info.Min, j.info.Max)) {
			return
		}
		path := j.paths[rand.IntN(len(j.paths))]
		length, err := s.play(ctx, path, "job")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("effects: job failed to play sound", "job", j.info.ID, "path", path, "err", err)
			if errors.Is(err, ErrClosed) {
				return
			}
			continue
		}
		j.plays.Add(1)
		if !sleep(ctx, j.stop, length) {
			return
		}
	}
}

// forget drops a job that ended on its own.
func (s *Scheduler) forget(j *job) {
	j.cancel()
	s.mu.Lock()
	if s.jobs[j.info.ID] == j {
		delete(s.jobs, j.info.ID)
	}
	s.mu.Unlock()
}

// play resolves path and hands it to the player. It returns the playing time
// of the effect.
func (s *Scheduler) play(ctx context.Context, path, trigger string) (time.Duration, error) {
	entry, err := s.resolver.Resolve(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("effects: resolve %s: %w", path, err)
	}

	s.mu.Lock()
	gain := s.gain
	s.mu.Unlock()

	src := audio.NewPCMSource(uuid.NewString(), audio.KindEffect, entry.PCM, audio.WithGain(gain))
	if err := s.player.AddEffect(src); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	s.metrics.RecordEffectPlay(ctx, trigger)
	return audio.OutputFormat.Duration(len(entry.PCM)), nil
}

// interval draws a uniform duration from [min, max].
func interval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// sleep waits for d. It returns false when the job must stop.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
