// Package mixer provides the per-session real-time mixer. On a fixed 20 ms
// clock it sums the active track and every active effect into one
// [audio.AudioFrame], clamping to the int16 range, and reports every source
// that leaves the mix as a [Completion] on its event channel.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/tavern/pkg/audio"
)

// ErrClosed is returned when sources are handed to a closed mixer.
var ErrClosed = errors.New("mixer: closed")

const (
	// DefaultEventBuffer is the capacity of the completion event channel.
	DefaultEventBuffer = 64
)

// Reason explains why a source left the mix.
type Reason int

const (
	// ReasonFinished means the source ran out of samples.
	ReasonFinished Reason = iota

	// ReasonFaulted means the source returned an error or panicked.
	ReasonFaulted

	// ReasonStopped means the track was removed by [Mixer.StopTrack] or
	// [Mixer.ClearEffects].
	ReasonStopped

	// ReasonReplaced means a new track took the track slot.
	ReasonReplaced
)

// String returns the human-readable name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonFinished:
		return "finished"
	case ReasonFaulted:
		return "faulted"
	case ReasonStopped:
		return "stopped"
	case ReasonReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Completion is emitted exactly once for every source that leaves the mix.
type Completion struct {
	SourceID string
	Kind     audio.SourceKind
	Reason   Reason

	// Err is set for ReasonFaulted.
	Err error
}

// Recorder receives mixer measurements. *observe.Metrics satisfies it.
type Recorder interface {
	RecordTick(ctx context.Context, d time.Duration, sources int)
	RecordCompletion(ctx context.Context, kind, reason string)
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithInterval sets the tick interval of the driver started by
// [Mixer.Start]. Defaults to [audio.FrameDuration].
func WithInterval(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithEventBuffer sets the capacity of the completion event channel.
func WithEventBuffer(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.eventBuf = n
		}
	}
}

// WithMetrics records tick and completion measurements to r.
func WithMetrics(r Recorder) Option {
	return func(m *Mixer) { m.metrics = r }
}

// WithSession tags log lines with the owning session key.
func WithSession(key string) Option {
	return func(m *Mixer) { m.log = slog.Default().With("session", key) }
}

// Mixer combines one track and any number of effects into fixed-size frames.
//
// Source installation and removal take the same lock as a tick, so a tick
// never observes a half-installed source. Completions are queued while mixing
// and delivered to [Mixer.Events] only after the lock is released; a consumer
// that reacts by adding a new track is therefore picked up on the next tick.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	output   func(audio.AudioFrame)
	interval time.Duration
	eventBuf int
	metrics  Recorder
	log      *slog.Logger

	mu      sync.Mutex
	track   audio.Source
	effects []audio.Source
	outbox  []Completion // completions not yet delivered to events
	paused  bool
	closed  bool
	frames  int64
	acc     []int32
	scratch []int16

	// sendMu serialises delivery to events against closing it.
	sendMu sync.Mutex
	events chan Completion

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Mixer that hands every emitted frame to output. output is
// only called from the driver goroutine started by [Mixer.Start] and may be
// nil when the caller drives [Mixer.Tick] itself.
func New(output func(audio.AudioFrame), opts ...Option) *Mixer {
	m := &Mixer{
		output:   output,
		interval: audio.FrameDuration,
		eventBuf: DefaultEventBuffer,
		log:      slog.Default(),
		acc:      make([]int32, audio.FrameLen),
		scratch:  make([]int16, audio.FrameLen),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.events = make(chan Completion, m.eventBuf)
	return m
}

// Events returns the per-session completion channel. It is closed by
// [Mixer.Close].
func (m *Mixer) Events() <-chan Completion {
	return m.events
}

// Start launches the tick driver. Calling Start more than once has no
// further effect.
func (m *Mixer) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

// AddTrack installs src as the single active track. A track that is still
// playing is dropped with [ReasonReplaced]. On a closed mixer the call is
// logged and [ErrClosed] returned.
func (m *Mixer) AddTrack(src audio.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.log.Warn("mixer: track added after close", "source", src.ID())
		return ErrClosed
	}
	if m.track != nil {
		m.outbox = append(m.outbox, Completion{SourceID: m.track.ID(), Kind: m.track.Kind(), Reason: ReasonReplaced})
	}
	m.track = src
	return nil
}

// AddEffect adds src to the set of concurrently playing effects. On a
// closed mixer the call is logged and [ErrClosed] returned.
func (m *Mixer) AddEffect(src audio.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.log.Warn("mixer: effect added after close", "source", src.ID())
		return ErrClosed
	}
	m.effects = append(m.effects, src)
	return nil
}

// StopTrack removes the active track if its ID is id and reports whether it
// did.
func (m *Mixer) StopTrack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.track == nil || m.track.ID() != id {
		return false
	}
	m.outbox = append(m.outbox, Completion{SourceID: id, Kind: m.track.Kind(), Reason: ReasonStopped})
	m.track = nil
	return true
}

// ClearEffects removes every active effect.
func (m *Mixer) ClearEffects() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.effects {
		m.outbox = append(m.outbox, Completion{SourceID: e.ID(), Kind: e.Kind(), Reason: ReasonStopped})
	}
	m.effects = nil
}

// Pause stops emission without moving any cursor.
func (m *Mixer) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume continues emission after [Mixer.Pause].
func (m *Mixer) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Paused reports whether the mixer is paused.
func (m *Mixer) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Active returns the ID of the current track ("" when none) and the number
// of playing effects.
func (m *Mixer) Active() (track string, effects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		track = m.track.ID()
	}
	return track, len(m.effects)
}

// Tick mixes one frame. It returns false, emitting nothing, while the mixer
// is paused, closed, or has no active source.
func (m *Mixer) Tick() (audio.AudioFrame, bool) {
	start := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return audio.AudioFrame{}, false
	}
	active := len(m.effects)
	if m.track != nil {
		active++
	}
	if m.paused || active == 0 {
		m.mu.Unlock()
		m.flush()
		if m.metrics != nil && !m.paused {
			m.metrics.RecordTick(context.Background(), 0, 0)
		}
		return audio.AudioFrame{}, false
	}

	clear(m.acc)
	var done []Completion

	if m.track != nil {
		if c, ended := m.pull(m.track); ended {
			done = append(done, c)
			m.track = nil
		}
	}
	kept := m.effects[:0]
	for _, e := range m.effects {
		if c, ended := m.pull(e); ended {
			done = append(done, c)
			continue
		}
		kept = append(kept, e)
	}
	clear(m.effects[len(kept):])
	m.effects = kept

	data := make([]byte, audio.FrameBytes)
	for i, v := range m.acc {
		s := clamp(v)
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Timestamp:  time.Duration(m.frames) * audio.FrameDuration,
	}
	m.frames++
	m.outbox = append(m.outbox, done...)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTick(context.Background(), time.Since(start), active)
	}
	m.flush()
	return frame, true
}

// Close stops the driver, drops every source and closes the event channel.
// Undelivered completions are discarded. Close is idempotent.
func (m *Mixer) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.track = nil
		m.effects = nil
		m.outbox = nil
		m.mu.Unlock()

		close(m.done)
		m.wg.Wait()

		m.sendMu.Lock()
		close(m.events)
		m.sendMu.Unlock()
	})
	return nil
}

// run is the tick driver started by [Mixer.Start].
func (m *Mixer) run() {
	defer m.wg.Done()

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			frame, ok := m.Tick()
			if ok && m.output != nil {
				m.output(frame)
			}
		}
	}
}

// pull reads the next chunk of src into m.acc. It reports whether src ended
// and, if so, the completion to emit. A panic inside the source counts as a
// fault. Must be called with m.mu held.
func (m *Mixer) pull(src audio.Source) (c Completion, ended bool) {
	c = Completion{SourceID: src.ID(), Kind: src.Kind()}
	defer func() {
		if r := recover(); r != nil {
			c.Reason = ReasonFaulted
			c.Err = fmt.Errorf("mixer: source %s panicked: %v", src.ID(), r)
			ended = true
		}
	}()

	n, err := src.ReadFrame(m.scratch)
	if n > len(m.scratch) || n < 0 {
		c.Reason = ReasonFaulted
		c.Err = fmt.Errorf("mixer: source %s read %d samples into %d", src.ID(), n, len(m.scratch))
		return c, true
	}

	gain := src.Gain()
	for i, s := range m.scratch[:n] {
		if gain == 1 {
			m.acc[i] += int32(s)
		} else {
			m.acc[i] += int32(scale(s, gain))
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		c.Reason = ReasonFinished
		return c, true
	case err != nil:
		c.Reason = ReasonFaulted
		c.Err = err
		return c, true
	case n < len(m.scratch):
		// Short read: the rest of the frame stays silent.
		c.Reason = ReasonFinished
		return c, true
	}
	return c, false
}

// flush delivers queued completions without blocking. Whatever does not fit
// in the channel stays queued for the next tick.
func (m *Mixer) flush() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed || len(m.outbox) == 0 {
		m.mu.Unlock()
		return
	}
	pending := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	sent := 0
deliver:
	for _, c := range pending {
		select {
		case m.events <- c:
			sent++
		default:
			break deliver
		}
	}
	for _, c := range pending[:sent] {
		if c.Reason == ReasonFaulted {
			m.log.Warn("mixer: source faulted", "source", c.SourceID, "kind", c.Kind, "err", c.Err)
		}
		if m.metrics != nil {
			m.metrics.RecordCompletion(context.Background(), c.Kind.String(), c.Reason.String())
		}
	}

	if rest := pending[sent:]; len(rest) > 0 {
		m.mu.Lock()
		m.outbox = append(rest, m.outbox...)
		m.mu.Unlock()
	}
}

// scale applies gain to s and saturates the result to the int16 range, so a
// single loud source cannot wrap the accumulator.
func scale(s int16, gain float64) int16 {
	v := float64(s) * gain
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// clamp saturates v to the int16 range.
func clamp(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
