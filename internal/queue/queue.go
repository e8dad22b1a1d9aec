// Package queue implements the per-session playback queue.
//
// The entry at position 0 is the current track: it is either resolving or
// playing. A single advance goroutine pops finished heads and hands the
// next resolved head to the mixer, so playback order always equals queue
// order no matter in which order background resolves complete. The entries
// right after the head are preloaded so the next track is usually cached by
// the time it is needed.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/pkg/audio"
	"github.com/MrWong99/tavern/pkg/audio/mixer"
)

// DefaultPreload is the number of entries after the head resolved ahead of
// time.
const DefaultPreload = 3

var (
	// ErrEmpty is returned by [Queue.Skip] when nothing is queued.
	ErrEmpty = errors.New("queue: empty")

	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrNoLocator is returned by [Queue.Enqueue] for a blank locator.
	ErrNoLocator = errors.New("queue: empty locator")
)

// Mode selects where [Queue.Enqueue] inserts.
type Mode int

const (
	// Append adds to the end of the queue.
	Append Mode = iota

	// Next inserts right after the current track.
	Next
)

// ParseMode maps "append", "next" and "" onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(s) {
	case "", "append":
		return Append, true
	case "next":
		return Next, true
	default:
		return Append, false
	}
}

// Request is one user request to play a locator.
type Request struct {
	ID          string    `json:"id"`
	Locator     string    `json:"locator"`
	RequestedBy string    `json:"requested_by"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Item is one row of [Queue.List]. Position 0 is the current track.
type Item struct {
	Position int `json:"position"`
	Request
	Title    string        `json:"title"`
	Duration time.Duration `json:"duration"`
	Playing  bool          `json:"playing"`
}

// Player is the mixer surface the queue drives. [*mixer.Mixer] satisfies it.
type Player interface {
	AddTrack(src audio.Source) error
	StopTrack(id string) bool
}

// Resolver turns a locator into decoded PCM. [*resolve.Resolver] satisfies
// it.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (*cache.Entry, error)
}

// metadataSource is optionally implemented by a [Resolver] to supply titles
// for entries that have not been resolved yet.
type metadataSource interface {
	Metadata(ctx context.Context, locator string) (cache.Metadata, bool)
}

// Option configures a [Queue].
type Option func(*Queue)

// WithPreload sets the preload window. Zero disables preloading.
func WithPreload(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.preload = n
		}
	}
}

// WithGain sets the static volume of tracks.
func WithGain(g float64) Option {
	return func(q *Queue) { q.gain = g }
}

// WithNormalise enables loudness normalisation of tracks towards target. The
// factor is computed once per track while it resolves.
func WithNormalise(target float64) Option {
	return func(q *Queue) { q.normalise = target }
}

// WithSession tags log lines with the owning session key.
func WithSession(key string) Option {
	return func(q *Queue) { q.log = slog.Default().With("session", key) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

type entry struct {
	req    Request
	ctx    context.Context
	cancel context.CancelFunc

	started  bool
	resolved chan struct{} // closed once result or err is set
	result   *cache.Entry
	err      error
	norm     float64 // loudness factor, 1 without normalisation

	meta    cache.Metadata
	hasMeta bool
}

// Queue is safe for concurrent use.
type Queue struct {
	player   Player
	events   <-chan mixer.Completion
	resolver Resolver
	meta     metadataSource

	preload   int
	gain      float64
	normalise float64
	log       *slog.Logger
	metrics   *observe.Metrics

	mu      sync.Mutex
	entries []*entry
	playing string // source ID of entries[0] once handed to the player
	closed  bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue and starts its advance loop. events must be the
// completion channel of the mixer behind player.
func New(player Player, events <-chan mixer.Completion, resolver Resolver, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player:   player,
		events:   events,
		resolver: resolver,
		preload:  DefaultPreload,
		gain:     1,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.meta, _ = resolver.(metadataSource)
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue adds locator and returns its position.
func (q *Queue) Enqueue(locator, requestedBy string, mode Mode) (int, error) {
	pos, err := q.EnqueueAll([]string{locator}, requestedBy, mode)
	if err != nil {
		return 0, err
	}
	return pos[0], nil
}

// EnqueueAll adds locators as one contiguous block in the given order and
// returns their positions. In [Next] mode the block goes right after the
// current track. A blank locator rejects the whole batch.
func (q *Queue) EnqueueAll(locators []string, requestedBy string, mode Mode) ([]int, error) {
	clean := make([]string, 0, len(locators))
	for _, l := range locators {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, ErrNoLocator
		}
		clean = append(clean, l)
	}
	if len(clean) == 0 {
		return nil, ErrNoLocator
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	batch := make([]*entry, len(clean))
	for i, l := range clean {
		ctx, cancel := context.WithCancel(q.ctx)
		batch[i] = &entry{
			req: Request{
				ID:          uuid.NewString(),
				Locator:     l,
				RequestedBy: requestedBy,
				EnqueuedAt:  now,
			},
			ctx:      ctx,
			cancel:   cancel,
			resolved: make(chan struct{}),
		}
	}

	pos := len(q.entries)
	if mode == Next && pos > 1 {
		pos = 1
	}
	q.entries = slices.Insert(q.entries, pos, batch...)
	positions := make([]int, len(batch))
	for i := range batch {
		positions[i] = pos + i
	}

	q.metrics.QueueItems.Add(context.Background(), int64(len(batch)))
	if len(batch) == 1 {
		q.log.Info("queue: enqueued", "locator", clean[0], "position", pos, "requested_by", requestedBy)
	} else {
		q.log.Info("queue: enqueued batch", "items", len(batch), "position", pos, "requested_by", requestedBy)
	}
	q.preloadLocked()
	q.wake()
	return positions, nil
}

// Skip removes the current track and returns it. A track that is playing is
// stopped; one still resolving has its resolve cancelled.
func (q *Queue) Skip() (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item{}, ErrClosed
	}
	if len(q.entries) == 0 {
		return Item{}, ErrEmpty
	}
	item := q.itemLocked(0)
	q.removeHeadLocked()
	q.preloadLocked()
	q.wake()
	return item, nil
}

// Clear removes every pending entry but keeps the current track. It returns
// the number of removed entries.
func (q *Queue) Clear() int {
	return q.Prune(func(Request) bool { return true })
}

// Stop removes every entry including the current track and stops playback.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return
	}
	for len(q.entries) > 1 {
		q.removeLocked(len(q.entries) - 1)
	}
	q.removeHeadLocked()
	q.wake()
}

// Prune removes every pending entry for which match returns true. The
// current track is never pruned and survivors keep their order.
func (q *Queue) Prune(match func(Request) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for i := len(q.entries) - 1; i >= 1; i-- {
		if match(q.entries[i].req) {
			q.removeLocked(i)
			removed++
		}
	}
	if removed > 0 {
		q.preloadLocked()
	}
	return removed
}

// List returns the queue in playback order.
func (q *Queue) List() []Item {
	q.mu.Lock()
	items := make([]Item, len(q.entries))
	var unknown []int
	for i := range q.entries {
		items[i] = q.itemLocked(i)
		if !q.entries[i].hasMeta {
			unknown = append(unknown, i)
		}
	}
	q.mu.Unlock()

	if q.meta == nil {
		return items
	}
	for _, i := range unknown {
		if m, ok := q.meta.Metadata(q.ctx, items[i].Locator); ok {
			if m.Title != "" {
				items[i].Title = m.Title
			}
			items[i].Duration = m.Duration
		}
	}
	return items
}

// Current returns the current track.
func (q *Queue) Current() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Item{}, false
	}
	return q.itemLocked(0), true
}

// Len returns the number of entries including the current track.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SetGain changes the volume of tracks started from now on.
func (q *Queue) SetGain(g float64) {
	q.mu.Lock()
	q.gain = g
	q.mu.Unlock()
}

// SetPreload changes the preload window.
func (q *Queue) SetPreload(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= 0 {
		q.preload = n
		q.preloadLocked()
	}
}

// Close stops the advance loop, cancels every resolve and waits for them.
// The player is left untouched. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	n := len(q.entries)
	for _, e := range q.entries {
		e.cancel()
	}
	q.entries = nil
	q.playing = ""
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if n > 0 {
		q.metrics.QueueItems.Add(context.Background(), -int64(n))
	}
	return nil
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) itemLocked(i int) Item {
	e := q.entries[i]
	it := Item{
		Position: i,
		Request:  e.req,
		Title:    e.req.Locator,
		Playing:  i == 0 && q.playing == e.req.ID,
	}
	if e.hasMeta {
		if e.meta.Title != "" {
			it.Title = e.meta.Title
		}
		it.Duration = e.meta.Duration
	}
	return it
}

// removeHeadLocked drops entries[0], stopping it in the player if it was
// handed over.
func (q *Queue) removeHeadLocked() {
	head := q.entries[0]
	if q.playing == head.req.ID {
		q.player.StopTrack(head.req.ID)
		q.playing = ""
	}
	q.removeLocked(0)
}

func (q *Queue) removeLocked(i int) {
	q.entries[i].cancel()
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.metrics.QueueItems.Add(context.Background(), -1)
}

// preloadLocked starts resolves for the head and the preload window.
func (q *Queue) preloadLocked() {
	if q.closed {
		return
	}
	for i := 0; i < len(q.entries) && i <= q.preload; i++ {
		q.startResolveLocked(q.entries[i])
	}
}

func (q *Queue) startResolveLocked(e *entry) {
	if e.started {
		return
	}
	e.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		res, err := q.resolver.Resolve(e.ctx, e.req.Locator)
		norm := 1.0
		if res != nil && q.normalise > 0 {
			norm = audio.NormaliseGain(audio.BytesToSamples(res.PCM), q.normalise)
		}

		q.mu.Lock()
		e.result, e.err, e.norm = res, err, norm
		if res != nil {
			e.meta, e.hasMeta = res.Meta, true
		}
		q.mu.Unlock()
		close(e.resolved)
	}()
}

// loop is the only place that pops finished heads and starts tracks.
func (q *Queue) loop() {
	defer q.wg.Done()

	events := q.events
	for {
		q.mu.Lock()
		wait := q.stepLocked()
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return
		case <-q.kick:
		case <-wait:
		case c, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			q.onCompletion(c)
		}
	}
}

// stepLocked advances as far as possible without blocking. It returns the
// channel to wait on when the head is still resolving, nil otherwise.
func (q *Queue) stepLocked() <-chan struct{} {
	for len(q.entries) > 0 {
		head := q.entries[0]
		if q.playing == head.req.ID {
			return nil
		}
		q.preloadLocked()

		select {
		case <-head.resolved:
		default:
			return head.resolved
		}

		if head.err != nil {
			q.log.Warn("queue: skipping track that failed to resolve",
				"locator", head.req.Locator, "err", head.err)
			q.metrics.QueueSkips.Add(context.Background(), 1)
			q.removeLocked(0)
			continue
		}

		src := audio.NewPCMSource(head.req.ID, audio.KindTrack, head.result.PCM, audio.WithGain(q.gain*head.norm))
		if err := q.player.AddTrack(src); err != nil {
			q.log.Warn("queue: player rejected track", "locator", head.req.Locator, "err", err)
			return nil
		}
		q.playing = head.req.ID
		q.log.Info("queue: now playing", "title", head.meta.Title, "locator", head.req.Locator,
			"duration", audio.FormatDuration(head.meta.Duration))
		return nil
	}
	return nil
}

func (q *Queue) onCompletion(c mixer.Completion) {
	if c.Kind != audio.KindTrack {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing == "" || c.SourceID != q.playing {
		return
	}
	q.playing = ""
	if len(q.entries) > 0 && q.entries[0].req.ID == c.SourceID {
		q.removeLocked(0)
	}
	if c.Reason == mixer.ReasonFaulted {
		q.log.Warn("queue: track faulted", "source", c.SourceID, "err", c.Err)
	}
}
