package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/queue"
	"github.com/MrWong99/tavern/pkg/audio"
	audiomock "github.com/MrWong99/tavern/pkg/audio/mock"
)

func TestSession_CloseReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	boom := errors.New("boom")
	s := &Session{Key: "k", Created: time.Now()}
	for i := range 3 {
		s.closers = append(s.closers, func() error {
			order = append(order, i)
			if i == 1 {
				return boom
			}
			return nil
		})
	}

	if err := s.Close(); !errors.Is(err, boom) {
		t.Fatalf("Close = %v, want boom", err)
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("close order = %v, want [2 1 0]", order)
	}
	if err := s.Close(); !errors.Is(err, boom) {
		t.Fatalf("second Close = %v, want the first result", err)
	}
	if len(order) != 3 {
		t.Fatal("closers ran twice")
	}
}

type pcmResolver struct{}

func (pcmResolver) Resolve(_ context.Context, locator string) (*cache.Entry, error) {
	pcm := make([]byte, 10*audio.FrameBytes)
	for i := range pcm {
		pcm[i] = 0x10
	}
	return &cache.Entry{Key: locator, PCM: pcm, Meta: cache.Metadata{Title: locator}}, nil
}

func TestFactory_WiresPlaybackToConnection(t *testing.T) {
	t.Parallel()

	out := make(chan audio.AudioFrame, 64)
	conn := &audiomock.Connection{OutputStreamResult: out, ListenersResult: 1}
	platform := &audiomock.Platform{ConnectResult: conn}

	var leaves atomic.Int32
	factory := NewFactory(Config{
		Platform: platform,
		Resolver: pcmResolver{},
		Preload:  queue.DefaultPreload,
		Metrics:  testMetrics(t),
		OnPresence: func(key string, ev audio.Event, listeners int) {
			if key == "chan-9" && ev.Type == audio.EventLeave && listeners == 0 {
				leaves.Add(1)
			}
		},
	})

	s, err := factory(context.Background(), "chan-9")
	if err != nil {
		t.Fatal(err)
	}
	if platform.ConnectCalls[0].ChannelID != "chan-9" {
		t.Fatalf("connected to %q", platform.ConnectCalls[0].ChannelID)
	}
	if s.Conn() != conn {
		t.Fatal("session does not expose its connection")
	}

	if _, err := s.Queue.Enqueue("song", "tester", queue.Append); err != nil {
		t.Fatal(err)
	}
	select {
	case frame := <-out:
		if len(frame.Data) != audio.FrameBytes {
			t.Fatalf("frame bytes = %d", len(frame.Data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame reached the connection")
	}

	conn.SetListeners(0)
	conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "u"})
	if leaves.Load() != 1 {
		t.Fatal("presence callback not wired")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if conn.Disconnects() != 1 {
		t.Fatalf("Disconnect calls = %d, want 1", conn.Disconnects())
	}
	if _, err := s.Queue.Enqueue("late", "tester", queue.Append); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Enqueue after Close = %v", err)
	}
}

func TestFactory_ConnectFailure(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{ConnectError: errors.New("no permission")}
	factory := NewFactory(Config{Platform: platform, Resolver: pcmResolver{}, Metrics: testMetrics(t)})
	if _, err := factory(context.Background(), "chan"); err == nil {
		t.Fatal("expected connect error")
	}
}
