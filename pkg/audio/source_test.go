package audio_test

import (
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/tavern/pkg/audio"
)

func TestFrameConstants(t *testing.T) {
	t.Parallel()

	if audio.FrameSamples != 960 {
		t.Errorf("FrameSamples = %d, want 960", audio.FrameSamples)
	}
	if audio.FrameBytes != 3840 {
		t.Errorf("FrameBytes = %d, want 3840", audio.FrameBytes)
	}
	if got := audio.OutputFormat.Duration(audio.FrameBytes); got != audio.FrameDuration {
		t.Errorf("Duration(FrameBytes) = %v, want %v", got, audio.FrameDuration)
	}
}

func TestPCMSource_ReadFrame(t *testing.T) {
	t.Parallel()

	samples := make([]int16, audio.FrameLen+10)
	for i := range samples {
		samples[i] = int16(i)
	}
	src := audio.NewPCMSource("s", audio.KindTrack, audio.SamplesToBytes(samples))
	if src.Len() != len(samples) {
		t.Fatalf("Len = %d, want %d", src.Len(), len(samples))
	}

	dst := make([]int16, audio.FrameLen)
	n, err := src.ReadFrame(dst)
	if err != nil || n != audio.FrameLen {
		t.Fatalf("first read = (%d, %v), want (%d, nil)", n, err, audio.FrameLen)
	}
	if dst[5] != 5 {
		t.Errorf("dst[5] = %d, want 5", dst[5])
	}

	n, err = src.ReadFrame(dst)
	if n != 10 || !errors.Is(err, io.EOF) {
		t.Fatalf("second read = (%d, %v), want (10, EOF)", n, err)
	}
	n, err = src.ReadFrame(dst)
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("read after end = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestPCMSource_ConvertsFormat(t *testing.T) {
	t.Parallel()

	mono := audio.SamplesToBytes([]int16{1, 2, 3})
	src := audio.NewPCMSource("s", audio.KindEffect, mono, audio.WithFormat(audio.Format{SampleRate: 48000, Channels: 1}))
	if src.Len() != 6 {
		t.Fatalf("Len = %d, want 6 after mono to stereo", src.Len())
	}
}

func TestNormaliseGain(t *testing.T) {
	t.Parallel()

	if g := audio.NormaliseGain(make([]int16, 100), audio.DefaultNormaliseTarget); g != 1 {
		t.Errorf("silence gain = %v, want 1", g)
	}

	// Square wave of ±1000 has sigma 1000, so 3 sigma = 3000.
	sq := make([]int16, 1000)
	for i := range sq {
		sq[i] = 1000
		if i%2 == 1 {
			sq[i] = -1000
		}
	}
	want := audio.DefaultNormaliseTarget * math.MaxInt16 / 3000
	if g := audio.NormaliseGain(sq, audio.DefaultNormaliseTarget); math.Abs(g-want) > 1e-9 {
		t.Errorf("gain = %v, want %v", g, want)
	}

	src := audio.NewPCMSource("s", audio.KindTrack, audio.SamplesToBytes(sq),
		audio.WithGain(0.5), audio.WithNormalise(audio.DefaultNormaliseTarget))
	if math.Abs(src.Gain()-0.5*want) > 1e-9 {
		t.Errorf("source gain = %v, want %v", src.Gain(), 0.5*want)
	}
}

func TestNormaliseGain_CappedByPeak(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		spike int16
	}{
		{name: "positive spike", spike: math.MaxInt16},
		{name: "negative spike", spike: math.MinInt16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Ten seconds of silence with a single transient.
			samples := make([]int16, 10*audio.SampleRate*audio.Channels)
			samples[len(samples)/2] = tc.spike

			g := audio.NormaliseGain(samples, audio.DefaultNormaliseTarget)
			limit := audio.DefaultNormaliseTarget * math.MaxInt16
			if peak := math.Abs(float64(tc.spike)) * g; peak > limit+1e-6 {
				t.Fatalf("scaled peak = %v with gain %v, want <= %v", peak, g, limit)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{3*time.Minute + 7*time.Second, "03:07"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "00:00"},
	}
	for _, tc := range tests {
		if got := audio.FormatDuration(tc.in); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
