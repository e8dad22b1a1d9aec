package audio

import (
	"io"
	"math"
)

// SourceKind separates queue-driven tracks from fire-and-forget effects.
type SourceKind int

const (
	// KindTrack is a long-form source driven by a session queue. A mixer
	// holds at most one.
	KindTrack SourceKind = iota

	// KindEffect is a short one-shot source. Any number may play at once.
	KindEffect
)

// String returns the human-readable name of the kind.
func (k SourceKind) String() string {
	switch k {
	case KindTrack:
		return "track"
	case KindEffect:
		return "effect"
	default:
		return "unknown"
	}
}

// Source is a decoded audio payload with a read cursor. Once a Source is
// handed to a mixer, only the mixer's tick may call ReadFrame.
type Source interface {
	// ID identifies the source in completion events.
	ID() string

	// Kind reports whether the source is a track or an effect.
	Kind() SourceKind

	// Gain is the static volume multiplier applied while mixing.
	Gain() float64

	// ReadFrame copies the next interleaved samples into dst and advances the
	// cursor. It returns the number of samples written. io.EOF, possibly
	// alongside a final n > 0, signals that nothing is left; a count shorter
	// than len(dst) also ends the source. Any other error is a source fault.
	ReadFrame(dst []int16) (int, error)
}

// DefaultNormaliseTarget is the fraction of full scale the 3-sigma amplitude
// is scaled to when normalisation is enabled.
const DefaultNormaliseTarget = 0.997

// PCMSource is an in-memory [Source] over samples in [OutputFormat].
type PCMSource struct {
	id      string
	kind    SourceKind
	gain    float64
	samples []int16
	pos     int
}

var _ Source = (*PCMSource)(nil)

// SourceOption configures a [PCMSource].
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	gain      float64
	normalise float64
	format    Format
}

// WithGain sets the static volume multiplier. Defaults to 1.
func WithGain(g float64) SourceOption {
	return func(o *sourceOptions) {
		if g >= 0 {
			o.gain = g
		}
	}
}

// WithNormalise scales the source so its 3-sigma amplitude reaches target
// times full scale. The factor is computed once here, never per tick.
func WithNormalise(target float64) SourceOption {
	return func(o *sourceOptions) { o.normalise = target }
}

// WithFormat declares the format of the PCM handed to [NewPCMSource]. Data
// in any other format than [OutputFormat] is converted up front.
func WithFormat(f Format) SourceOption {
	return func(o *sourceOptions) { o.format = f }
}

// NewPCMSource builds a source over s16le pcm. A trailing odd byte is
// dropped.
func NewPCMSource(id string, kind SourceKind, pcm []byte, opts ...SourceOption) *PCMSource {
	o := sourceOptions{gain: 1, format: OutputFormat}
	for _, opt := range opts {
		opt(&o)
	}
	if o.format != OutputFormat {
		pcm = ConvertPCM(pcm, o.format, OutputFormat)
	}
	samples := BytesToSamples(pcm)
	gain := o.gain
	if o.normalise > 0 {
		gain *= NormaliseGain(samples, o.normalise)
	}
	return &PCMSource{id: id, kind: kind, gain: gain, samples: samples}
}

// ID implements [Source].
func (s *PCMSource) ID() string { return s.id }

// Kind implements [Source].
func (s *PCMSource) Kind() SourceKind { return s.kind }

// Gain implements [Source].
func (s *PCMSource) Gain() float64 { return s.gain }

// Len returns the total number of samples.
func (s *PCMSource) Len() int { return len(s.samples) }

// Remaining returns the number of samples not yet read.
func (s *PCMSource) Remaining() int { return len(s.samples) - s.pos }

// ReadFrame implements [Source].
func (s *PCMSource) ReadFrame(dst []int16) (int, error) {
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	if s.pos >= len(s.samples) {
		return n, io.EOF
	}
	return n, nil
}

// NormaliseGain returns the factor that brings the 3-sigma amplitude of
// samples to target times full scale, capped so the loudest sample lands at
// no more than target times full scale. Silence yields 1.
func NormaliseGain(samples []int16, target float64) float64 {
	if len(samples) == 0 || target <= 0 {
		return 1
	}
	var sum, peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v
		peak = max(peak, math.Abs(v))
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	sigma3 := 3 * math.Sqrt(sq/float64(len(samples)))
	if sigma3 < 1 {
		return 1
	}
	return min(target*math.MaxInt16/sigma3, target*math.MaxInt16/peak)
}
