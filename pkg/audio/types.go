package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Output format shared by every session: 48 kHz interleaved stereo s16le in
// 20 ms frames. Voice transports consume exactly this shape.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// FrameLen is the number of interleaved int16 samples in one frame.
	FrameLen = FrameSamples * Channels // 1920

	// FrameBytes is the size of one encoded s16le frame.
	FrameBytes = FrameLen * 2 // 3840
)

// OutputFormat is the format every [Source] is mixed in.
var OutputFormat = Format{SampleRate: SampleRate, Channels: Channels}

// AudioFrame represents a single frame of mixed audio handed to a transport.
type AudioFrame struct {
	// PCM audio data, little-endian int16 interleaved.
	Data []byte

	// SampleRate in Hz (48000 for everything the mixer emits).
	SampleRate int

	// Channels: 2 for the mixer output, 1 for downmixed listener streams.
	Channels int

	// Timestamp is the offset of this frame from the mixer's first tick.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// BytesPerSecond is the PCM data rate of f at 16 bits per sample.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of s16le PCM in format f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesToSamples converts little-endian s16le bytes to samples. A trailing
// odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesToBytes converts samples to little-endian s16le bytes.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// FormatDuration renders d as MM:SS, or H:MM:SS once it reaches an hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
