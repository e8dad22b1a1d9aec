package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs once on the
// first mismatch and once on the first misaligned frame. Create one per
// stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame that already matches is
// returned unchanged (zero allocation). Frames with an odd byte count are
// replaced by an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	from := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if from == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting frames", "from", from, "to", c.Target)
	})
	return AudioFrame{
		Data:       ConvertPCM(frame.Data, from, c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertPCM converts a whole s16le buffer between formats. Resampling runs
// before the channel conversion so a stereo to mono conversion never
// resamples both channels. Only mono and stereo layouts are supported; other
// channel counts are returned unchanged.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	samples := BytesToSamples(pcm)
	if from.SampleRate != to.SampleRate && from.SampleRate > 0 && to.SampleRate > 0 {
		samples = resample(samples, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		samples = MonoToStereo(samples)
	case from.Channels == 2 && to.Channels == 1:
		samples = StereoToMono(samples)
	}
	return SamplesToBytes(samples)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair. The int32 average cannot leave the
// int16 range.
func StereoToMono(stereo []int16) []int16 {
	out := make([]int16, len(stereo)/2)
	for i := range out {
		out[i] = int16((int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2)
	}
	return out
}

// resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation per channel.
func resample(in []int16, channels, srcRate, dstRate int) []int16 {
	if channels < 1 {
		channels = 1
	}
	srcFrames := len(in) / channels
	if srcFrames == 0 || srcRate == dstRate {
		return in
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(in[idx*channels+ch])
			s1 := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}
