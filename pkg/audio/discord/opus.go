package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms packets, which is the
// mixer's output format, so one mixed frame encodes to exactly one packet.
const (
	opusBitrate   = 96_000
	maxOpusPacket = 4000
)

// frameEncoder turns mixed PCM into Opus packets. Input that does not arrive
// in whole frames is carried over to the next call.
type frameEncoder struct {
	enc     *gopus.Encoder
	conv    audio.FormatConverter
	pending []byte
	samples []int16
}

func newFrameEncoder() (*frameEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	return &frameEncoder{
		enc:     enc,
		conv:    audio.FormatConverter{Target: audio.OutputFormat},
		samples: make([]int16, audio.FrameLen),
	}, nil
}

// push adds one frame and returns the packets that became complete. Frames
// in another format are converted first.
func (e *frameEncoder) push(frame audio.AudioFrame) ([][]byte, error) {
	e.pending = append(e.pending, e.conv.Convert(frame).Data...)

	var packets [][]byte
	for len(e.pending) >= audio.FrameBytes {
		chunk := e.pending[:audio.FrameBytes]
		for i := range e.samples {
			e.samples[i] = int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8)
		}
		e.pending = e.pending[audio.FrameBytes:]

		pkt, err := e.enc.Encode(e.samples, audio.FrameSamples, maxOpusPacket)
		if err != nil {
			return packets, fmt.Errorf("discord: opus encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	if len(e.pending) == 0 {
		e.pending = e.pending[:0:0]
	}
	return packets, nil
}
