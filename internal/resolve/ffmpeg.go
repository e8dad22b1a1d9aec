package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/tavern/pkg/audio"
)

// Decoder turns a downloaded media file into s16le PCM in
// [audio.OutputFormat].
type Decoder interface {
	Decode(ctx context.Context, path string) ([]byte, error)
}

// FFmpeg decodes with the ffmpeg binary.
type FFmpeg struct {
	// Binary is the executable name or path. Empty selects "ffmpeg".
	Binary string
}

var _ Decoder = FFmpeg{}

// Args returns the ffmpeg arguments used to decode in.
func (FFmpeg) Args(in string) []string {
	return []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", in,
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(audio.Channels),
		"-ar", strconv.Itoa(audio.SampleRate),
		"pipe:1",
	}
}

// Decode implements [Decoder]. An empty result is a decode failure.
func (f FFmpeg) Decode(ctx context.Context, path string) ([]byte, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, f.Args(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, &Failure{Kind: KindDecode, Err: fmt.Errorf("ffmpeg: %w: %s", err, msg)}
	}
	pcm := stdout.Bytes()
	if len(pcm) < 2 {
		return nil, &Failure{Kind: KindDecode, Err: errors.New("ffmpeg: no audio decoded")}
	}
	return pcm[:len(pcm)&^1], nil
}
