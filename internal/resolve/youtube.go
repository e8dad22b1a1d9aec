package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/MrWong99/tavern/internal/cache"
)

// YouTube downloads audio streams directly through the YouTube player API.
// It only handles [SourceYouTube] locators and serves as the fallback when
// yt-dlp is failing.
type YouTube struct {
	client *youtube.Client
}

var _ Fetcher = (*YouTube)(nil)

// NewYouTube returns a fetcher that uses an HTTP(S) proxy when proxy is set.
func NewYouTube(proxy string) (*YouTube, error) {
	hc := &http.Client{Timeout: 5 * time.Minute}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("youtube: parse proxy: %w", err)
		}
		hc.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	return &YouTube{client: &youtube.Client{HTTPClient: hc}}, nil
}

// Fetch implements [Fetcher].
func (y *YouTube) Fetch(ctx context.Context, req FetchRequest) (Download, error) {
	if req.Locator.Type != SourceYouTube {
		return Download{}, fmt.Errorf("youtube: %w", ErrUnsupported)
	}

	video, err := y.client.GetVideoContext(ctx, req.Locator.ID)
	if err != nil {
		return Download{}, fmt.Errorf("youtube: get video %s: %w", req.Locator.ID, err)
	}

	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return Download{}, &Failure{Kind: KindUnsupported, Err: errors.New("youtube: no audio formats")}
	}
	best := &formats[0]
	for i := range formats {
		if formats[i].Bitrate > best.Bitrate {
			best = &formats[i]
		}
	}

	stream, _, err := y.client.GetStreamContext(ctx, video, best)
	if err != nil {
		return Download{}, fmt.Errorf("youtube: open stream: %w", err)
	}
	defer stream.Close()

	path := filepath.Join(req.Dir, "audio.stream")
	f, err := os.Create(path)
	if err != nil {
		return Download{}, fmt.Errorf("youtube: create %s: %w", path, err)
	}
	if _, err := io.Copy(f, stream); err != nil {
		_ = f.Close()
		return Download{}, fmt.Errorf("youtube: download: %w", err)
	}
	if err := f.Close(); err != nil {
		return Download{}, fmt.Errorf("youtube: write %s: %w", path, err)
	}

	return Download{
		Path: path,
		Meta: cache.Metadata{
			Locator:  req.Locator.Raw,
			Title:    video.Title,
			Uploader: video.Author,
			Duration: video.Duration,
		},
	}, nil
}
