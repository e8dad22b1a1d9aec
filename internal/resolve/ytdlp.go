package resolve

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/tavern/internal/cache"
)

// DefaultPlaylistLimit caps how many entries [YTDLP.Expand] returns.
const DefaultPlaylistLimit = 200

// YTDLP fetches, searches and expands playlists with the yt-dlp binary.
type YTDLP struct {
	// CookieFile is passed as --cookies when set.
	CookieFile string

	// Proxy is passed as --proxy when set.
	Proxy string

	// PlaylistLimit caps [YTDLP.Expand]. Zero selects DefaultPlaylistLimit.
	PlaylistLimit int
}

var _ Fetcher = (*YTDLP)(nil)

func (y *YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoWarnings().
		IgnoreConfig()
	if y.Proxy != "" {
		cmd.Proxy(y.Proxy)
	}
	return cmd
}

func (y *YTDLP) args(target string) []string {
	var args []string
	if y.CookieFile != "" {
		args = append(args, "--cookies", y.CookieFile)
	}
	return append(args, target)
}

// printTemplate yields one tab-separated line per video.
const printTemplate = "%(title)s\t%(uploader)s\t%(duration)s\t%(webpage_url)s"

// Fetch implements [Fetcher]. It downloads the best audio stream of a
// YouTube video, a generic URL or the first search hit into req.Dir.
func (y *YTDLP) Fetch(ctx context.Context, req FetchRequest) (Download, error) {
	if req.Locator.Type == SourceFile {
		return Download{}, fmt.Errorf("yt-dlp: %w", ErrUnsupported)
	}

	res, err := y.command().
		Format("bestaudio/best").
		Output(filepath.Join(req.Dir, "audio.%(ext)s")).
		Print("after_move:%(filepath)s\t" + printTemplate).
		NoSimulate().
		NoPlaylist().
		NoPart().
		Run(ctx, y.args(req.Locator.Target)...)
	if err != nil {
		return Download{}, ytdlpError(ctx, res, err)
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		path, rest, ok := strings.Cut(line, "\t")
		if !ok || path == "" {
			continue
		}
		meta := parseMeta(rest)
		meta.Locator = req.Locator.Raw
		return Download{Path: path, Meta: meta}, nil
	}
	return Download{}, &Failure{Kind: KindNetwork, Err: errors.New("yt-dlp: no file reported")}
}

// Search returns up to n results for query without downloading anything.
func (y *YTDLP) Search(ctx context.Context, query string, n int) ([]cache.Metadata, error) {
	if n <= 0 {
		n = 5
	}
	res, err := y.command().
		FlatPlaylist().
		Print(printTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", n)).
		Run(ctx, y.args(fmt.Sprintf("ytsearch%d:%s", n, query))...)
	if err != nil {
		return nil, ytdlpError(ctx, res, err)
	}
	return parseMetaLines(res.Stdout), nil
}

// Expand lists the entries of a playlist URL in playlist order.
func (y *YTDLP) Expand(ctx context.Context, playlistURL string) ([]cache.Metadata, error) {
	limit := y.PlaylistLimit
	if limit <= 0 {
		limit = DefaultPlaylistLimit
	}
	res, err := y.command().
		FlatPlaylist().
		Print(printTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, y.args(playlistURL)...)
	if err != nil {
		return nil, ytdlpError(ctx, res, err)
	}
	return parseMetaLines(res.Stdout), nil
}

func parseMetaLines(out string) []cache.Metadata {
	var metas []cache.Metadata
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Count(line, "\t") < 3 {
			continue
		}
		m := parseMeta(line)
		if m.Locator == "" {
			continue
		}
		metas = append(metas, m)
	}
	return metas
}

// parseMeta reads one printTemplate line. yt-dlp prints "NA" for missing
// fields and fractional seconds for durations.
func parseMeta(line string) cache.Metadata {
	f := strings.Split(line, "\t")
	for len(f) < 4 {
		f = append(f, "")
	}
	na := func(s string) string {
		if s == "NA" {
			return ""
		}
		return s
	}
	m := cache.Metadata{
		Title:    na(f[0]),
		Uploader: na(f[1]),
		Locator:  na(f[3]),
	}
	if secs, err := strconv.ParseFloat(f[2], 64); err == nil && secs > 0 {
		m.Duration = time.Duration(secs * float64(time.Second))
	}
	return m
}

// ytdlpError classifies a failed yt-dlp run by its stderr.
func ytdlpError(ctx context.Context, res *ytdlp.Result, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("yt-dlp: %w", ctx.Err())
	}
	var stderr string
	if res != nil {
		stderr = strings.ToLower(res.Stderr)
	}
	switch {
	case strings.Contains(stderr, "unsupported url"), strings.Contains(stderr, "drm"):
		return &Failure{Kind: KindUnsupported, Err: fmt.Errorf("yt-dlp: %w", err)}
	default:
		return &Failure{Kind: KindNetwork, Err: fmt.Errorf("yt-dlp: %w", err)}
	}
}
