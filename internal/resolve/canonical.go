package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/MrWong99/tavern/pkg/audio"
)

// SourceType is the family a locator belongs to after canonicalisation.
type SourceType int

const (
	SourceSearch SourceType = iota
	SourceYouTube
	SourceFile
	SourceURL
)

// String returns the key prefix of t.
func (t SourceType) String() string {
	switch t {
	case SourceYouTube:
		return "yt"
	case SourceFile:
		return "file"
	case SourceURL:
		return "url"
	default:
		return "search"
	}
}

var errEmptyLocator = errors.New("empty locator")

// formatSuffix ties cache keys to the decoded output format.
var formatSuffix = fmt.Sprintf("@%dHz%dch", audio.SampleRate, audio.Channels)

// Locator is a canonicalised user locator.
type Locator struct {
	// Raw is the locator exactly as the user gave it.
	Raw string

	Type SourceType

	// ID is the type-specific identity: video ID, absolute path, normalised
	// URL or lower-cased query.
	ID string

	// Key is the cache key. Two locators naming the same content share it.
	Key string

	// Target is what fetchers download: a watch URL, a file path, a URL or a
	// "ytsearch1:" query.
	Target string
}

// Canonicalize maps a user locator onto its canonical [Locator]. It fails
// only for blank input.
func Canonicalize(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, &Failure{Kind: KindUnsupported, Locator: raw, Err: errEmptyLocator}
	}

	l := Locator{Raw: raw}
	raw = withScheme(raw)
	switch {
	case isYouTube(raw):
		id, _ := youtube.ExtractVideoID(raw)
		l.Type, l.ID = SourceYouTube, id
		l.Target = "https://www.youtube.com/watch?v=" + id
	case isLocalFile(raw):
		abs, _ := filepath.Abs(raw)
		l.Type, l.ID, l.Target = SourceFile, abs, abs
	case isHTTP(raw):
		u := normaliseURL(raw)
		l.Type, l.ID, l.Target = SourceURL, u, u
	default:
		q := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
		l.Type, l.ID = SourceSearch, q
		l.Target = "ytsearch1:" + q
	}
	l.Key = l.Type.String() + ":" + l.ID + formatSuffix
	return l, nil
}

// CanonicalKey returns the cache key for raw.
func CanonicalKey(raw string) (string, error) {
	l, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return l.Key, nil
}

// youTubeHosts are the hosts whose single-video URLs map to "yt:" keys.
var youTubeHosts = map[string]bool{
	"youtube.com":          true,
	"m.youtube.com":        true,
	"music.youtube.com":    true,
	"youtu.be":             true,
	"youtube-nocookie.com": true,
}

// isYouTube accepts single-video YouTube URLs. Playlist URLs are not single
// videos and stay plain URLs.
func isYouTube(raw string) bool {
	if !isHTTP(raw) || IsPlaylist(raw) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !youTubeHosts[strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")] {
		return false
	}
	id, err := youtube.ExtractVideoID(raw)
	return err == nil && len(id) == 11
}

// withScheme adds https:// to scheme-less YouTube links such as
// "youtu.be/abc".
func withScheme(raw string) string {
	if isHTTP(raw) {
		return raw
	}
	host, _, _ := strings.Cut(raw, "/")
	if youTubeHosts[strings.TrimPrefix(strings.ToLower(host), "www.")] {
		return "https://" + raw
	}
	return raw
}

func isHTTP(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// isLocalFile accepts path-like input naming a regular file: absolute, or
// relative with an explicit "./" or "../". Bare words stay search queries
// even when a file of that name exists.
func isLocalFile(raw string) bool {
	if isHTTP(raw) || !isPathLike(raw) {
		return false
	}
	fi, err := os.Stat(raw)
	return err == nil && fi.Mode().IsRegular()
}

func isPathLike(raw string) bool {
	if filepath.IsAbs(raw) {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(raw, "."+sep) || strings.HasPrefix(raw, ".."+sep) ||
		strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../")
}

// normaliseURL lower-cases scheme and host and drops the fragment.
func normaliseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// IsPlaylist reports whether raw is a YouTube URL carrying a playlist that
// [Resolver.Expand] should turn into single locators. A watch URL with a list
// parameter counts as the whole playlist.
func IsPlaylist(raw string) bool {
	raw = withScheme(raw)
	if !isHTTP(raw) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !youTubeHosts[strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")] {
		return false
	}
	return u.Query().Get("list") != ""
}
