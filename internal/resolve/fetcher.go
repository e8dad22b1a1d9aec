package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/tavern/internal/cache"
)

// FetchRequest asks a [Fetcher] for one locator.
type FetchRequest struct {
	Locator Locator

	// Dir is an empty scratch directory owned by the resolver and removed
	// after decoding. Fetchers write downloads there.
	Dir string
}

// Download is a fetched file waiting to be decoded.
type Download struct {
	// Path is the file to decode. It may lie outside the scratch directory
	// for local files.
	Path string

	Meta cache.Metadata
}

// Fetcher retrieves the raw media behind a locator. A fetcher that does not
// handle the locator type returns an error wrapping [ErrUnsupported].
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Download, error)
}

// Local serves files already on disk. Only files below one of Roots are
// served; a Local without roots refuses every file.
type Local struct {
	Roots []string
}

var _ Fetcher = Local{}

// Fetch implements [Fetcher].
func (l Local) Fetch(_ context.Context, req FetchRequest) (Download, error) {
	if req.Locator.Type != SourceFile {
		return Download{}, fmt.Errorf("local: %w", ErrUnsupported)
	}
	path := req.Locator.Target
	fi, err := os.Stat(path)
	if err != nil {
		return Download{}, fmt.Errorf("local: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return Download{}, &Failure{Kind: KindUnsupported, Err: fmt.Errorf("local: %s is not a regular file: %w", path, ErrUnsupported)}
	}
	if !l.allowed(path) {
		return Download{}, &Failure{Kind: KindUnsupported, Err: fmt.Errorf("local: %s is outside the allowed directories: %w", path, ErrUnsupported)}
	}
	base := filepath.Base(path)
	return Download{
		Path: path,
		Meta: cache.Metadata{
			Locator: req.Locator.Raw,
			Title:   strings.TrimSuffix(base, filepath.Ext(base)),
		},
	}, nil
}

// allowed reports whether path, after resolving symlinks, lies below one of
// the roots.
func (l Local) allowed(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	for _, root := range l.Roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if r, err := filepath.EvalSymlinks(abs); err == nil {
			abs = r
		}
		rel, err := filepath.Rel(abs, resolved)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel) {
			return true
		}
	}
	return false
}
