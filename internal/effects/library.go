package effects

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// audioExtensions lists the file extensions picked up by a library scan.
var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".oga": true, ".opus": true,
	".flac": true, ".m4a": true, ".aac": true, ".webm": true,
}

// Sound is one file in the sound library.
type Sound struct {
	// Name is the file name without extension, as users refer to it.
	Name string `json:"name"`

	// Path is the absolute path handed to the resolver.
	Path string `json:"path"`
}

// Library is the set of effect files below a directory. Lookups accept exact
// names as well as near misses: a name that sounds like a known sound
// (Double Metaphone overlap plus Jaro-Winkler >= 0.70) or is spelled close
// to one (Jaro-Winkler >= 0.85).
//
// All methods are safe for concurrent use.
type Library struct {
	dir string

	mu     sync.RWMutex
	sounds []Sound // sorted by lower-cased name
	byName map[string]Sound
}

// NewLibrary scans dir recursively. An empty dir yields an empty library.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{dir: dir, byName: map[string]Sound{}}
	if dir == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rescans the directory and replaces the library contents.
func (l *Library) Reload() error {
	if l.dir == "" {
		return nil
	}
	root, err := filepath.Abs(l.dir)
	if err != nil {
		return fmt.Errorf("effects: resolve sound dir: %w", err)
	}

	byName := make(map[string]Sound)
	var sounds []Sound
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !audioExtensions[ext] {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		key := strings.ToLower(name)
		if prev, dup := byName[key]; dup {
			slog.Warn("effects: duplicate sound name, keeping first", "name", name, "kept", prev.Path, "ignored", path)
			return nil
		}
		s := Sound{Name: name, Path: path}
		byName[key] = s
		sounds = append(sounds, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("effects: scan %s: %w", l.dir, err)
	}
	slices.SortFunc(sounds, func(a, b Sound) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})

	l.mu.Lock()
	l.sounds, l.byName = sounds, byName
	l.mu.Unlock()
	slog.Info("effects: sound library loaded", "dir", root, "sounds", len(sounds))
	return nil
}

// List returns all sounds ordered by name.
func (l *Library) List() []Sound {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.sounds)
}

// Len returns the number of sounds.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sounds)
}

// Path returns the file path of the sound matching name.
func (l *Library) Path(name string) (string, bool) {
	s, ok := l.Lookup(name)
	return s.Path, ok
}

// Lookup finds the sound for name. Case and a trailing audio extension are
// ignored; without an exact hit the closest phonetic or fuzzy match wins.
func (l *Library) Lookup(name string) (Sound, bool) {
	key := normaliseName(name)
	if key == "" {
		return Sound{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.byName[key]; ok {
		return s, true
	}

	inputCodes := codesFor(key)
	var (
		best         Sound
		bestScore    float64
		bestPhonetic bool
	)
	for _, s := range l.sounds {
		candidate := strings.ToLower(s.Name)
		score := matchr.JaroWinkler(key, candidate, false)
		phonetic := overlaps(inputCodes, codesFor(candidate))

		switch {
		case phonetic && score >= defaultPhoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = s, score, true
			}
		case !bestPhonetic && score >= defaultFuzzyThreshold && score > bestScore:
			best, bestScore = s, score
		}
	}
	return best, best.Path != ""
}

// normaliseName lower-cases name and drops a known audio extension.
func normaliseName(name string) string {
	name = strings.TrimSpace(name)
	if ext := strings.ToLower(filepath.Ext(name)); audioExtensions[ext] {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return strings.ToLower(name)
}

// codesFor returns the Double Metaphone codes of every word in s. Words are
// split on whitespace, underscores and dashes.
func codesFor(s string) map[string]struct{} {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t'
	})
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, sec := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
