package health

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/MrWong99/tavern/internal/resilience"
)

// Pinger is implemented by every cache store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store checks that the cache backend answers.
func Store(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Binary checks that an external executable can be found. An empty bin
// checks name.
func Binary(name, bin string) Checker {
	if bin == "" {
		bin = name
	}
	return Checker{Name: name, Check: func(context.Context) error {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
		return nil
	}}
}

// Fetchers reports fetchers whose circuit breaker is open. It is optional:
// an open breaker means degraded fetching, not an unready server, unless
// every fetcher is open.
func Fetchers(status func() []resilience.EntryStatus) Checker {
	return Checker{Name: "fetchers", Optional: true, Check: func(context.Context) error {
		var open []string
		entries := status()
		for _, e := range entries {
			if e.State == resilience.StateOpen {
				open = append(open, e.Name)
			}
		}
		if len(open) == 0 {
			return nil
		}
		return fmt.Errorf("circuit open: %s (%d of %d)", strings.Join(open, ", "), len(open), len(entries))
	}}
}
