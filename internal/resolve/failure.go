package resolve

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnresolvable is matched by every [*Failure] via [errors.Is].
var ErrUnresolvable = errors.New("resolve: locator could not be resolved")

// ErrUnsupported is returned by a [Fetcher] that cannot handle a locator
// type. It makes a fallback chain move on to the next fetcher.
var ErrUnsupported = errors.New("resolve: unsupported locator")

// FailureKind classifies why a locator could not be turned into PCM.
type FailureKind int

const (
	// KindNetwork covers download errors, timeouts and unavailable content.
	KindNetwork FailureKind = iota

	// KindUnsupported means no fetcher accepts the locator.
	KindUnsupported

	// KindDecode means the download succeeded but could not be decoded.
	KindDecode

	// KindCanceled means the caller gave up before the result was ready.
	KindCanceled
)

// String returns the metric label for k.
func (k FailureKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnsupported:
		return "unsupported"
	case KindDecode:
		return "decode"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Failure is the error returned by [Resolver.Resolve]. Failures are not
// retried automatically.
type Failure struct {
	Kind    FailureKind
	Locator string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("resolve %q: %s", f.Locator, f.Kind)
	}
	return fmt.Sprintf("resolve %q: %s: %v", f.Locator, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes every Failure match [ErrUnresolvable].
func (f *Failure) Is(target error) bool { return target == ErrUnresolvable }

// classify maps a fetch error onto a [Failure]. An existing Failure in the
// chain keeps its kind.
func classify(locator string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		if f.Locator == "" {
			return &Failure{Kind: f.Kind, Locator: locator, Err: f.Err}
		}
		return f
	}
	kind := KindNetwork
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, ErrUnsupported):
		kind = KindUnsupported
	}
	return &Failure{Kind: kind, Locator: locator, Err: err}
}
