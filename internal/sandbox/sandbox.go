// Package sandbox provides the lazily loaded runtime transport: a third-party
// script running in a headless browser page that can fetch cross-origin
// resources on the caller's behalf.
package sandbox

import (
	"context"
	"net/http"
)

// Request is what the runtime's fetch capability accepts.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// Response is what the runtime's fetch capability returns. The body is
// always fully materialized.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Capability is the fetch-like entry point exposed by a loaded runtime.
type Capability interface {
	FetchLike(ctx context.Context, req *Request) (*Response, error)
}

// Loader hands out the runtime capability after a one-time load.
type Loader interface {
	// LoadOnce triggers the load if nobody has yet and reports whether the
	// runtime is usable. It never returns an error: an unusable runtime is
	// simply unavailable for the rest of the process.
	LoadOnce(ctx context.Context) bool
	// IsAvailable reports the cached load outcome without triggering a load.
	IsAvailable() bool
	// Capability returns the fetch capability, or nil when unavailable.
	Capability() Capability
}

// Bootstrapper performs the actual resource injection and readiness check
// for a MemoLoader.
type Bootstrapper interface {
	Inject(ctx context.Context) error
	Ready(ctx context.Context) (bool, error)
	Capability() Capability
}

// Disabled is a Loader for a runtime switched off by configuration.
type Disabled struct{}

func (Disabled) LoadOnce(context.Context) bool { return false }
func (Disabled) IsAvailable() bool             { return false }
func (Disabled) Capability() Capability        { return nil }

var _ Loader = Disabled{}
