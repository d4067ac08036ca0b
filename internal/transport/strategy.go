// Package transport defines the ways an outbound request can reach a remote
// card service and the per-service order in which they are tried.
package transport

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// Kind identifies how a strategy carries a request.
type Kind int

const (
	// KindDirect issues the request to the target URL as-is.
	KindDirect Kind = iota
	// KindRewrite sends the request to a relay whose URL embeds the target.
	KindRewrite
	// KindRuntime hands the request to the sandboxed runtime's fetch capability.
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRewrite:
		return "rewrite"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Strategy is one named transport. Strategies are compared by pointer
// identity and never mutated after construction.
type Strategy struct {
	Name string
	Kind Kind

	build   func(target string) string
	limiter *rate.Limiter
}

// BuildURL returns the URL the strategy should request for target, or "" when
// the strategy cannot carry it.
func (s *Strategy) BuildURL(target string) string {
	if target == "" {
		return ""
	}
	if s.build == nil {
		return target
	}
	return s.build(target)
}

// Wait blocks until the strategy's client-side rate limit admits one more
// request. Strategies without a limit return immediately.
func (s *Strategy) Wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Strategy) String() string { return s.Name }

// NewDirect returns a strategy that requests the target unchanged.
func NewDirect(name string) *Strategy {
	return &Strategy{Name: name, Kind: KindDirect}
}

// NewRuntime returns a strategy served by the sandboxed runtime.
func NewRuntime(name string) *Strategy {
	return &Strategy{Name: name, Kind: KindRuntime}
}

// NewRewrite returns a relay strategy with a custom URL builder. build must
// be pure; returning "" marks the target as unsupported.
func NewRewrite(name string, build func(target string) string) *Strategy {
	return &Strategy{Name: name, Kind: KindRewrite, build: build}
}

// NewTemplateRewrite returns a relay strategy whose URL is template with the
// query-escaped target substituted for every "{url}". A positive ratePerSecond
// installs a client-side limiter with a burst of one.
func NewTemplateRewrite(name, template string, ratePerSecond float64) *Strategy {
	s := NewRewrite(name, func(target string) string {
		return strings.ReplaceAll(template, "{url}", url.QueryEscape(target))
	})
	if ratePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return s
}

// Built-in strategies.
var (
	Direct           = NewDirect("direct")
	URLRewriteA      = NewTemplateRewrite("corsproxy_io", "https://corsproxy.io/?url={url}", 0)
	URLRewriteB      = NewTemplateRewrite("cors_lol", "https://api.cors.lol/?url={url}", 0)
	SandboxedRuntime = NewRuntime("puter")
)
