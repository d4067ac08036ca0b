package transport

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/cardscout/internal/config"
)

// Registry maps strategy names to strategies so chains can be expressed as
// data in configuration.
type Registry struct {
	strategies map[string]*Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]*Strategy)}
	for _, s := range []*Strategy{Direct, URLRewriteA, URLRewriteB, SandboxedRuntime} {
		r.strategies[s.Name] = s
	}
	return r
}

// NewRegistryFromConfig adds one rewrite strategy per configured relay. A relay
// named like a built-in replaces it.
func NewRegistryFromConfig(relays map[string]config.RelayConfig) (*Registry, error) {
	r := NewRegistry()
	for name, relay := range relays {
		if err := relay.Validate(); err != nil {
			return nil, fmt.Errorf("relay %q: %w", name, err)
		}
		if existing, ok := r.strategies[name]; ok && existing.Kind != KindRewrite {
			return nil, fmt.Errorf("relay %q shadows the %s strategy", name, existing.Kind)
		}
		r.strategies[name] = NewTemplateRewrite(name, relay.URLTemplate, relay.RateLimit)
	}
	return r, nil
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s *Strategy) {
	r.strategies[s.Name] = s
}

// Lookup returns the strategy with the given name.
func (r *Registry) Lookup(name string) (*Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Names lists the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain resolves names into a chain. Unknown names are an error.
func (r *Registry) Chain(names []string) (Chain, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("chain must list at least one strategy")
	}
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		chain = append(chain, s)
	}
	return chain, nil
}

// NewResolver builds a resolver from the curated chains with overrides layered
// on top. The "default" key in overrides replaces the default chain.
func (r *Registry) NewResolver(overrides map[string][]string) (*Resolver, error) {
	table, def, err := r.table(overrides)
	if err != nil {
		return nil, err
	}
	return NewResolver(table, def), nil
}

func (r *Registry) table(overrides map[string][]string) (map[string]Chain, Chain, error) {
	merged := make(map[string][]string, len(defaultChainNames)+len(overrides))
	for id, names := range defaultChainNames {
		merged[id] = names
	}
	for id, names := range overrides {
		merged[id] = names
	}

	table := make(map[string]Chain, len(merged))
	var def Chain
	for id, names := range merged {
		chain, err := r.Chain(names)
		if err != nil {
			return nil, nil, fmt.Errorf("chains.%s: %w", id, err)
		}
		if id == DefaultChainName {
			def = chain
			continue
		}
		table[id] = chain
	}
	return table, def, nil
}
