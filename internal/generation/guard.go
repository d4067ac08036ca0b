// Package generation detects superseded asynchronous work. Each named group
// holds a counter; starting an operation bumps it, and any token issued before
// the bump is stale from then on.
package generation

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Well-known groups.
const (
	GroupSourceLoad = "sourceLoad"
	GroupRandomPick = "randomPick"
	GroupImageRetry = "imageRetry"
)

// ErrStale is returned by Check once a newer operation has begun.
var ErrStale = errors.New("superseded by a newer operation")

// Token identifies one logical operation within a group.
type Token struct {
	Group      string
	Generation uint64
}

// Guard is safe for concurrent use. The zero value is ready to use.
type Guard struct {
	mu     sync.RWMutex
	groups map[string]*atomic.Uint64
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{}
}

// Begin starts a new operation in group and returns its token.
func (g *Guard) Begin(group string) Token {
	return Token{Group: group, Generation: g.counter(group).Add(1)}
}

// IsStale reports whether a newer operation has begun in the token's group.
func (g *Guard) IsStale(t Token) bool {
	return t.Generation != g.Current(t.Group)
}

// Check returns ErrStale when the token has been superseded.
func (g *Guard) Check(t Token) error {
	if g.IsStale(t) {
		return ErrStale
	}
	return nil
}

// Current returns the group's generation; zero before the first Begin.
func (g *Guard) Current(group string) uint64 {
	g.mu.RLock()
	c, ok := g.groups[group]
	g.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

func (g *Guard) counter(group string) *atomic.Uint64 {
	g.mu.RLock()
	c, ok := g.groups[group]
	g.mu.RUnlock()
	if ok {
		return c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.groups[group]; ok {
		return c
	}
	if g.groups == nil {
		g.groups = make(map[string]*atomic.Uint64)
	}
	c = new(atomic.Uint64)
	g.groups[group] = c
	return c
}
