// Package objecturl manages locally materialized blobs (typically fetched
// card images) behind opaque "blob:" URLs. Every handle is released exactly
// once, and never while a display slot still shows it.
package objecturl

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// URLPrefix starts every object URL issued by a Registry.
const URLPrefix = "blob:cardscout/"

var (
	// ErrRevoked is returned for URLs that were revoked or never issued.
	ErrRevoked = errors.New("object url revoked")
	// ErrHandleOwned is returned when a handle is assigned to a second slot.
	ErrHandleOwned = errors.New("handle is owned by another slot")
	// ErrSlotClosed is returned when assigning to a torn-down slot.
	ErrSlotClosed = errors.New("slot has been torn down")
)

// Blob is the content behind an object URL.
type Blob struct {
	Data        []byte
	ContentType string
}

// Registry issues and resolves object URLs. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{blobs: make(map[string]Blob)}
}

// Create stores data and returns an unowned handle to it.
func (r *Registry) Create(data []byte, contentType string) *Handle {
	url := URLPrefix + uuid.NewString()
	r.mu.Lock()
	r.blobs[url] = Blob{Data: data, ContentType: contentType}
	r.mu.Unlock()
	return &Handle{url: url, registry: r, size: len(data)}
}

// Resolve returns the blob behind url.
func (r *Registry) Resolve(url string) (Blob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blob, ok := r.blobs[url]
	if !ok {
		return Blob{}, ErrRevoked
	}
	return blob, nil
}

// Len returns the number of live object URLs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

func (r *Registry) release(url string) {
	r.mu.Lock()
	delete(r.blobs, url)
	r.mu.Unlock()
}

// Handle owns one object URL.
type Handle struct {
	url      string
	size     int
	registry *Registry

	mu      sync.Mutex
	revoked bool
	owner   *Slot
}

// URL returns the object URL, which stays stable after revocation.
func (h *Handle) URL() string { return h.url }

// Size returns the blob size in bytes.
func (h *Handle) Size() int { return h.size }

// Revoked reports whether the handle has been released.
func (h *Handle) Revoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// Revoke releases the blob. It reports whether this call did the release:
// revoking twice is a no-op, and a handle still shown by a slot is left alone
// until the slot replaces it or is torn down.
func (h *Handle) Revoke() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked || h.owner != nil {
		return false
	}
	h.revoked = true
	h.registry.release(h.url)
	return true
}
