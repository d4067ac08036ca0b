package objecturl

import "sync"

// Slot is one place that displays a blob. Assigning new content releases the
// previous handle.
type Slot struct {
	Name string

	mu      sync.Mutex
	current *Handle
	closed  bool
}

// NewSlot returns an empty slot.
func NewSlot(name string) *Slot {
	return &Slot{Name: name}
}

// Current returns the handle on display, or nil.
func (s *Slot) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Assign installs h and then revokes the previously shown handle. Assigning
// the current handle again is a no-op; a nil handle just clears the slot.
func (s *Slot) Assign(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSlotClosed
	}
	if h == s.current {
		return nil
	}
	if h != nil {
		if err := h.claim(s); err != nil {
			return err
		}
	}

	prev := s.current
	s.current = h
	if prev != nil {
		prev.disown(s)
		prev.Revoke()
	}
	return nil
}

// Teardown revokes the shown handle and closes the slot. Calling it again
// does nothing.
func (s *Slot) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.current != nil {
		s.current.disown(s)
		s.current.Revoke()
		s.current = nil
	}
}

func (h *Handle) claim(s *Slot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return ErrRevoked
	}
	if h.owner != nil && h.owner != s {
		return ErrHandleOwned
	}
	h.owner = s
	return nil
}

func (h *Handle) disown(s *Slot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == s {
		h.owner = nil
	}
}
