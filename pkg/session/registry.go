package session

import (
	"fmt"
	"strconv"
	"sync"
)

// Registry holds all sessions in display order (newest first) and the
// active-session pointer. Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sessions   []*Session
	active     *Session
	seq        uint64
	reconciled map[string]int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		reconciled: make(map[string]int64),
	}
}

// Create starts a new empty session with a fresh temp id, prepends it and
// makes it active.
func (r *Registry) Create(opts CreateOptions) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(opts)
}

func (r *Registry) createLocked(opts CreateOptions) *Session {
	r.seq++
	s := newSession(TempID(tempPrefix+strconv.FormatUint(r.seq, 10)), opts)
	r.sessions = append([]*Session{s}, r.sessions...)
	r.active = s
	return s
}

// Active returns the active session, creating one if the registry is empty.
func (r *Registry) Active() *Session {
	r.mu.RLock()
	if a := r.active; a != nil {
		r.mu.RUnlock()
		return a
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active
	}
	if len(r.sessions) > 0 {
		r.active = r.sessions[0]
		return r.active
	}
	return r.createLocked(CreateOptions{})
}

// SetActive switches the active pointer. It does not affect any generation
// running on the previously active session.
func (r *Registry) SetActive(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.active = s
	return nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id ID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.findLocked(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (r *Registry) findLocked(id ID) *Session {
	for _, s := range r.sessions {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// All returns the sessions in registry order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove deletes the session with the given id and returns it. If it was
// active, the next session in order becomes active.
func (r *Registry) Remove(id ID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions {
		if s.ID() != id {
			continue
		}
		r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
		if r.active == s {
			r.active = nil
			if len(r.sessions) > 0 {
				r.active = r.sessions[0]
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Replace swaps the registry contents for sessions, typically after a load.
// The first session becomes active. The temp counter advances past any
// temp-<n> ids present so new ids stay unique.
func (r *Registry) Replace(sessions []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append([]*Session(nil), sessions...)
	r.active = nil
	if len(r.sessions) > 0 {
		r.active = r.sessions[0]
	}
	r.reconciled = make(map[string]int64)
	for _, s := range r.sessions {
		if t, ok := s.ID().Temp(); ok {
			if n, ok := tempSeq(t); ok && n > r.seq {
				r.seq = n
			}
		}
	}
}

// Reconcile moves the session identified by temp to the persistent id.
// Repeating a completed mapping is a no-op. Mapping temp to a different
// persistent id, or reusing a persistent id owned by another session, fails
// with ErrReconciliationConflict.
func (r *Registry) Reconcile(temp string, persistent int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.reconciled[temp]; ok {
		if prev == persistent {
			return nil
		}
		return fmt.Errorf("%w: %s already mapped to %d, not %d", ErrReconciliationConflict, temp, prev, persistent)
	}

	if owner := r.findLocked(PersistentID(persistent)); owner != nil {
		return fmt.Errorf("%w: persistent id %d already owned", ErrReconciliationConflict, persistent)
	}

	s := r.findLocked(TempID(temp))
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, temp)
	}
	s.setID(PersistentID(persistent))
	r.reconciled[temp] = persistent
	return nil
}
