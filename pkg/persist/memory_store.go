package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aixgo-dev/convo/pkg/session"
)

// ErrRemoteNotFound is returned by MemoryStore for unknown session ids.
var ErrRemoteNotFound = errors.New("remote session not found")

// MemoryStore is an in-process RemoteStore. It backs offline mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	next     int64
	order    []int64
	sessions map[int64]session.Snapshot
	err      error
	saves    int
}

// NewMemoryStore returns an empty store. Ids start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]session.Snapshot)}
}

// SetErr makes every subsequent call fail with err, or succeed again if nil.
func (m *MemoryStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SaveCount returns the number of SaveSessions calls so far.
func (m *MemoryStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]session.Snapshot, 0, len(m.order))
	for _, id := range m.order {
		snap := m.sessions[id]
		snap.Messages = nil
		out = append(out, snap)
	}
	return out, nil
}

func (m *MemoryStore) FetchMessages(ctx context.Context, id int64) ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	snap, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRemoteNotFound, id)
	}
	return append([]session.Message(nil), snap.Messages...), nil
}

func (m *MemoryStore) SaveSessions(ctx context.Context, sessions []session.Snapshot) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return nil, m.err
	}
	ids := make([]int64, len(sessions))
	// New sessions go to the front, keeping the order they were sent in.
	var fresh []int64
	for i, snap := range sessions {
		id, ok := snap.ID.Persistent()
		if !ok {
			m.next++
			id = m.next
			fresh = append(fresh, id)
		} else if _, exists := m.sessions[id]; !exists {
			fresh = append(fresh, id)
			if id > m.next {
				m.next = id
			}
		}
		snap.ID = session.PersistentID(id)
		snap.Messages = append([]session.Message(nil), snap.Messages...)
		m.sessions[id] = snap
		ids[i] = id
	}
	m.order = append(fresh, m.order...)
	return ids, nil
}

func (m *MemoryStore) RenameSession(ctx context.Context, id int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	snap, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRemoteNotFound, id)
	}
	snap.Title = title
	m.sessions[id] = snap
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %d", ErrRemoteNotFound, id)
	}
	delete(m.sessions, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
