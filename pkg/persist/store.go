// Package persist synchronizes the session registry with the remote session
// store and falls back to a local durable cache when the remote is
// unreachable.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/convo/pkg/session"
)

var (
	// ErrIDCountMismatch is returned when the server answers a batch save
	// with a different number of ids than sessions sent.
	ErrIDCountMismatch = errors.New("server returned wrong number of session ids")
	// ErrCacheEmpty is returned by LocalCache.Load when nothing was stored.
	ErrCacheEmpty = errors.New("local cache is empty")
)

// RemoteStore is the server-side session store.
type RemoteStore interface {
	// ListSessions returns session metadata without messages.
	ListSessions(ctx context.Context) ([]session.Snapshot, error)
	// FetchMessages returns the messages of one persisted session.
	FetchMessages(ctx context.Context, id int64) ([]session.Message, error)
	// SaveSessions upserts sessions and returns their persistent ids in the
	// order they were sent.
	SaveSessions(ctx context.Context, sessions []session.Snapshot) ([]int64, error)
	RenameSession(ctx context.Context, id int64, title string) error
	DeleteSession(ctx context.Context, id int64) error
}

// LocalCache durably stores the full session set for offline recovery.
type LocalCache interface {
	Store(ctx context.Context, sessions []session.Snapshot) error
	// Load returns ErrCacheEmpty if nothing was stored.
	Load(ctx context.Context) ([]session.Snapshot, error)
}

// PersistenceError reports a persistence failure the cache could not absorb.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
