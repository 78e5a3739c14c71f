package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/convo/pkg/observability"
	"github.com/aixgo-dev/convo/pkg/session"
)

const (
	// DefaultDebounce is the delay between Schedule and the save it triggers.
	DefaultDebounce = time.Second
	// DefaultSaveTimeout bounds a save started by Schedule or Autosave.
	DefaultSaveTimeout = 30 * time.Second

	fetchConcurrency = 4
)

// Config configures a Synchronizer.
type Config struct {
	Registry *session.Registry
	Remote   RemoteStore
	// Cache is optional. Without it remote failures are returned.
	Cache       LocalCache
	Debounce    time.Duration
	SaveTimeout time.Duration
	Logger      *slog.Logger
}

// Synchronizer saves and loads the registry. Save is safe to call from any
// goroutine; overlapping calls collapse into at most one trailing save.
type Synchronizer struct {
	reg         *session.Registry
	remote      RemoteStore
	cache       LocalCache
	debounce    time.Duration
	saveTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight bool
	pending  bool
	timer    *time.Timer
	closed   bool
	// saved holds the checksum of each session as of its last successful save.
	saved map[*session.Session]string
}

// NewSynchronizer returns a synchronizer.
func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("persist: registry is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("persist: remote store is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		reg:         cfg.Registry,
		remote:      cfg.Remote,
		cache:       cfg.Cache,
		debounce:    cfg.Debounce,
		saveTimeout: cfg.SaveTimeout,
		logger:      logger.With("component", "persist"),
		saved:       make(map[*session.Session]string),
	}, nil
}

// Save persists every session. A call that arrives while a save is running
// returns nil immediately and causes one more save once the current one ends.
// On remote failure the session set is written to the local cache and Save
// returns nil; a *PersistenceError is returned only if that also fails.
// Reconciliation conflicts are always returned.
func (s *Synchronizer) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.pending = true
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.mu.Unlock()

	for {
		err := s.saveOnce(ctx)

		s.mu.Lock()
		if err != nil || !s.pending {
			s.inFlight = false
			s.pending = false
			s.mu.Unlock()
			return err
		}
		s.pending = false
		s.mu.Unlock()
	}
}

func (s *Synchronizer) saveOnce(ctx context.Context) error {
	all := s.reg.All()

	var (
		targets []*session.Session
		snaps   []session.Snapshot
		sums    []string
		dirty   bool
	)
	for _, sess := range all {
		sum := sess.Checksum()
		snap := sess.Snapshot()
		// Empty drafts are not worth a server round trip.
		if snap.ID.IsTemp() && len(snap.Messages) == 0 {
			continue
		}
		if snap.ID.IsTemp() || s.savedSum(sess) != sum {
			dirty = true
		}
		targets = append(targets, sess)
		snaps = append(snaps, snap)
		sums = append(sums, sum)
	}
	if !dirty {
		observability.RecordSave("skipped")
		return nil
	}

	ids, err := s.remote.SaveSessions(ctx, snaps)
	if err != nil {
		return s.fallback(ctx, all, err)
	}
	if len(ids) != len(snaps) {
		observability.RecordSave("error")
		return fmt.Errorf("%w: sent %d, got %d", ErrIDCountMismatch, len(snaps), len(ids))
	}

	for i, snap := range snaps {
		temp, ok := snap.ID.Temp()
		if !ok {
			continue
		}
		if err := s.reg.Reconcile(temp, ids[i]); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				// Deleted locally while the save was in flight.
				s.logger.Warn("saved session no longer in registry", "temp_id", temp, "id", ids[i])
				continue
			}
			observability.RecordSave("error")
			return fmt.Errorf("reconcile %s: %w", temp, err)
		}
	}

	s.mu.Lock()
	saved := make(map[*session.Session]string, len(targets))
	for i, sess := range targets {
		saved[sess] = sums[i]
	}
	s.saved = saved
	s.mu.Unlock()

	observability.RecordSave("ok")
	s.logger.Debug("sessions saved", "count", len(snaps))
	return nil
}

func (s *Synchronizer) fallback(ctx context.Context, all []*session.Session, cause error) error {
	if s.cache == nil {
		observability.RecordSave("error")
		return &PersistenceError{Op: "save", Err: cause}
	}
	snaps := make([]session.Snapshot, len(all))
	for i, sess := range all {
		snaps[i] = sess.Snapshot()
	}
	if err := s.cache.Store(ctx, snaps); err != nil {
		observability.RecordSave("error")
		return &PersistenceError{Op: "save", Err: errors.Join(cause, err)}
	}
	observability.RecordSave("cached")
	s.logger.Warn("remote save failed, sessions cached locally", "error", cause, "count", len(snaps))
	return nil
}

func (s *Synchronizer) savedSum(sess *session.Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[sess]
}

// Schedule requests a save after the debounce delay. Calls within the delay
// restart it.
func (s *Synchronizer) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.scheduled)
}

func (s *Synchronizer) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if err := s.Save(ctx); err != nil {
		s.logger.Error("scheduled save failed", "error", err)
	}
}

// Load replaces the registry with the remote session set. If the remote is
// unreachable it recovers from the local cache.
func (s *Synchronizer) Load(ctx context.Context) error {
	snaps, err := s.loadRemote(ctx)
	if err == nil {
		sessions := make([]*session.Session, len(snaps))
		saved := make(map[*session.Session]string, len(snaps))
		for i, snap := range snaps {
			sessions[i] = session.FromSnapshot(snap)
			saved[sessions[i]] = sessions[i].Checksum()
		}
		s.reg.Replace(sessions)
		s.mu.Lock()
		s.saved = saved
		s.mu.Unlock()
		s.logger.Info("sessions loaded", "count", len(sessions), "source", "remote")
		return nil
	}

	if s.cache == nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	cached, cerr := s.cache.Load(ctx)
	if cerr != nil {
		return &PersistenceError{Op: "load", Err: errors.Join(err, cerr)}
	}
	sessions := make([]*session.Session, len(cached))
	for i, snap := range cached {
		sessions[i] = session.FromSnapshot(snap)
	}
	s.reg.Replace(sessions)
	s.mu.Lock()
	s.saved = make(map[*session.Session]string)
	s.mu.Unlock()
	s.logger.Warn("remote load failed, recovered from cache", "error", err, "count", len(sessions))
	return nil
}

func (s *Synchronizer) loadRemote(ctx context.Context) ([]session.Snapshot, error) {
	list, err := s.remote.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i := range list {
		i := i
		id, ok := list[i].ID.Persistent()
		if !ok {
			continue
		}
		g.Go(func() error {
			msgs, err := s.remote.FetchMessages(gctx, id)
			if err != nil {
				return fmt.Errorf("fetch messages of %d: %w", id, err)
			}
			list[i].Messages = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return list, nil
}

// Rename retitles a session locally and remotely. Unsaved sessions are
// retitled on their next save.
func (s *Synchronizer) Rename(ctx context.Context, sess *session.Session, title string) error {
	sess.SetTitle(title)
	id, ok := sess.ID().Persistent()
	if !ok {
		s.Schedule()
		return nil
	}
	if err := s.remote.RenameSession(ctx, id, title); err != nil {
		s.logger.Warn("remote rename failed, will retry on save", "id", id, "error", err)
		s.Schedule()
		return nil
	}
	s.mu.Lock()
	if _, ok := s.saved[sess]; ok {
		s.saved[sess] = sess.Checksum()
	}
	s.mu.Unlock()
	return nil
}

// Forget removes sess from the registry and deletes it remotely when it was
// ever saved. A remote failure is returned after the local removal.
func (s *Synchronizer) Forget(ctx context.Context, sess *session.Session) error {
	if _, err := s.reg.Remove(sess.ID()); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.saved, sess)
	s.mu.Unlock()

	id, ok := sess.ID().Persistent()
	if !ok {
		return nil
	}
	if err := s.remote.DeleteSession(ctx, id); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// Close stops any pending scheduled save.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
