// Package convo is the streaming conversation engine: it keeps many chat
// sessions, streams completions into one of them at a time, edits history and
// keeps everything in sync with the console's session store.
//
// A UI drives a single Engine:
//
//	eng, _ := convo.New(convo.Options{Transport: client, Remote: client})
//	h, _ := eng.Send(ctx, "Hello")
//	res, _ := h.Wait()
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/history"
	"github.com/aixgo-dev/convo/pkg/persist"
	"github.com/aixgo-dev/convo/pkg/session"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("engine is closed")

// Options configures an Engine.
type Options struct {
	// Transport opens completion streams. Required.
	Transport generation.Transport
	// Remote is the server session store. Defaults to an in-memory store.
	Remote persist.RemoteStore
	// Cache receives the session set when the remote is unreachable.
	Cache persist.LocalCache

	// Provider is the provider of new sessions (default remote).
	Provider  session.Provider
	ModelName string

	ThrottleInterval time.Duration
	WarmUp           time.Duration
	HistoryTurns     int
	ChunkSize        int

	// Debounce delays the save scheduled after each generation.
	Debounce    time.Duration
	SaveTimeout time.Duration
	// Autosave is an optional cron schedule for periodic saves.
	Autosave string

	// OnUpdate receives throttled streaming progress of every generation.
	OnUpdate func(generation.Update)
	Logger   *slog.Logger
}

// Engine wires the session registry, generation controller, history mutator
// and persistence synchronizer. It is safe for concurrent use.
type Engine struct {
	reg      *session.Registry
	slot     *generation.Slot
	ctrl     *generation.Controller
	mut      *history.Mutator
	sync     *persist.Synchronizer
	autosave *persist.Autosave

	provider session.Provider
	onUpdate func(generation.Update)
	closed   chan struct{}
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("convo: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	remote := opts.Remote
	if remote == nil {
		remote = persist.NewMemoryStore()
	}
	provider := opts.Provider
	if provider == "" {
		provider = session.ProviderRemote
	}

	e := &Engine{
		reg:      session.NewRegistry(),
		slot:     generation.NewSlot(),
		provider: provider,
		onUpdate: opts.OnUpdate,
		closed:   make(chan struct{}),
	}

	var err error
	e.sync, err = persist.NewSynchronizer(persist.Config{
		Registry:    e.reg,
		Remote:      remote,
		Cache:       opts.Cache,
		Debounce:    opts.Debounce,
		SaveTimeout: opts.SaveTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	e.ctrl, err = generation.NewController(generation.Config{
		Slot:             e.slot,
		Transport:        opts.Transport,
		ModelName:        opts.ModelName,
		ThrottleInterval: opts.ThrottleInterval,
		WarmUp:           opts.WarmUp,
		HistoryTurns:     opts.HistoryTurns,
		ChunkSize:        opts.ChunkSize,
		Logger:           logger,
		OnFinish: func(*session.Session, generation.Result, error) {
			e.sync.Schedule()
		},
	})
	if err != nil {
		return nil, err
	}
	e.mut = history.NewMutator(e.ctrl)

	if opts.Autosave != "" {
		e.autosave, err = persist.NewAutosave(e.sync, opts.Autosave)
		if err != nil {
			return nil, err
		}
		e.autosave.Start()
	}
	return e, nil
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Send submits text to the active session, creating one if none exists.
func (e *Engine) Send(ctx context.Context, text string) (*generation.Handle, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	sess := e.reg.Active()
	return e.ctrl.Start(ctx, sess, text, generation.Options{OnUpdate: e.onUpdate})
}

// Cancel stops the running generation, if any.
func (e *Engine) Cancel() {
	if h := e.slot.Current(); h != nil {
		h.Cancel()
	}
}

// IsGenerating reports whether any generation is in flight.
func (e *Engine) IsGenerating() bool { return e.slot.Busy() }

// State returns the generation state.
func (e *Engine) State() generation.State { return e.slot.State() }

// NewSession creates an empty session and makes it active.
func (e *Engine) NewSession(opts session.CreateOptions) *session.Session {
	if opts.Provider == "" {
		opts.Provider = e.provider
	}
	return e.reg.Create(opts)
}

// Active returns the active session.
func (e *Engine) Active() *session.Session { return e.reg.Active() }

// Sessions returns every session, newest first.
func (e *Engine) Sessions() []*session.Session { return e.reg.All() }

// Session returns the session with id.
func (e *Engine) Session(id session.ID) (*session.Session, error) { return e.reg.Get(id) }

// SetActive switches the active session. A running generation keeps
// streaming into its own session.
func (e *Engine) SetActive(id session.ID) error { return e.reg.SetActive(id) }

// Edit replaces the user message at index of the active session and drops
// everything after it.
func (e *Engine) Edit(index int, content string) error {
	if err := e.mut.Edit(e.reg.Active(), index, content); err != nil {
		return err
	}
	e.sync.Schedule()
	return nil
}

// Delete removes the message at index of the active session.
func (e *Engine) Delete(index int) error {
	if err := e.mut.Delete(e.reg.Active(), index); err != nil {
		return err
	}
	e.sync.Schedule()
	return nil
}

// Regenerate resubmits the prompt behind the assistant message at index of
// the active session.
func (e *Engine) Regenerate(ctx context.Context, index int) (*generation.Handle, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.mut.Regenerate(ctx, e.reg.Active(), index, generation.Options{OnUpdate: e.onUpdate})
}

// Rename retitles a session.
func (e *Engine) Rename(ctx context.Context, id session.ID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("convo: empty title")
	}
	sess, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return e.sync.Rename(ctx, sess, title)
}

// DeleteSession removes a session locally and remotely. A generation
// streaming into it is cancelled first.
func (e *Engine) DeleteSession(ctx context.Context, id session.ID) error {
	sess, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	if h := e.slot.Current(); h != nil && h.Session() == sess {
		h.Cancel()
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.sync.Forget(ctx, sess)
}

// Load replaces all sessions with the persisted set. It refuses to run while
// a generation is streaming.
func (e *Engine) Load(ctx context.Context) error {
	if e.slot.Busy() {
		return generation.ErrAlreadyGenerating
	}
	return e.sync.Load(ctx)
}

// Save persists all sessions now.
func (e *Engine) Save(ctx context.Context) error { return e.sync.Save(ctx) }

// Close cancels any generation, stops background saves and performs a final
// save.
func (e *Engine) Close(ctx context.Context) error {
	if e.isClosed() {
		return nil
	}
	close(e.closed)

	if h := e.slot.Current(); h != nil {
		h.Cancel()
		select {
		case <-h.Done():
		case <-ctx.Done():
		}
	}
	if e.autosave != nil {
		e.autosave.Stop(ctx)
	}
	e.sync.Close()
	if err := e.sync.Save(ctx); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}
