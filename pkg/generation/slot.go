package generation

import (
	"errors"
	"sync"

	"github.com/aixgo-dev/convo/pkg/observability"
	"github.com/aixgo-dev/convo/pkg/session"
)

var (
	// ErrAlreadyGenerating is returned by Start while any generation is in flight.
	ErrAlreadyGenerating = errors.New("a generation is already in progress")
	// ErrGenerationInProgress is returned when a structural change targets the
	// session a generation is streaming into.
	ErrGenerationInProgress = errors.New("generation in progress for this session")
	// ErrAborted is the cancellation cause seen by transports after Cancel.
	ErrAborted = errors.New("generation aborted")
)

// State is the generation state machine:
//
//	Idle -> Requesting -> Streaming -> {Completed | Cancelled | Failed} -> Idle
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Slot is the single-flight guard shared by every component that may start
// or structurally mutate a conversation. At most one generation holds it.
type Slot struct {
	mu     sync.Mutex
	holder *session.Session
	handle *Handle
	state  State
}

// NewSlot returns an idle slot.
func NewSlot() *Slot {
	return &Slot{}
}

// State returns the state of the generation holding the slot, or StateIdle.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether any generation holds the slot.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder != nil
}

// IsGenerating reports whether a generation is streaming into sess.
func (s *Slot) IsGenerating(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder != nil && s.holder == sess
}

// Current returns the handle holding the slot, or nil.
func (s *Slot) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Exclusive runs fn while no generation can start. It fails with
// ErrGenerationInProgress if a generation already targets sess.
func (s *Slot) Exclusive(sess *session.Session, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != nil && s.holder == sess {
		return ErrGenerationInProgress
	}
	return fn()
}

// acquire claims the slot for sess and runs prepare while still holding the
// slot lock, so a failed prepare leaves nothing behind.
func (s *Slot) acquire(sess *session.Session, prepare func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != nil {
		return ErrAlreadyGenerating
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}
	s.holder = sess
	s.state = StateRequesting
	observability.SetGenerationActive(true)
	return nil
}

func (s *Slot) bind(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

func (s *Slot) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != nil {
		s.state = st
	}
}

func (s *Slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holder = nil
	s.handle = nil
	s.state = StateIdle
	observability.SetGenerationActive(false)
}
