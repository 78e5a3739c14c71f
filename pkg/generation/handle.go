package generation

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aixgo-dev/convo/pkg/session"
)

// charsPerToken is the divisor of the token estimate.
const charsPerToken = 4

// estimateTokens returns ceil(runes / charsPerToken).
func estimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + charsPerToken - 1) / charsPerToken
}

// Stats is the running token accounting of a generation.
type Stats struct {
	Deltas          int
	Tokens          int
	Elapsed         time.Duration
	TokensPerSecond float64
}

// Update is delivered to Options.OnUpdate, throttled. The last update of a
// generation has Final set.
type Update struct {
	Session *session.Session
	Content string
	Stats   Stats
	Final   bool
	State   State
}

// Result is the terminal outcome of a generation.
type Result struct {
	State   State
	Content string
	Stats   Stats
}

// Handle controls one in-flight generation.
type Handle struct {
	sess      *session.Session
	assistant int
	cancel    context.CancelCauseFunc
	unlink    func() bool
	warmUp    time.Duration

	mu        sync.Mutex
	cancelled bool
	content   string
	deltas    int
	tokens    int
	start     time.Time
	end       time.Time
	state     State

	done   chan struct{}
	result Result
	err    error
}

func newHandle(sess *session.Session, assistant int, cancel context.CancelCauseFunc, warmUp time.Duration) *Handle {
	return &Handle{
		sess:      sess,
		assistant: assistant,
		cancel:    cancel,
		unlink:    func() bool { return false },
		warmUp:    warmUp,
		start:     time.Now(),
		state:     StateRequesting,
		done:      make(chan struct{}),
	}
}

// Session returns the session the generation streams into.
func (h *Handle) Session() *session.Session { return h.sess }

// Cancel stops the generation. Deltas arriving after Cancel are discarded.
// Cancel is safe to call more than once and after completion.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.isFinal() {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()
	h.cancel(ErrAborted)
}

// Cancelled reports whether Cancel was observed.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Done is closed once the generation reached a terminal state and released
// the slot.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the generation finishes. A cancelled generation returns a
// nil error with Result.State == StateCancelled.
func (h *Handle) Wait() (Result, error) {
	<-h.done
	return h.result, h.err
}

// State returns the current state of this generation.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns the current token accounting.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Handle) statsLocked() Stats {
	end := h.end
	if end.IsZero() {
		end = time.Now()
	}
	elapsed := end.Sub(h.start)
	st := Stats{Deltas: h.deltas, Tokens: h.tokens, Elapsed: elapsed}
	if elapsed > h.warmUp && elapsed > 0 {
		st.TokensPerSecond = float64(h.tokens) / elapsed.Seconds()
	}
	return st
}

// apply appends delta to the assistant message unless the generation was
// cancelled. The cancellation check and the mutation happen under the same
// lock Cancel takes.
func (h *Handle) apply(delta string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false, nil
	}
	var content string
	err := h.sess.Update(func(st *session.Store) error {
		var err error
		content, err = st.AppendContent(h.assistant, delta)
		return err
	})
	if err != nil {
		return false, err
	}
	h.content = content
	h.deltas++
	h.tokens = estimateTokens(content)
	return true, nil
}

func (h *Handle) setState(st State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = st
	if h.isFinal() && h.end.IsZero() {
		h.end = time.Now()
	}
}

func (h *Handle) isFinal() bool {
	return h.state == StateCompleted || h.state == StateCancelled || h.state == StateFailed
}

func (h *Handle) snapshot() (string, Stats, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.content, h.statsLocked(), h.state
}
