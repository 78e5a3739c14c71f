// Package generation drives streaming completions into a session. A single
// Slot enforces that at most one generation runs anywhere at a time.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aixgo-dev/convo/internal/observability"
	"github.com/aixgo-dev/convo/pkg/session"
	"github.com/aixgo-dev/convo/pkg/stream"

	metrics "github.com/aixgo-dev/convo/pkg/observability"
)

const (
	// DefaultThrottleInterval bounds how often OnUpdate fires while streaming.
	DefaultThrottleInterval = 100 * time.Millisecond
	// DefaultWarmUp is the elapsed time before a token rate is reported.
	DefaultWarmUp = 500 * time.Millisecond
	// DefaultHistoryTurns is the number of prior messages sent as context.
	DefaultHistoryTurns = 10
)

// Config configures a Controller.
type Config struct {
	// Slot is the shared single-flight guard. Required.
	Slot *Slot
	// Transport opens completion streams. Required.
	Transport Transport
	// ModelName is sent with every request unless Options override it.
	ModelName        string
	ThrottleInterval time.Duration
	WarmUp           time.Duration
	HistoryTurns     int
	// ChunkSize overrides the stream read size.
	ChunkSize int
	Logger    *slog.Logger
	// OnFinish runs after the slot is released, for every terminal state.
	OnFinish func(sess *session.Session, res Result, err error)
}

// Options configures one generation.
type Options struct {
	// OnUpdate receives throttled progress and always a final update.
	OnUpdate func(Update)
	// ModelName overrides Config.ModelName.
	ModelName string
}

// Controller starts and runs generations.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

// NewController returns a controller. Zero durations take the defaults; a
// negative ThrottleInterval disables throttling.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Slot == nil {
		return nil, errors.New("generation: slot is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("generation: transport is required")
	}
	if cfg.ThrottleInterval == 0 {
		cfg.ThrottleInterval = DefaultThrottleInterval
	}
	if cfg.WarmUp == 0 {
		cfg.WarmUp = DefaultWarmUp
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger.With("component", "generation")}, nil
}

// Slot returns the single-flight guard.
func (c *Controller) Slot() *Slot { return c.cfg.Slot }

// State reports the system-wide generation state.
func (c *Controller) State() State { return c.cfg.Slot.State() }

// Start begins a generation of prompt into sess. It fails with
// ErrAlreadyGenerating while any generation is in flight. Cancelling ctx
// cancels the generation like Handle.Cancel.
func (c *Controller) Start(ctx context.Context, sess *session.Session, prompt string, opts Options) (*Handle, error) {
	return c.StartWith(ctx, sess, prompt, opts, nil)
}

// StartWith is Start with a prepare hook that runs after the slot is claimed
// and before the prompt is appended. If prepare fails the slot is released
// and nothing is appended.
func (c *Controller) StartWith(ctx context.Context, sess *session.Session, prompt string, opts Options, prepare func() error) (*Handle, error) {
	if sess == nil {
		return nil, errors.New("generation: nil session")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("generation: empty prompt")
	}
	if err := c.cfg.Slot.acquire(sess, prepare); err != nil {
		return nil, err
	}

	history := buildHistory(sess.Messages(), c.cfg.HistoryTurns)
	var assistant int
	_ = sess.Update(func(st *session.Store) error {
		st.Append(session.NewMessage(session.RoleUser, prompt))
		assistant = st.Append(session.NewMessage(session.RoleAssistant, ""))
		return nil
	})
	sess.TitleFromPrompt(prompt)

	model := opts.ModelName
	if model == "" {
		model = c.cfg.ModelName
	}
	snap := sess.Snapshot()
	req := Request{
		Query:            prompt,
		History:          history,
		KnowledgeBaseRef: snap.KnowledgeBaseRef,
		AnalysisEnabled:  snap.AnalysisEnabled,
		Provider:         snap.Provider,
		ModelName:        model,
		SessionID:        snap.ID,
	}

	// Only Cancel ends the stream, so every termination by the caller is seen
	// as a cancellation rather than a read failure.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := newHandle(sess, assistant, cancel, c.cfg.WarmUp)
	h.unlink = context.AfterFunc(ctx, h.Cancel)
	c.cfg.Slot.bind(h)

	go c.run(runCtx, h, req, opts)
	return h, nil
}

func (c *Controller) run(ctx context.Context, h *Handle, req Request, opts Options) {
	ctx, span := observability.StartSpan(ctx, "convo.generation", map[string]any{
		"session.id": req.SessionID.String(),
		"provider":   string(req.Provider),
		"model":      req.ModelName,
		"history":    len(req.History),
	})
	defer span.End()

	log := c.logger.With("session", req.SessionID.String())
	notify := func(final bool) {
		if opts.OnUpdate == nil {
			return
		}
		content, stats, state := h.snapshot()
		opts.OnUpdate(Update{Session: h.sess, Content: content, Stats: stats, Final: final, State: state})
	}
	thr := newThrottle(c.cfg.ThrottleInterval, notify)

	state, err := c.consume(ctx, h, req, thr, log)
	c.finish(h, state, err, thr)

	res, _ := h.Wait()
	span.SetAttribute("outcome", state.String())
	span.SetAttribute("tokens", res.Stats.Tokens)
	span.SetError(err)
	metrics.RecordGeneration(state.String(), string(req.Provider), res.Stats.Elapsed, res.Stats.Tokens)
	log.Info("generation finished", "state", state, "tokens", res.Stats.Tokens, "elapsed", res.Stats.Elapsed)

	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish(h.sess, res, err)
	}
}

// consume reads the stream until a terminal state. It never mutates the
// store after cancellation is observed.
func (c *Controller) consume(ctx context.Context, h *Handle, req Request, thr *throttle, log *slog.Logger) (State, error) {
	body, err := c.cfg.Transport.Open(ctx, req)
	if err != nil {
		if h.Cancelled() {
			return StateCancelled, nil
		}
		return StateFailed, fmt.Errorf("open completion stream: %w", err)
	}
	defer func() { _ = body.Close() }()
	// Unblock a pending read as soon as the generation is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	c.cfg.Slot.setState(StateStreaming)
	h.setState(StateStreaming)

	r := stream.NewReader(body, stream.ReaderOptions{
		ChunkSize: c.cfg.ChunkSize,
		Options: stream.Options{
			Logger:          log,
			OnProtocolError: func(*stream.ProtocolError) { metrics.RecordProtocolError() },
		},
	})

	for {
		ev, err := r.Next()
		if h.Cancelled() {
			return StateCancelled, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StateCompleted, nil
			}
			return StateFailed, err
		}

		applied, err := h.apply(ev.Content)
		if err != nil {
			return StateFailed, fmt.Errorf("apply delta: %w", err)
		}
		if !applied {
			return StateCancelled, nil
		}
		metrics.RecordDelta()
		thr.Trigger()
	}
}

// finish settles the assistant message, delivers the final update, releases
// the slot and wakes Wait.
func (c *Controller) finish(h *Handle, state State, cause error, thr *throttle) {
	h.unlink()
	_ = h.sess.Update(func(st *session.Store) error {
		msg, err := st.At(h.assistant)
		if err != nil || msg.Role != session.RoleAssistant {
			return nil
		}
		switch state {
		case StateCancelled:
			if msg.Content == "" {
				return st.Remove(h.assistant)
			}
		case StateFailed:
			if msg.Content == "" {
				return st.Remove(h.assistant)
			}
			sys := session.NewMessage(session.RoleSystem, errorSummary(cause))
			sys.IsError = true
			st.Append(sys)
		}
		return nil
	})

	h.setState(state)
	c.cfg.Slot.setState(state)
	thr.Flush()

	content, stats, _ := h.snapshot()
	h.result = Result{State: state, Content: content, Stats: stats}
	h.err = cause
	c.cfg.Slot.release()
	close(h.done)
}

// errorSummary renders err as in-conversation text with any remediation hints.
func errorSummary(err error) string {
	var up *stream.UpstreamError
	if errors.As(err, &up) {
		msg := "Error: " + up.Message
		if len(up.Suggestions) > 0 {
			msg += "\nSuggestions: " + strings.Join(up.Suggestions, "; ")
		}
		return msg
	}
	if err == nil {
		return "Error: generation failed"
	}
	return "Error: " + err.Error()
}
