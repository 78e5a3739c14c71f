package generation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convo/pkg/session"
	"github.com/aixgo-dev/convo/pkg/stream"
)

func body(lines ...string) io.ReadCloser {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func staticTransport(lines ...string) Transport {
	return TransportFunc(func(ctx context.Context, req Request) (io.ReadCloser, error) {
		return body(lines...), nil
	})
}

// pipeTransport hands each opened stream's writer to the test.
type pipeTransport struct {
	writers chan *io.PipeWriter
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{writers: make(chan *io.PipeWriter, 1)}
}

func (p *pipeTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p.writers <- pw
	return pr, nil
}

func newTestController(t *testing.T, tr Transport) *Controller {
	t.Helper()
	c, err := NewController(Config{
		Slot:             NewSlot(),
		Transport:        tr,
		ThrottleInterval: -1,
	})
	require.NoError(t, err)
	return c
}

func newTestSession() *session.Session {
	return session.NewRegistry().Create(session.CreateOptions{})
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *updateRecorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(Config{Transport: staticTransport()})
	assert.Error(t, err)

	_, err = NewController(Config{Slot: NewSlot()})
	assert.Error(t, err)
}

func TestStart_StreamsIntoSession(t *testing.T) {
	c := newTestController(t, staticTransport(
		`data: {"content":"Hi"}`,
		`data: {"content":" there"}`,
		`data: {"content":"!"}`,
		`data: [DONE]`,
	))
	sess := newTestSession()
	rec := &updateRecorder{}

	h, err := c.Start(context.Background(), sess, "Hello", Options{OnUpdate: rec.record})
	require.NoError(t, err)

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hi there!", res.Content)
	assert.Equal(t, 3, res.Stats.Deltas)
	assert.Equal(t, 3, res.Stats.Tokens)

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)
	assert.Equal(t, "Hello", sess.Title())

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Slot().Busy())

	updates := rec.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, "Hi there!", last.Content)
	for _, u := range updates[:len(updates)-1] {
		assert.False(t, u.Final)
	}
}

func TestStart_SingleFlight(t *testing.T) {
	tr := newPipeTransport()
	c := newTestController(t, tr)
	first := newTestSession()
	other := newTestSession()

	h, err := c.Start(context.Background(), first, "one", Options{})
	require.NoError(t, err)
	pw := <-tr.writers

	_, err = c.Start(context.Background(), other, "two", Options{})
	assert.ErrorIs(t, err, ErrAlreadyGenerating)
	_, err = c.Start(context.Background(), first, "again", Options{})
	assert.ErrorIs(t, err, ErrAlreadyGenerating)
	assert.Equal(t, 0, other.Len())
	assert.True(t, c.Slot().IsGenerating(first))
	assert.False(t, c.Slot().IsGenerating(other))
	assert.Same(t, h, c.Slot().Current())

	_, err = pw.Write([]byte("data: [DONE]\n\n"))
	require.NoError(t, err)
	_ = pw.Close()
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)

	h2, err := c.Start(context.Background(), other, "two", Options{})
	require.NoError(t, err)
	pw = <-tr.writers
	_ = pw.Close()
	_, err = h2.Wait()
	require.NoError(t, err)
}

func TestCancel_DiscardsLateDeltas(t *testing.T) {
	tr := newPipeTransport()
	c := newTestController(t, tr)
	sess := newTestSession()

	h, err := c.Start(context.Background(), sess, "count to three", Options{})
	require.NoError(t, err)
	pw := <-tr.writers

	_, err = pw.Write([]byte(`data: {"content":"one"}` + "\n\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 2 && msgs[1].Content == "one"
	}, time.Second, 5*time.Millisecond)

	h.Cancel()
	go func() {
		_, _ = pw.Write([]byte(`data: {"content":" two"}` + "\n\n" + `data: {"content":" three"}` + "\n\n"))
		_ = pw.Close()
	}()

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "one", res.Content)

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, StateIdle, c.State())

	// Cancel after completion is a no-op.
	h.Cancel()
	assert.Equal(t, StateCancelled, h.State())
}

func TestCancel_BeforeFirstDeltaRemovesPlaceholder(t *testing.T) {
	tr := newPipeTransport()
	c := newTestController(t, tr)
	sess := newTestSession()

	h, err := c.Start(context.Background(), sess, "hello", Options{})
	require.NoError(t, err)
	<-tr.writers

	h.Cancel()
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
}

func TestCancel_TransportSeesAbortCause(t *testing.T) {
	causes := make(chan error, 1)
	tr := TransportFunc(func(ctx context.Context, req Request) (io.ReadCloser, error) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	})
	c := newTestController(t, tr)

	h, err := c.Start(context.Background(), newTestSession(), "hello", Options{})
	require.NoError(t, err)
	h.Cancel()

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.ErrorIs(t, <-causes, ErrAborted)
}

func TestStart_SkipsMalformedFrames(t *testing.T) {
	c := newTestController(t, staticTransport(
		`data: {"content":"A"}`,
		`data: {not json`,
		`data: {"content":"B"}`,
		`data: [DONE]`,
	))
	sess := newTestSession()

	h, err := c.Start(context.Background(), sess, "letters", Options{})
	require.NoError(t, err)
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "AB", sess.Messages()[1].Content)
}

func TestStart_UpstreamError(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantRoles []session.Role
		wantLast  string
	}{
		{
			name: "with partial content",
			lines: []string{
				`data: {"content":"partial"}`,
				`data: {"error":"quota exceeded","suggestions":["retry later","use local model"]}`,
			},
			wantRoles: []session.Role{session.RoleUser, session.RoleAssistant, session.RoleSystem},
			wantLast:  "Error: quota exceeded\nSuggestions: retry later; use local model",
		},
		{
			name:      "without content",
			lines:     []string{`data: {"error":"model unavailable"}`},
			wantRoles: []session.Role{session.RoleUser},
			wantLast:  "explain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, staticTransport(tt.lines...))
			sess := newTestSession()

			h, err := c.Start(context.Background(), sess, "explain", Options{})
			require.NoError(t, err)
			res, err := h.Wait()

			var up *stream.UpstreamError
			require.ErrorAs(t, err, &up)
			assert.Equal(t, StateFailed, res.State)

			msgs := sess.Messages()
			roles := make([]session.Role, len(msgs))
			for i, m := range msgs {
				roles[i] = m.Role
			}
			assert.Equal(t, tt.wantRoles, roles)
			assert.Equal(t, tt.wantLast, msgs[len(msgs)-1].Content)
			if last := msgs[len(msgs)-1]; last.Role == session.RoleSystem {
				assert.True(t, last.IsError)
			}
			assert.Equal(t, StateIdle, c.State())
		})
	}
}

func TestStart_TransportFailure(t *testing.T) {
	boom := errors.New("connection refused")
	c := newTestController(t, TransportFunc(func(ctx context.Context, req Request) (io.ReadCloser, error) {
		return nil, boom
	}))
	sess := newTestSession()

	h, err := c.Start(context.Background(), sess, "hello", Options{})
	require.NoError(t, err)
	res, err := h.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, sess.Messages(), 1)
	assert.False(t, c.Slot().Busy())
}

func TestStart_BuildsRequest(t *testing.T) {
	var got Request
	c, err := NewController(Config{
		Slot:      NewSlot(),
		ModelName: "default-model",
		Transport: TransportFunc(func(ctx context.Context, req Request) (io.ReadCloser, error) {
			got = req
			return body(`data: [DONE]`), nil
		}),
		ThrottleInterval: -1,
		HistoryTurns:     2,
	})
	require.NoError(t, err)

	sess := session.NewRegistry().Create(session.CreateOptions{KnowledgeBaseRef: "kb-7", AnalysisEnabled: true})
	require.NoError(t, sess.Update(func(st *session.Store) error {
		st.Append(session.NewMessage(session.RoleUser, "first"))
		st.Append(session.NewMessage(session.RoleAssistant, "reply"))
		failed := session.NewMessage(session.RoleSystem, "Error: boom")
		failed.IsError = true
		st.Append(failed)
		st.Append(session.NewMessage(session.RoleUser, "second"))
		return nil
	}))

	h, err := c.Start(context.Background(), sess, "third", Options{})
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	assert.Equal(t, "third", got.Query)
	assert.Equal(t, "default-model", got.ModelName)
	assert.Equal(t, "kb-7", got.KnowledgeBaseRef)
	assert.True(t, got.AnalysisEnabled)
	assert.Equal(t, sess.ID(), got.SessionID)
	assert.Equal(t, []Turn{
		{Role: session.RoleAssistant, Content: "reply"},
		{Role: session.RoleUser, Content: "second"},
	}, got.History)
}

func TestStartWith_PrepareFailureLeavesNothing(t *testing.T) {
	c := newTestController(t, staticTransport(`data: [DONE]`))
	sess := newTestSession()
	bad := errors.New("prepare failed")

	_, err := c.StartWith(context.Background(), sess, "hello", Options{}, func() error { return bad })
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 0, sess.Len())
	assert.False(t, c.Slot().Busy())
}

func TestStart_RejectsEmptyPrompt(t *testing.T) {
	c := newTestController(t, staticTransport())
	_, err := c.Start(context.Background(), newTestSession(), "   ", Options{})
	assert.Error(t, err)
	assert.False(t, c.Slot().Busy())
}

func TestOnFinish_RunsForEveryOutcome(t *testing.T) {
	finished := make(chan State, 1)
	c, err := NewController(Config{
		Slot:             NewSlot(),
		Transport:        staticTransport(`data: {"content":"ok"}`, `data: [DONE]`),
		ThrottleInterval: -1,
		OnFinish: func(sess *session.Session, res Result, err error) {
			finished <- res.State
		},
	})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), newTestSession(), "hi", Options{})
	require.NoError(t, err)

	select {
	case st := <-finished:
		assert.Equal(t, StateCompleted, st)
	case <-time.After(time.Second):
		t.Fatal("OnFinish not called")
	}
}

func TestSlot_Exclusive(t *testing.T) {
	tr := newPipeTransport()
	c := newTestController(t, tr)
	busy := newTestSession()
	idle := newTestSession()

	h, err := c.Start(context.Background(), busy, "hello", Options{})
	require.NoError(t, err)
	pw := <-tr.writers

	err = c.Slot().Exclusive(busy, func() error { return nil })
	assert.ErrorIs(t, err, ErrGenerationInProgress)

	ran := false
	err = c.Slot().Exclusive(idle, func() error { ran = true; return nil })
	assert.NoError(t, err)
	assert.True(t, ran)

	_ = pw.Close()
	_, _ = h.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestStart_ContextCancelIsCancellation(t *testing.T) {
	tr := newPipeTransport()
	c := newTestController(t, tr)
	sess := newTestSession()

	ctx, cancel := context.WithCancel(context.Background())
	h, err := c.Start(ctx, sess, "hello", Options{})
	require.NoError(t, err)
	pw := <-tr.writers
	_, err = pw.Write([]byte(`data: {"content":"partial"}` + "\n\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Stats().Deltas == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "partial", sess.Messages()[1].Content)
}
