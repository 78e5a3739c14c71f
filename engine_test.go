package convo

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/persist"
	"github.com/aixgo-dev/convo/pkg/session"
)

func replyTransport(words ...string) generation.Transport {
	return generation.TransportFunc(func(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
		var b strings.Builder
		for _, w := range words {
			b.WriteString(`data: {"content":"` + w + `"}` + "\n\n")
		}
		b.WriteString("data: [DONE]\n\n")
		return io.NopCloser(strings.NewReader(b.String())), nil
	})
}

// blockingTransport streams nothing until the generation is cancelled.
func blockingTransport() generation.Transport {
	return generation.TransportFunc(func(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			<-ctx.Done()
			_ = pw.CloseWithError(context.Cause(ctx))
		}()
		return pr, nil
	})
}

func newTestEngine(t *testing.T, tr generation.Transport, remote persist.RemoteStore) *Engine {
	t.Helper()
	e, err := New(Options{
		Transport:        tr,
		Remote:           remote,
		ThrottleInterval: -1,
		Debounce:         10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Transport: replyTransport(), Autosave: "bogus"})
	assert.Error(t, err)
}

func TestEngine_SendSavesAfterCompletion(t *testing.T) {
	remote := persist.NewMemoryStore()
	e := newTestEngine(t, replyTransport("Hi", "!"), remote)

	h, err := e.Send(context.Background(), "Hello there")
	require.NoError(t, err)
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Hi!", res.Content)

	require.Eventually(t, func() bool { return remote.SaveCount() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := e.Active().ID().Persistent()
	assert.True(t, ok, "active session reconciled to its server id")
	assert.Equal(t, "Hello there", e.Active().Title())
}

func TestEngine_SingleGenerationAcrossSessions(t *testing.T) {
	e := newTestEngine(t, blockingTransport(), nil)
	ctx := context.Background()

	first := e.Active()
	h, err := e.Send(ctx, "one")
	require.NoError(t, err)
	assert.True(t, e.IsGenerating())

	e.NewSession(session.CreateOptions{})
	_, err = e.Send(ctx, "two")
	assert.ErrorIs(t, err, generation.ErrAlreadyGenerating)

	e.Cancel()
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, generation.StateCancelled, res.State)
	assert.False(t, e.IsGenerating())

	msgs := first.Messages()
	require.Len(t, msgs, 1, "empty assistant placeholder removed")
	assert.Equal(t, session.RoleUser, msgs[0].Role)
}

func TestEngine_LoadRejectedWhileGenerating(t *testing.T) {
	e := newTestEngine(t, blockingTransport(), nil)

	h, err := e.Send(context.Background(), "hold")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Load(context.Background()), generation.ErrAlreadyGenerating)

	e.Cancel()
	_, _ = h.Wait()
}

func TestEngine_DeleteSessionCancelsGeneration(t *testing.T) {
	e := newTestEngine(t, blockingTransport(), nil)

	sess := e.Active()
	h, err := e.Send(context.Background(), "doomed")
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(context.Background(), sess.ID()))
	assert.Equal(t, generation.StateCancelled, h.State())
	_, err = e.Session(sess.ID())
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEngine_EditAndRegenerate(t *testing.T) {
	e := newTestEngine(t, replyTransport("ok"), nil)
	ctx := context.Background()

	for _, p := range []string{"first", "second"} {
		h, err := e.Send(ctx, p)
		require.NoError(t, err)
		_, err = h.Wait()
		require.NoError(t, err)
	}
	require.Len(t, e.Active().Messages(), 4)

	require.NoError(t, e.Edit(2, "second, edited"))
	msgs := e.Active().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "second, edited", msgs[2].Content)

	require.NoError(t, e.Delete(2))
	require.Len(t, e.Active().Messages(), 2)

	h, err := e.Regenerate(ctx, 1)
	require.NoError(t, err)
	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, generation.StateCompleted, res.State)
	msgs = e.Active().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "ok", msgs[1].Content)
}

func TestEngine_Rename(t *testing.T) {
	remote := persist.NewMemoryStore()
	e := newTestEngine(t, replyTransport("x"), remote)
	ctx := context.Background()

	sess := e.Active()
	assert.Error(t, e.Rename(ctx, sess.ID(), "   "))
	require.NoError(t, e.Rename(ctx, sess.ID(), "  Planning  "))
	assert.Equal(t, "Planning", sess.Title())

	err := e.Rename(ctx, session.TempID("temp-404"), "nope")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEngine_CloseSavesAndRejectsWork(t *testing.T) {
	remote := persist.NewMemoryStore()
	e, err := New(Options{
		Transport:        replyTransport("done"),
		Remote:           remote,
		ThrottleInterval: -1,
		Debounce:         time.Hour,
	})
	require.NoError(t, err)

	h, err := e.Send(context.Background(), "persist me")
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 1, remote.SaveCount())

	_, err = e.Send(context.Background(), "too late")
	assert.True(t, errors.Is(err, ErrClosed))
	require.NoError(t, e.Close(context.Background()))
}
