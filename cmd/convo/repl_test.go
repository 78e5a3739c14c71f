package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convo"
	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "hello there", want: command{name: "send", text: "hello there"}},
		{line: "  /new ", want: command{name: "new"}},
		{line: "/exit", want: command{name: "quit"}},
		{line: "/rename  Trip plans ", want: command{name: "rename", text: "Trip plans"}},
		{line: "/rename", wantErr: true},
		{line: "/switch 2", want: command{name: "switch", index: 2}},
		{line: "/regen x", wantErr: true},
		{line: "/delete -1", wantErr: true},
		{line: "/edit 3 new words", want: command{name: "edit", index: 3, text: "new words"}},
		{line: "/edit 3", wantErr: true},
		{line: "/frobnicate", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	n, ok := id.Persistent()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	id, err = parseID("temp-3")
	require.NoError(t, err)
	assert.True(t, id.IsTemp())

	_, err = parseID(" ")
	assert.Error(t, err)
}

func TestPrinter_WritesIncrementally(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.update(generation.Update{Content: "Hel"})
	p.update(generation.Update{Content: "Hello"})
	p.update(generation.Update{
		Content: "Hello",
		Final:   true,
		State:   generation.StateCompleted,
		Stats:   generation.Stats{Tokens: 2, Elapsed: 1500 * time.Millisecond},
	})
	assert.Equal(t, "Hello\n[2 tokens, 1.5s]\n", buf.String())

	buf.Reset()
	p.reset()
	p.update(generation.Update{Final: true, State: generation.StateCancelled})
	assert.Equal(t, "[cancelled]\n", buf.String())
}

func TestREPL_Exec(t *testing.T) {
	tr := generation.TransportFunc(func(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: {\"content\":\"pong\"}\n\ndata: [DONE]\n\n")), nil
	})
	var buf bytes.Buffer
	out := newPrinter(&buf)
	e, err := convo.New(convo.Options{Transport: tr, ThrottleInterval: -1, OnUpdate: out.update})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	r := &repl{engine: e, out: out, w: &buf}
	ctx := context.Background()

	quit, err := r.exec(ctx, "ping")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, buf.String(), "pong")

	_, err = r.exec(ctx, "/rename Ping test")
	require.NoError(t, err)
	assert.Equal(t, "Ping test", e.Active().Title())

	_, err = r.exec(ctx, "/new")
	require.NoError(t, err)
	require.Len(t, e.Sessions(), 2)

	_, err = r.exec(ctx, "/switch 2")
	require.NoError(t, err)
	assert.Equal(t, "Ping test", e.Active().Title())

	_, err = r.exec(ctx, "/switch 9")
	assert.Error(t, err)

	_, err = r.exec(ctx, "/delete 1")
	require.NoError(t, err)
	assert.Len(t, e.Active().Messages(), 1)

	buf.Reset()
	_, err = r.exec(ctx, "/history")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ping")

	_, err = r.exec(ctx, "/drop 1")
	require.NoError(t, err)
	assert.Len(t, e.Sessions(), 1)

	quit, err = r.exec(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestPrintSessions(t *testing.T) {
	reg := session.NewRegistry()
	a := reg.Create(session.CreateOptions{Title: "alpha"})
	reg.Create(session.CreateOptions{Title: "beta"})

	var buf bytes.Buffer
	printSessions(&buf, reg.All(), a)
	out := buf.String()
	assert.Contains(t, out, "beta")
	assert.Contains(t, out, "* ")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "*"), "active marker on alpha")
}
