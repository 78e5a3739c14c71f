package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convo"
	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}
}

func runChat(ctx context.Context, flags *globalFlags) error {
	out := newPrinter(os.Stdout)
	a, err := bootstrap(flags, out.update)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeApp(a); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	if err := a.engine.Load(ctx); err != nil {
		a.logger.Warn("could not load sessions, starting fresh", "error", err)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil { // #nosec G304 - fixed path under the home directory
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil { // #nosec G304 - fixed path under the home directory
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	r := &repl{engine: a.engine, out: out, w: os.Stdout}
	fmt.Fprintln(r.w, "Type /help for commands.")
	for {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := r.exec(ctx, input)
		if err != nil {
			fmt.Fprintf(r.w, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".convo_history")
	}
	return filepath.Join(home, ".convo", "history")
}

// repl executes parsed commands against an engine.
type repl struct {
	engine *convo.Engine
	out    *printer
	w      io.Writer
}

func (r *repl) exec(ctx context.Context, input string) (quit bool, err error) {
	cmd, err := parseCommand(input)
	if err != nil {
		return false, err
	}

	e := r.engine
	switch cmd.name {
	case "send":
		r.out.reset()
		h, err := e.Send(ctx, cmd.text)
		if err != nil {
			return false, err
		}
		return false, r.wait(h)
	case "regen":
		r.out.reset()
		h, err := e.Regenerate(ctx, cmd.index)
		if err != nil {
			return false, err
		}
		return false, r.wait(h)
	case "help":
		fmt.Fprintln(r.w, helpText)
	case "new":
		sess := e.NewSession(session.CreateOptions{})
		fmt.Fprintf(r.w, "new session %s\n", sess.ID())
	case "sessions":
		printSessions(r.w, e.Sessions(), e.Active())
	case "switch", "drop":
		sess, err := r.sessionAt(cmd.index)
		if err != nil {
			return false, err
		}
		if cmd.name == "drop" {
			return false, e.DeleteSession(ctx, sess.ID())
		}
		return false, e.SetActive(sess.ID())
	case "rename":
		return false, e.Rename(ctx, e.Active().ID(), cmd.text)
	case "history":
		printHistory(r.w, e.Active())
	case "edit":
		return false, e.Edit(cmd.index, cmd.text)
	case "delete":
		return false, e.Delete(cmd.index)
	case "save":
		return false, e.Save(ctx)
	case "quit":
		return true, nil
	}
	return false, nil
}

func (r *repl) sessionAt(n int) (*session.Session, error) {
	all := r.engine.Sessions()
	if n < 1 || n > len(all) {
		return nil, fmt.Errorf("no session %d (have %d)", n, len(all))
	}
	return all[n-1], nil
}

// wait blocks until h finishes. Ctrl-C cancels the generation instead of
// the process.
func (r *repl) wait(h *generation.Handle) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case <-h.Done():
	case <-sig:
		h.Cancel()
	}
	_, err := h.Wait()
	return err
}
