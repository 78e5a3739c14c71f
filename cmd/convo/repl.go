package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

const helpText = `Commands:
  /new                 start a new session
  /sessions            list sessions
  /switch <n>          switch to session n from /sessions
  /rename <title>      rename the active session
  /drop <n>            delete session n from /sessions
  /history             show the active session with message indices
  /edit <i> <text>     replace user message i and drop what follows
  /delete <i>          delete message i
  /regen <i>           regenerate assistant message i
  /save                save now
  /quit                save and exit
Anything else is sent as a prompt. Ctrl-C cancels a streaming reply.`

var errUsage = errors.New("usage")

// command is one parsed REPL input line.
type command struct {
	name  string
	index int
	text  string
}

// parseCommand parses a REPL line. Lines not starting with "/" are prompts.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	cmd := command{name: name}

	switch name {
	case "help", "new", "sessions", "history", "save", "quit", "exit":
		if name == "exit" {
			cmd.name = "quit"
		}
		return cmd, nil
	case "rename":
		if rest == "" {
			return cmd, fmt.Errorf("%w: /rename <title>", errUsage)
		}
		cmd.text = rest
		return cmd, nil
	case "switch", "drop", "delete", "regen":
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 {
			return cmd, fmt.Errorf("%w: /%s <n>", errUsage, name)
		}
		cmd.index = i
		return cmd, nil
	case "edit":
		idx, text, _ := strings.Cut(rest, " ")
		i, err := strconv.Atoi(idx)
		text = strings.TrimSpace(text)
		if err != nil || i < 0 || text == "" {
			return cmd, fmt.Errorf("%w: /edit <i> <text>", errUsage)
		}
		cmd.index, cmd.text = i, text
		return cmd, nil
	default:
		return cmd, fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// parseID reads a session id as printed by the sessions list: a number for
// saved sessions, anything else for unsaved ones.
func parseID(s string) (session.ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return session.ID{}, errors.New("empty session id")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return session.PersistentID(n), nil
	}
	return session.TempID(s), nil
}

// printer writes streaming updates as they arrive.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed int
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

// reset prepares for a new generation.
func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = 0
}

func (p *printer) update(u generation.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(u.Content) > p.printed {
		_, _ = io.WriteString(p.w, u.Content[p.printed:])
		p.printed = len(u.Content)
	}
	if !u.Final {
		return
	}
	if p.printed > 0 {
		_, _ = io.WriteString(p.w, "\n")
	}
	switch u.State {
	case generation.StateCompleted:
		fmt.Fprintf(p.w, "[%d tokens, %.1fs", u.Stats.Tokens, u.Stats.Elapsed.Seconds())
		if u.Stats.TokensPerSecond > 0 {
			fmt.Fprintf(p.w, ", %.1f tok/s", u.Stats.TokensPerSecond)
		}
		_, _ = io.WriteString(p.w, "]\n")
	default:
		fmt.Fprintf(p.w, "[%s]\n", u.State)
	}
}

// printSessions lists sessions with their 1-based position.
func printSessions(w io.Writer, all []*session.Session, active *session.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tN\tID\tTITLE\tMESSAGES\tUPDATED")
	for i, sess := range all {
		mark := ""
		if sess == active {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", mark, i+1, sess.ID(), sess.Title(), sess.Len(),
			sess.UpdatedAt().Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

// printHistory shows the messages of sess with their indices.
func printHistory(w io.Writer, sess *session.Session) {
	fmt.Fprintf(w, "%s (%s)\n", sess.Title(), sess.ID())
	for i, m := range sess.Messages() {
		role := string(m.Role)
		if m.IsError {
			role += "!"
		}
		fmt.Fprintf(w, "%3d %-10s %s\n", i, role, m.Content)
	}
}
