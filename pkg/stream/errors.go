package stream

import (
	"fmt"
	"strings"
)

// ProtocolError describes a single frame whose payload could not be parsed.
// It never terminates a stream.
type ProtocolError struct {
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed stream frame %q: %v", truncate(e.Payload, 64), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UpstreamError is a failure reported by the completion server inside the
// stream. It terminates the stream.
type UpstreamError struct {
	Message     string
	Suggestions []string
}

func (e *UpstreamError) Error() string {
	if len(e.Suggestions) == 0 {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error: %s (suggestions: %s)", e.Message, strings.Join(e.Suggestions, "; "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
