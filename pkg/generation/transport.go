package generation

import (
	"context"
	"io"

	"github.com/aixgo-dev/convo/pkg/session"
)

// Turn is one prior message sent as context with a completion request.
type Turn struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

// Request is the body of a streaming completion request.
type Request struct {
	Query            string           `json:"query"`
	History          []Turn           `json:"history"`
	KnowledgeBaseRef string           `json:"knowledgeBaseRef,omitempty"`
	AnalysisEnabled  bool             `json:"analysisEnabled"`
	Provider         session.Provider `json:"provider"`
	ModelName        string           `json:"modelName,omitempty"`
	SessionID        session.ID       `json:"sessionId"`
}

// Transport opens a completion stream. The returned body yields the raw
// event stream and must stop producing data once ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// buildHistory returns the last n user/assistant turns of msgs. Error and
// system messages are not sent back to the model.
func buildHistory(msgs []session.Message, n int) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError || m.Role == session.RoleSystem || m.Content == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}
