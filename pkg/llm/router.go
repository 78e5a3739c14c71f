package llm

import (
	"context"
	"errors"
	"io"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

// ErrLocalNotConfigured is returned for local-provider requests when no local
// transport is set.
var ErrLocalNotConfigured = errors.New("local provider is not configured")

// Router sends each request to the transport of its session's provider.
type Router struct {
	Remote generation.Transport
	Local  generation.Transport
}

// Open implements generation.Transport.
func (r *Router) Open(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	if req.Provider == session.ProviderLocal {
		if r.Local == nil {
			return nil, ErrLocalNotConfigured
		}
		return r.Local.Open(ctx, req)
	}
	if r.Remote == nil {
		return nil, errors.New("remote provider is not configured")
	}
	return r.Remote.Open(ctx, req)
}
