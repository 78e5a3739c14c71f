// Package api is the HTTP client of the console API: the streaming chat
// completion endpoint and the session persistence endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

const (
	streamPath   = "/api/ai/chat/stream"
	sessionsPath = "/api/ai/sessions"

	// DefaultTimeout bounds every non-streaming call.
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the console origin, e.g. https://console.example.com.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client. It must not set a Timeout,
	// which would cut long completion streams.
	HTTPClient *http.Client
}

// Client talks to the console API. It implements generation.Transport and
// persist.RemoteStore.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	client  *http.Client
}

// New returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: base, token: cfg.Token, timeout: timeout, client: hc}, nil
}

// Open starts a streaming completion. The body is the raw event stream; it is
// closed when ctx is cancelled.
func (c *Client) Open(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type sessionsBatch struct {
	Sessions []session.Snapshot `json:"sessions"`
}

type idsResponse struct {
	IDs []int64 `json:"ids"`
}

type renameRequest struct {
	Title string `json:"title"`
}

// ListSessions returns session metadata.
func (c *Client) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	var out []session.Snapshot
	if err := c.do(ctx, http.MethodGet, sessionsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// FetchMessages returns the messages of session id.
func (c *Client) FetchMessages(ctx context.Context, id int64) ([]session.Message, error) {
	var out []session.Message
	if err := c.do(ctx, http.MethodGet, sessionPath(id)+"/messages", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}

// SaveSessions upserts sessions and returns their ids in the order sent.
func (c *Client) SaveSessions(ctx context.Context, sessions []session.Snapshot) ([]int64, error) {
	var out idsResponse
	if err := c.do(ctx, http.MethodPost, sessionsPath+"/batch", sessionsBatch{Sessions: sessions}, &out); err != nil {
		return nil, fmt.Errorf("save sessions: %w", err)
	}
	return out.IDs, nil
}

// RenameSession sets the title of session id.
func (c *Client) RenameSession(ctx context.Context, id int64, title string) error {
	if err := c.do(ctx, http.MethodPut, sessionPath(id), renameRequest{Title: title}, nil); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// DeleteSession removes session id.
func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping checks that the API answers the session list endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListSessions(ctx)
	return err
}

func sessionPath(id int64) string {
	return sessionsPath + "/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	u := *c.base
	u.Path = c.base.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// checkResponse closes resp.Body and returns *Error for non-2xx statuses.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
