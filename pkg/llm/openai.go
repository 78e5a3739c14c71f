// Package llm streams completions for the local provider from an
// OpenAI-compatible chat completion endpoint. The upstream stream is
// re-framed into the console's event wire format so the stream decoder stays
// the only decode path.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
	"github.com/aixgo-dev/convo/pkg/stream"
)

// OpenAIConfig configures an OpenAITransport.
type OpenAIConfig struct {
	// BaseURL of the OpenAI-compatible API, e.g. http://localhost:11434/v1.
	// Empty uses the public OpenAI endpoint.
	BaseURL string
	APIKey  string
	// Model is used when a request names none.
	Model string
	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
}

// OpenAITransport implements generation.Transport with go-openai.
type OpenAITransport struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAITransport returns a transport for cfg.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.Model == "" {
		return nil, errors.New("local model name is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAITransport{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Open starts a chat completion stream and returns it as event stream lines.
func (t *OpenAITransport) Open(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	model := req.ModelName
	if model == "" {
		model = t.cfg.Model
	}

	cs, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    t.messages(req),
		MaxTokens:   t.cfg.MaxTokens,
		Temperature: t.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	pr, pw := io.Pipe()
	go pump(ctx, cs, pw)
	return pr, nil
}

func (t *OpenAITransport) messages(req generation.Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if t.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: t.cfg.SystemPrompt,
		})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Query,
	})
}

type wireFrame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// pump copies the upstream stream into w as data lines and always ends it
// with the done sentinel, unless ctx is cancelled first.
func pump(ctx context.Context, cs *openai.ChatCompletionStream, w *io.PipeWriter) {
	defer func() { _ = cs.Close() }()

	for {
		resp, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			_ = writeLine(w, stream.DoneSentinel)
			_ = w.Close()
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				_ = w.CloseWithError(context.Cause(ctx))
				return
			}
			if werr := writeFrame(w, wireFrame{Error: err.Error()}); werr == nil {
				_ = writeLine(w, stream.DoneSentinel)
			}
			_ = w.Close()
			return
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := writeFrame(w, wireFrame{Content: choice.Delta.Content}); err != nil {
				// Reader closed.
				return
			}
		}
	}
}

func writeFrame(w io.Writer, f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return writeLine(w, string(data))
}

func writeLine(w io.Writer, payload string) error {
	_, err := io.WriteString(w, "data: "+payload+"\n\n")
	return err
}
