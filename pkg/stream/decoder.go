// Package stream decodes the completion event stream: raw byte chunks in,
// framed content events out. The wire format is line based:
//
//	data: {"content":"Hi"}
//	data: {"error":"rate limited","suggestions":["retry later"]}
//	data: [DONE]
//
// Blank lines, comment lines (":" prefix) and other SSE fields are ignored.
package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

const (
	dataField = "data:"
	// DoneSentinel terminates a stream.
	DoneSentinel = "[DONE]"
)

// Event is one decoded content delta.
type Event struct {
	Content string
}

// frame is the JSON payload of a data line.
type frame struct {
	Content     *string  `json:"content"`
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions"`
}

// Options configures a Decoder.
type Options struct {
	// Logger receives diagnostics for dropped frames. Default slog.Default().
	Logger *slog.Logger
	// OnProtocolError is called for every dropped frame (optional).
	OnProtocolError func(*ProtocolError)
}

// Decoder frames a chunked byte stream into events. It keeps text and line
// state across Feed calls. A Decoder is not safe for concurrent use.
type Decoder struct {
	text    TextDecoder
	line    strings.Builder
	done    bool
	logger  *slog.Logger
	onError func(*ProtocolError)
}

// NewDecoder returns a decoder.
func NewDecoder(opts Options) *Decoder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger, onError: opts.OnProtocolError}
}

// Done reports whether the sentinel, an upstream error, or Close ended the stream.
func (d *Decoder) Done() bool { return d.done }

// Feed consumes the next chunk and returns the events completed by it. A
// non-nil error is always an *UpstreamError and ends the stream. Input after
// the end is ignored.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	if d.done {
		return nil, nil
	}
	d.line.WriteString(d.text.Decode(chunk, false))
	return d.drain(false)
}

// Close flushes any unterminated final line and ends the stream.
func (d *Decoder) Close() ([]Event, error) {
	if d.done {
		return nil, nil
	}
	d.line.WriteString(d.text.Decode(nil, true))
	return d.drain(true)
}

func (d *Decoder) drain(final bool) ([]Event, error) {
	buf := d.line.String()
	d.line.Reset()

	var events []Event
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		ev, ok, err := d.parseLine(line)
		if err != nil || d.done {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	if final {
		d.done = true
		if buf == "" {
			return events, nil
		}
		ev, ok, err := d.parseLine(buf)
		if ok {
			events = append(events, ev)
		}
		return events, err
	}

	d.line.WriteString(buf)
	return events, nil
}

// parseLine handles one complete line. It sets d.done on the sentinel or an
// upstream error.
func (d *Decoder) parseLine(line string) (Event, bool, error) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return Event{}, false, nil
	}
	if !strings.HasPrefix(line, dataField) {
		return Event{}, false, nil
	}
	payload := strings.TrimPrefix(strings.TrimPrefix(line, dataField), " ")

	if payload == DoneSentinel {
		d.done = true
		return Event{}, false, nil
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.drop(&ProtocolError{Payload: payload, Err: err})
		return Event{}, false, nil
	}
	if f.Error != "" {
		d.done = true
		return Event{}, false, &UpstreamError{Message: f.Error, Suggestions: f.Suggestions}
	}
	if f.Content == nil {
		d.drop(&ProtocolError{Payload: payload, Err: errors.New("frame has neither content nor error")})
		return Event{}, false, nil
	}
	if *f.Content == "" {
		return Event{}, false, nil
	}
	return Event{Content: *f.Content}, true, nil
}

func (d *Decoder) drop(perr *ProtocolError) {
	d.logger.Warn("dropping malformed stream frame", "error", perr)
	if d.onError != nil {
		d.onError(perr)
	}
}
