package stream

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used by Reader.
const DefaultChunkSize = 4096

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Options
	// ChunkSize is the size of each read from the underlying reader.
	ChunkSize int
}

// Reader pulls events lazily from an io.Reader. The sequence is finite and
// cannot be restarted: once Next returns an error it keeps returning it.
type Reader struct {
	src   io.Reader
	dec   *Decoder
	buf   []byte
	queue []Event
	err   error
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader, opts ReaderOptions) *Reader {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Reader{
		src: src,
		dec: NewDecoder(opts.Options),
		buf: make([]byte, size),
	}
}

// Next returns the next event. It returns io.EOF after the sentinel or the
// end of input, an *UpstreamError when the server reported a failure, or the
// wrapped read error.
func (r *Reader) Next() (Event, error) {
	for {
		if len(r.queue) > 0 {
			ev := r.queue[0]
			r.queue = r.queue[1:]
			return ev, nil
		}
		if r.err != nil {
			return Event{}, r.err
		}
		if r.dec.Done() {
			r.err = io.EOF
			continue
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			events, ferr := r.dec.Feed(r.buf[:n])
			r.queue = append(r.queue, events...)
			if ferr != nil {
				r.err = ferr
				continue
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("read stream: %w", err)
			continue
		}
		events, ferr := r.dec.Close()
		r.queue = append(r.queue, events...)
		r.err = io.EOF
		if ferr != nil {
			r.err = ferr
		}
	}
}
