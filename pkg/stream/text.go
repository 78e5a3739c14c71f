package stream

import (
	"strings"
	"unicode/utf8"
)

// TextDecoder decodes UTF-8 incrementally. A multi-byte character split
// across two chunks is held back until its remaining bytes arrive, so any
// fragmentation of a byte stream decodes to the same text as the whole.
type TextDecoder struct {
	pending []byte
}

// Decode returns the text decoded from chunk. When final is true any
// incomplete trailing sequence is flushed as U+FFFD.
func (d *TextDecoder) Decode(chunk []byte, final bool) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}

	cut := len(buf)
	if !final {
		cut = completePrefix(buf)
		if cut < len(buf) {
			d.pending = append([]byte(nil), buf[cut:]...)
		}
	}
	return decodeValid(buf[:cut])
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside an incomplete UTF-8 sequence.
func completePrefix(b []byte) int {
	// A sequence is at most utf8.UTFMax bytes, so only the last few bytes can
	// belong to an incomplete one.
	start := len(b) - utf8.UTFMax + 1
	if start < 0 {
		start = 0
	}
	for i := len(b) - 1; i >= start; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// decodeValid converts b to a string, replacing each invalid byte with U+FFFD.
func decodeValid(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
