package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the ordered message list of one session. It is not safe for
// concurrent use on its own; callers reach it through Session.Update, which
// holds the session lock.
type Store struct {
	msgs []Message
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Len returns the number of messages.
func (s *Store) Len() int { return len(s.msgs) }

// At returns a copy of the message at index i.
func (s *Store) At(i int) (Message, error) {
	if i < 0 || i >= len(s.msgs) {
		return Message{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.msgs))
	}
	return s.msgs[i], nil
}

// Append adds msg to the end and returns its index.
func (s *Store) Append(msg Message) int {
	s.msgs = append(s.msgs, msg)
	return len(s.msgs) - 1
}

// AppendContent appends delta to the content of message i and returns the
// resulting content.
func (s *Store) AppendContent(i int, delta string) (string, error) {
	if i < 0 || i >= len(s.msgs) {
		return "", fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.msgs))
	}
	s.msgs[i].Content += delta
	return s.msgs[i].Content, nil
}

// SetContent replaces the content of message i.
func (s *Store) SetContent(i int, content string) error {
	if i < 0 || i >= len(s.msgs) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.msgs))
	}
	s.msgs[i].Content = content
	s.msgs[i].Timestamp = time.Now().UTC()
	return nil
}

// Truncate keeps the first n messages and discards the rest.
func (s *Store) Truncate(n int) error {
	if n < 0 || n > len(s.msgs) {
		return fmt.Errorf("%w: truncate to %d of %d", ErrIndexOutOfRange, n, len(s.msgs))
	}
	clear(s.msgs[n:])
	s.msgs = s.msgs[:n]
	return nil
}

// Remove deletes exactly the message at index i, keeping the order of the rest.
func (s *Store) Remove(i int) error {
	if i < 0 || i >= len(s.msgs) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.msgs))
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	return nil
}

// Copy returns an independent copy of all messages.
func (s *Store) Copy() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// checksum hashes the message ids and contents in order.
func (s *Store) checksum() string {
	h := sha256.New()
	for _, m := range s.msgs {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
