// Package history implements structural changes to a conversation: editing a
// prompt, deleting a message and regenerating a reply. Every change runs while
// holding the generation Slot so it never interleaves with streaming into the
// same session.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/session"
)

var (
	// ErrInvalidIndex is returned for an out of range index or a message of
	// the wrong role.
	ErrInvalidIndex = errors.New("invalid message index")
	// ErrGenerationInProgress is returned when a generation streams into the
	// target session.
	ErrGenerationInProgress = generation.ErrGenerationInProgress
)

// Mutator edits conversation history.
type Mutator struct {
	ctrl *generation.Controller
}

// NewMutator returns a mutator that serializes with ctrl's slot.
func NewMutator(ctrl *generation.Controller) *Mutator {
	return &Mutator{ctrl: ctrl}
}

// Edit replaces the content of the user message at index and discards every
// later message.
func (m *Mutator) Edit(sess *session.Session, index int, content string) error {
	return m.ctrl.Slot().Exclusive(sess, func() error {
		return sess.Update(func(st *session.Store) error {
			if err := expectRole(st, index, session.RoleUser); err != nil {
				return err
			}
			if err := st.SetContent(index, content); err != nil {
				return err
			}
			return st.Truncate(index + 1)
		})
	})
}

// Delete removes exactly the message at index.
func (m *Mutator) Delete(sess *session.Session, index int) error {
	return m.ctrl.Slot().Exclusive(sess, func() error {
		return sess.Update(func(st *session.Store) error {
			if err := checkIndex(st, index); err != nil {
				return err
			}
			return st.Remove(index)
		})
	})
}

// Regenerate discards the assistant reply at index together with the user
// prompt that produced it and everything after, then resubmits that prompt as
// a new generation. History is only truncated once the generation slot is
// held, so a failed start leaves it untouched.
func (m *Mutator) Regenerate(ctx context.Context, sess *session.Session, index int, opts generation.Options) (*generation.Handle, error) {
	if m.ctrl.Slot().IsGenerating(sess) {
		return nil, ErrGenerationInProgress
	}

	var (
		prompt session.Message
		user   int
	)
	var findErr error
	sess.View(func(st *session.Store) {
		prompt, user, findErr = precedingUser(st, index)
	})
	if findErr != nil {
		return nil, findErr
	}

	prepare := func() error {
		return sess.Update(func(st *session.Store) error {
			// History may have changed between lookup and acquiring the slot.
			if msg, err := st.At(user); err != nil || msg.ID != prompt.ID || msg.Content != prompt.Content {
				return fmt.Errorf("%w: history changed before regenerate", ErrInvalidIndex)
			}
			return st.Truncate(user)
		})
	}

	h, err := m.ctrl.StartWith(ctx, sess, prompt.Content, opts, prepare)
	if errors.Is(err, generation.ErrAlreadyGenerating) && m.ctrl.Slot().IsGenerating(sess) {
		return nil, ErrGenerationInProgress
	}
	return h, err
}

// precedingUser finds the nearest user message before the assistant message
// at index.
func precedingUser(st *session.Store, index int) (session.Message, int, error) {
	if err := expectRole(st, index, session.RoleAssistant); err != nil {
		return session.Message{}, 0, err
	}
	for i := index - 1; i >= 0; i-- {
		msg, err := st.At(i)
		if err != nil {
			return session.Message{}, 0, err
		}
		if msg.Role == session.RoleUser {
			return msg, i, nil
		}
	}
	return session.Message{}, 0, fmt.Errorf("%w: no user message before %d", ErrInvalidIndex, index)
}

func checkIndex(st *session.Store, index int) error {
	if index < 0 || index >= st.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, index, st.Len())
	}
	return nil
}

func expectRole(st *session.Store, index int, role session.Role) error {
	if err := checkIndex(st, index); err != nil {
		return err
	}
	msg, _ := st.At(index)
	if msg.Role != role {
		return fmt.Errorf("%w: message %d is %s, want %s", ErrInvalidIndex, index, msg.Role, role)
	}
	return nil
}
