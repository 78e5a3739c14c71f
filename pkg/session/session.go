package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// titleRunes is the maximum title length derived from a first prompt.
const titleRunes = 30

// Session is one conversation. Sessions are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id               ID
	title            string
	provider         Provider
	knowledgeBaseRef string
	analysisEnabled  bool
	createdAt        time.Time
	updatedAt        time.Time

	store Store
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// Title overrides DefaultTitle.
	Title string
	// Provider selects the completion backend (default ProviderRemote).
	Provider Provider
	// KnowledgeBaseRef references a knowledge base used for retrieval (optional).
	KnowledgeBaseRef string
	// AnalysisEnabled turns on data analysis for the session.
	AnalysisEnabled bool
}

// Snapshot is a point-in-time copy of a session, used for persistence.
type Snapshot struct {
	ID               ID        `json:"id"`
	Title            string    `json:"title"`
	Provider         Provider  `json:"provider"`
	KnowledgeBaseRef string    `json:"knowledgeBaseRef,omitempty"`
	AnalysisEnabled  bool      `json:"analysisEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Messages         []Message `json:"messages"`
}

func newSession(id ID, opts CreateOptions) *Session {
	now := time.Now().UTC()
	title := opts.Title
	if title == "" {
		title = DefaultTitle
	}
	provider := opts.Provider
	if provider == "" {
		provider = ProviderRemote
	}
	return &Session{
		id:               id,
		title:            title,
		provider:         provider,
		knowledgeBaseRef: opts.KnowledgeBaseRef,
		analysisEnabled:  opts.AnalysisEnabled,
		createdAt:        now,
		updatedAt:        now,
	}
}

// FromSnapshot rebuilds a session from persisted state.
func FromSnapshot(snap Snapshot) *Session {
	s := newSession(snap.ID, CreateOptions{
		Title:            snap.Title,
		Provider:         snap.Provider,
		KnowledgeBaseRef: snap.KnowledgeBaseRef,
		AnalysisEnabled:  snap.AnalysisEnabled,
	})
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	if !snap.UpdatedAt.IsZero() {
		s.updatedAt = snap.UpdatedAt
	}
	s.store.msgs = append([]Message(nil), snap.Messages...)
	return s
}

// ID returns the current identity of the session.
func (s *Session) ID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Title returns the session title.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle renames the session.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	s.updatedAt = time.Now().UTC()
}

// TitleFromPrompt sets the title from prompt if the session still carries
// the default title. It reports whether the title changed.
func (s *Session) TitleFromPrompt(prompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title != DefaultTitle {
		return false
	}
	t := TruncateTitle(prompt)
	if t == "" {
		return false
	}
	s.title = t
	s.updatedAt = time.Now().UTC()
	return true
}

// TruncateTitle collapses whitespace in prompt and cuts it to a short title.
func TruncateTitle(prompt string) string {
	t := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(t) <= titleRunes {
		return t
	}
	r := []rune(t)
	return string(r[:titleRunes]) + "..."
}

// Provider returns the completion backend of the session.
func (s *Session) Provider() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// KnowledgeBaseRef returns the knowledge base reference, or "" if unset.
func (s *Session) KnowledgeBaseRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.knowledgeBaseRef
}

// AnalysisEnabled reports whether data analysis is on.
func (s *Session) AnalysisEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analysisEnabled
}

// UpdatedAt returns the last modification time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Messages returns a copy of the message list.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Copy()
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Len()
}

// View runs fn with read access to the message store.
func (s *Session) View(fn func(st *Store)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.store)
}

// Update runs fn with exclusive access to the message store and bumps the
// modification time when fn succeeds.
func (s *Session) Update(fn func(st *Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.store); err != nil {
		return err
	}
	s.updatedAt = time.Now().UTC()
	return nil
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:               s.id,
		Title:            s.title,
		Provider:         s.provider,
		KnowledgeBaseRef: s.knowledgeBaseRef,
		AnalysisEnabled:  s.analysisEnabled,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
		Messages:         s.store.Copy(),
	}
}

// Checksum hashes the title and messages. Two sessions with equal checksums
// persist to the same content.
func (s *Session) Checksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := sha256.New()
	h.Write([]byte(s.title))
	h.Write([]byte{0})
	h.Write([]byte(s.store.checksum()))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Session) setID(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}
