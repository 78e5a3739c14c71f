// Package session holds the conversation state of the assistant: sessions,
// their ordered message lists, and the registry that tracks which session is
// active and reconciles client-local identities with server-issued ones.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by a generation.
	RoleAssistant Role = "assistant"
	// RoleSystem is an engine-authored message, typically an error summary.
	RoleSystem Role = "system"
)

// Provider selects which completion backend serves a session.
type Provider string

const (
	// ProviderRemote streams completions from the console API.
	ProviderRemote Provider = "remote"
	// ProviderLocal streams completions from an OpenAI-compatible endpoint.
	ProviderLocal Provider = "local"
)

// DefaultTitle is the title of a session that has not received a prompt yet.
const DefaultTitle = "New conversation"

// tempPrefix is the prefix of every client-generated session id.
const tempPrefix = "temp-"

type idKind uint8

const (
	idInvalid idKind = iota
	idTemp
	idPersistent
)

// ID is a session identity: either a client-generated temporary id or a
// server-issued persistent id. The zero value is invalid.
type ID struct {
	kind       idKind
	temp       string
	persistent int64
}

// TempID returns a temporary session id.
func TempID(s string) ID {
	return ID{kind: idTemp, temp: s}
}

// PersistentID returns a server-issued session id.
func PersistentID(n int64) ID {
	return ID{kind: idPersistent, persistent: n}
}

// Temp returns the temporary id value and true if id is temporary.
func (id ID) Temp() (string, bool) {
	return id.temp, id.kind == idTemp
}

// Persistent returns the server id value and true if id is persistent.
func (id ID) Persistent() (int64, bool) {
	return id.persistent, id.kind == idPersistent
}

// IsTemp reports whether id has not been reconciled yet.
func (id ID) IsTemp() bool { return id.kind == idTemp }

// IsZero reports whether id is the invalid zero value.
func (id ID) IsZero() bool { return id.kind == idInvalid }

func (id ID) String() string {
	switch id.kind {
	case idTemp:
		return id.temp
	case idPersistent:
		return strconv.FormatInt(id.persistent, 10)
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes temporary ids as strings and persistent ids as numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idTemp:
		return json.Marshal(id.temp)
	case idPersistent:
		return json.Marshal(id.persistent)
	default:
		return nil, errors.New("marshal invalid session id")
	}
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal temp id: %w", err)
		}
		if s == "" {
			return errors.New("empty temp id")
		}
		*id = TempID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshal persistent id: %w", err)
	}
	*id = PersistentID(n)
	return nil
}

// tempSeq extracts the counter from ids of the form temp-<n>.
func tempSeq(s string) (uint64, bool) {
	if !strings.HasPrefix(s, tempPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, tempPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Message is a single conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"isError,omitempty"`
}
