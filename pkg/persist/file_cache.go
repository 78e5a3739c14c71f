package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aixgo-dev/convo/pkg/session"
)

// ErrCacheClosed is returned by a cache after Close.
var ErrCacheClosed = errors.New("cache is closed")

const cacheVersion = 1

// cacheFile is the on-disk and in-Redis envelope of the session set.
type cacheFile struct {
	Version  int                `json:"version"`
	SavedAt  time.Time          `json:"savedAt"`
	Sessions []session.Snapshot `json:"sessions"`
}

func encodeCache(sessions []session.Snapshot) ([]byte, error) {
	data, err := json.Marshal(cacheFile{
		Version:  cacheVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: sessions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sessions: %w", err)
	}
	return data, nil
}

func decodeCache(data []byte) ([]session.Snapshot, error) {
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cache: %w", err)
	}
	if f.Version != cacheVersion {
		return nil, fmt.Errorf("unsupported cache version %d", f.Version)
	}
	return f.Sessions, nil
}

// FileCache implements LocalCache as a single JSON file. Writes go through a
// temporary file and a rename so a crash never leaves a torn cache.
//
// Default location:
//
//	~/.convo/sessions.json
type FileCache struct {
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewFileCache creates a file cache at path. If path is empty, uses
// ~/.convo/sessions.json.
func NewFileCache(path string) (*FileCache, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, ".convo", "sessions.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &FileCache{path: path}, nil
}

// Path returns the cache file location.
func (f *FileCache) Path() string { return f.path }

// Store replaces the cached session set.
func (f *FileCache) Store(ctx context.Context, sessions []session.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrCacheClosed
	}

	data, err := encodeCache(sessions)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// Load returns the cached session set, or ErrCacheEmpty if none was stored.
func (f *FileCache) Load(ctx context.Context) ([]session.Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrCacheClosed
	}

	data, err := os.ReadFile(f.path) // #nosec G304 - path is fixed at construction
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheEmpty
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return decodeCache(data)
}

// Ping reports whether the cache directory is writable.
func (f *FileCache) Ping(ctx context.Context) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}

// Close marks the cache closed.
func (f *FileCache) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
