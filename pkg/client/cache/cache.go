// Package cache persists client-side job snapshots on disk with a TTL.
//
// Each key is one JSON file under the store directory, so state survives a
// process restart. Several processes may share a directory; Watch reports
// writes made by the others.
package cache

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default TTLs for the two logical stores.
const (
	HotTTL     = 30 * time.Minute
	SessionTTL = 24 * time.Hour
)

const (
	fileExt   = ".json"
	tmpPrefix = ".tmp-"
)

// Entry is one cached value.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status"`
	Writer    string          `json:"writer,omitempty"`
}

// Decode unmarshals the entry's data into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding cache entry: %w", err)
	}
	return nil
}

// Store is a directory of TTL-bound entries. It is safe for concurrent use.
type Store struct {
	dir string
	ttl time.Duration
	id  string

	mu  sync.Mutex
	now func() time.Time
}

// New opens (creating if needed) the store at dir.
func New(dir string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Store{dir: dir, ttl: ttl, id: newWriterID(), now: time.Now}, nil
}

// NewHotCache opens the short-lived store for in-flight job snapshots.
func NewHotCache(root string) (*Store, error) {
	return New(filepath.Join(root, "hot"), HotTTL)
}

// NewSessionCache opens the long-lived store of finished results.
func NewSessionCache(root string) (*Store, error) {
	return New(filepath.Join(root, "session"), SessionTTL)
}

func newWriterID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("pid-%d", os.Getpid())
	}
	return hex.EncodeToString(b)
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// TTL returns how long entries stay valid.
func (s *Store) TTL() time.Duration { return s.ttl }

// Save writes v under key, stamped with the current time. The write is
// atomic: readers see either the old or the new entry.
func (s *Store) Save(key, status string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(Entry{Data: data, Timestamp: s.now().UTC(), Status: status, Writer: s.id})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing cache file: %w", err)
	}
	return nil
}

// Load returns the entry for key. An expired or unreadable entry is removed
// and reported as missing.
func (s *Store) Load(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	e, err := readEntry(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("dropping unreadable cache entry", "key", key, "error", err)
			s.remove(path)
		}
		return nil, false
	}
	if s.expired(e) {
		s.remove(path)
		return nil, false
	}
	return e, true
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// ClearStale removes every expired or unreadable entry and reports how many
// were removed.
func (s *Store) ClearStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading cache dir: %w", err)
	}

	removed := 0
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		path := filepath.Join(s.dir, name)
		e, err := readEntry(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil || s.expired(e) {
			if s.remove(path) {
				removed++
			}
		}
	}
	return removed, nil
}

// Keys lists the keys currently on disk, expired or not.
func (s *Store) Keys() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}
	var keys []string
	for _, d := range dirents {
		if key, ok := keyFromFile(d.Name()); ok && !d.IsDir() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) expired(e *Entry) bool {
	return s.now().Sub(e.Timestamp) > s.ttl
}

func (s *Store) remove(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove cache entry", "path", path, "error", err)
		}
		return false
	}
	return true
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, fileForKey(key))
}

func readEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &e, nil
}

// Keys contain characters that are not portable in file names, so the file
// name is the key in unpadded URL-safe base64.
func fileForKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileExt
}

func keyFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return string(b), true
}
