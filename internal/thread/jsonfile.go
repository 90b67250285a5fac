package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// JSONFileStore keeps every thread record in one JSON document mapping
// thread id to record. Each Put rewrites the whole document.
type JSONFileStore struct {
	path string
	lock *fileLock

	mu   sync.Mutex
	data map[string]*protocol.ThreadRecord
}

// OpenJSONFile loads the store at path, treating a missing file as empty.
// It takes an exclusive lock on path+".lock" for the lifetime of the store.
func OpenJSONFile(path string) (*JSONFileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("thread store: create dir: %w", err)
	}
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	s := &JSONFileStore{path: path, lock: lock, data: make(map[string]*protocol.ThreadRecord)}
	if err := s.load(); err != nil {
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *JSONFileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("thread store: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	for id, rec := range s.data {
		if rec == nil {
			return fmt.Errorf("%w: %s: null record for %q", ErrCorruptStore, s.path, id)
		}
		if rec.State == "" {
			rec.State = protocol.StateNew
		}
		if !rec.State.Valid() {
			return fmt.Errorf("%w: %s: unknown state %q for %q", ErrCorruptStore, s.path, rec.State, id)
		}
	}
	return nil
}

func (s *JSONFileStore) Get(id string) (*protocol.ThreadRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[id]
	return rec.Clone(), ok, nil
}

func (s *JSONFileStore) Put(id string, rec *protocol.ThreadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[id]
	s.data[id] = rec.Clone()
	if err := s.flush(); err != nil {
		// Keep memory consistent with disk.
		if had {
			s.data[id] = prev
		} else {
			delete(s.data, id)
		}
		return err
	}
	return nil
}

func (s *JSONFileStore) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.data))
	for id, rec := range s.data {
		entries = append(entries, Entry{ID: id, Record: rec.Clone()})
	}
	sortEntries(entries)
	return entries, nil
}

func (s *JSONFileStore) Close() error {
	s.lock.release()
	return nil
}

// flush writes the document to a temp file and renames it over the store so
// a crash mid-write never leaves a truncated store behind.
func (s *JSONFileStore) flush() error {
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("thread store: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("thread store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("thread store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("thread store: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("thread store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("thread store: rename: %w", err)
	}
	return nil
}
