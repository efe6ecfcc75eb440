// Package snapshot renders a still image from the most recent keyframe
// fragment on session end and maintains the per-camera sidecar record.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one camera's sidecar record in picture-hashes.json.
type Entry struct {
	// Hash is the content hash of the last stored still.
	Hash string `json:"hash,omitempty"`
	// Datetime is when the hash was last updated.
	Datetime string `json:"datetime,omitempty"`
	// SnapshotDatetime is when the last live-session snapshot was written.
	SnapshotDatetime string `json:"snapshotDatetime,omitempty"`
}

// HashStore is the durable sidecar keyed by camera serial. Writes are
// atomic tmp+rename; a failed snapshot never touches the record.
type HashStore struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// NewHashStore creates a store persisting to path.
func NewHashStore(path string) *HashStore {
	return &HashStore{
		path:    path,
		entries: make(map[string]Entry),
	}
}

// Load reads the sidecar from disk. A missing file is not an error.
func (s *HashStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading picture hashes: %w", err)
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing picture hashes: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Get returns the entry for serial.
func (s *HashStore) Get(serial string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[serial]
	return e, ok
}

// RecordSnapshot stores the content hash and timestamp of a freshly
// written snapshot, preserving unrelated fields, and persists.
func (s *HashStore) RecordSnapshot(serial, hash string, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339)

	s.mu.Lock()
	entry := s.entries[serial]
	entry.SnapshotDatetime = stamp
	if hash != "" {
		entry.Hash = hash
		entry.Datetime = stamp
	}
	s.entries[serial] = entry
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persisting picture hashes: %w", err)
	}
	return nil
}

// saveLocked persists the record. Caller holds s.mu.
func (s *HashStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
