package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStoreRecordAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picture-hashes.json")
	s := NewHashStore(path)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordSnapshot("CAM001", "abc123", at))

	entry, ok := s.Get("CAM001")
	require.True(t, ok)
	assert.Equal(t, "abc123", entry.Hash)
	assert.Equal(t, "2026-03-14T12:00:00Z", entry.Datetime)
	assert.Equal(t, "2026-03-14T12:00:00Z", entry.SnapshotDatetime)

	reloaded := NewHashStore(path)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get("CAM001")
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestHashStoreEmptyHashKeepsPreviousHash(t *testing.T) {
	s := NewHashStore(filepath.Join(t.TempDir(), "picture-hashes.json"))

	first := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordSnapshot("CAM001", "abc123", first))

	// A later snapshot with no hash only refreshes the snapshot timestamp.
	second := first.Add(time.Hour)
	require.NoError(t, s.RecordSnapshot("CAM001", "", second))

	entry, _ := s.Get("CAM001")
	assert.Equal(t, "abc123", entry.Hash)
	assert.Equal(t, "2026-03-14T12:00:00Z", entry.Datetime)
	assert.Equal(t, "2026-03-14T13:00:00Z", entry.SnapshotDatetime)
}

func TestHashStorePreservesOtherSerials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picture-hashes.json")
	seed := map[string]Entry{
		"CAM001": {Hash: "old", Datetime: "2026-01-01T00:00:00Z"},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := NewHashStore(path)
	require.NoError(t, s.Load())
	require.NoError(t, s.RecordSnapshot("CAM002", "new", time.Now()))

	kept, ok := s.Get("CAM001")
	require.True(t, ok)
	assert.Equal(t, "old", kept.Hash)
}

func TestHashStoreLoadMissingFile(t *testing.T) {
	s := NewHashStore(filepath.Join(t.TempDir(), "picture-hashes.json"))
	require.NoError(t, s.Load())
	_, ok := s.Get("CAM001")
	assert.False(t, ok)
}
