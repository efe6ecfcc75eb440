package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	return NewStore(path, slog.Default())
}

func raw(t *testing.T, v any) map[string]json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestStoreApplyAndSnapshot(t *testing.T) {
	s := newTestStore(t)

	change, err := s.Apply(raw(t, map[string]any{
		"username":           "user@example.com",
		"TRANSCODING_CRF":    28,
		"FFMPEG_SHORT_KEYFRAMES": true,
	}))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"username", "TRANSCODING_CRF", "FFMPEG_SHORT_KEYFRAMES"}, change.UpdatedFields)
	assert.True(t, change.Transcoding)
	assert.True(t, change.Driver)
	assert.False(t, change.LogLevel)

	snap := s.Snapshot()
	assert.Equal(t, "user@example.com", snap["username"])
	assert.Equal(t, "28", snap["TRANSCODING_CRF"])
	assert.Equal(t, 28, s.GetInt(KeyTranscodingCRF, 0))
	assert.True(t, s.GetBool(KeyShortKeyframes, false))
}

func TestStoreApplyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	body := raw(t, map[string]any{"TRANSCODING_PRESET": "ultrafast"})

	first, err := s.Apply(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"TRANSCODING_PRESET"}, first.UpdatedFields)

	second, err := s.Apply(body)
	require.NoError(t, err)
	assert.Empty(t, second.UpdatedFields)
	assert.True(t, second.Empty())
}

func TestStoreRejectsUnknownKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Apply(raw(t, map[string]any{
		"username": "user",
		"evil_key": "x",
	}))
	require.Error(t, err)

	var unknown *UnknownKeyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "evil_key", unknown.Key)

	// The whole body is rejected; nothing was stored.
	assert.Empty(t, s.Get(KeyUsername))
}

func TestStoreChangeClassification(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		value       any
		transcoding bool
		driver      bool
		logLevel    bool
	}{
		{"preset", KeyTranscodingPreset, "fast", true, false, false},
		{"scale", KeyVideoScale, "640:-2", true, false, false},
		{"threads", KeyFFmpegThreads, 2, true, false, false},
		{"password", KeyPassword, "secret", false, true, false},
		{"country", KeyCountry, "DE", false, true, false},
		{"log level", KeyLogLevel, "debug", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			change, err := s.Apply(raw(t, map[string]any{tt.key: tt.value}))
			require.NoError(t, err)
			assert.Equal(t, tt.transcoding, change.Transcoding)
			assert.Equal(t, tt.driver, change.Driver)
			assert.Equal(t, tt.logLevel, change.LogLevel)
		})
	}
}

func TestStorePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path, slog.Default())

	_, err := s.Apply(raw(t, map[string]any{
		"username":        "user",
		"TRANSCODING_CRF": 30,
	}))
	require.NoError(t, err)

	// The record is valid flat JSON on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]string
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "30", onDisk["TRANSCODING_CRF"])

	// A fresh store loads the same state.
	reloaded := NewStore(path, slog.Default())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "user", reloaded.Get(KeyUsername))
	assert.Equal(t, 30, reloaded.GetInt(KeyTranscodingCRF, 0))
}

func TestStoreOnChangeFires(t *testing.T) {
	s := newTestStore(t)

	var got []Change
	s.OnChange(func(c Change) { got = append(got, c) })

	_, err := s.Apply(raw(t, map[string]any{"language": "en"}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Driver)

	// No effective change, no callback.
	_, err = s.Apply(raw(t, map[string]any{"language": "en"}))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStoreLoadMissingFileIsFine(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())
	assert.Empty(t, s.Snapshot())
}
