package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Runtime record keys accepted by the store. Anything else is rejected.
const (
	KeyUsername          = "username"
	KeyPassword          = "password"
	KeyCountry           = "country"
	KeyLanguage          = "language"
	KeyTranscodingPreset = "TRANSCODING_PRESET"
	KeyTranscodingCRF    = "TRANSCODING_CRF"
	KeyVideoScale        = "VIDEO_SCALE"
	KeyFFmpegThreads     = "FFMPEG_THREADS"
	KeyShortKeyframes    = "FFMPEG_SHORT_KEYFRAMES"
	KeyLogLevel          = "LOG_LEVEL"
)

// allowedKeys is the full whitelist in stable response order.
var allowedKeys = []string{
	KeyUsername,
	KeyPassword,
	KeyCountry,
	KeyLanguage,
	KeyTranscodingPreset,
	KeyTranscodingCRF,
	KeyVideoScale,
	KeyFFmpegThreads,
	KeyShortKeyframes,
	KeyLogLevel,
}

// transcodingKeys are the keys whose change requires an encoder restart.
var transcodingKeys = map[string]bool{
	KeyTranscodingPreset: true,
	KeyTranscodingCRF:    true,
	KeyVideoScale:        true,
	KeyFFmpegThreads:     true,
	KeyShortKeyframes:    true,
}

// driverKeys are the keys whose change requires a driver reconnect.
var driverKeys = map[string]bool{
	KeyUsername: true,
	KeyPassword: true,
	KeyCountry:  true,
	KeyLanguage: true,
}

// UnknownKeyError reports a key outside the whitelist.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown config key %q", e.Key)
}

// Change describes the outcome of an Apply.
type Change struct {
	// UpdatedFields lists the keys whose stored value actually changed,
	// sorted for deterministic responses. Re-applying an identical body
	// yields an empty slice.
	UpdatedFields []string
	// Transcoding is true when an encoder-affecting key changed.
	Transcoding bool
	// Driver is true when a credential/region key changed.
	Driver bool
	// LogLevel is true when the log verbosity key changed.
	LogLevel bool
}

// Empty reports whether the change carried no effective updates.
func (c Change) Empty() bool {
	return len(c.UpdatedFields) == 0
}

// Store is the durable runtime key/value record backing GET/POST /config.
// Values are stored as strings; typed accessors parse on read. Persisted
// as flat JSON with an atomic tmp+rename, so a crashed write never leaves
// a torn file behind.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]string
	// lastSaved is the exact byte image of the most recent Save, used to
	// tell our own fsnotify echoes apart from external edits.
	lastSaved []byte

	onChange func(Change)
}

// NewStore creates a store persisting to path. The file does not need to
// exist yet; Load creates state from an empty record in that case.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "config-store")),
		values: make(map[string]string),
	}
}

// OnChange registers a callback invoked after every effective change,
// including those applied from external file edits. Must be called before
// Watch starts.
func (s *Store) OnChange(fn func(Change)) {
	s.onChange = fn
}

// AllowedKeys returns the whitelist for 400 responses.
func AllowedKeys() []string {
	out := make([]string, len(allowedKeys))
	copy(out, allowedKeys)
	return out
}

// Load reads the record from disk. A missing file is not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config record: %w", err)
	}

	values, err := decodeRecord(data)
	if err != nil {
		return fmt.Errorf("parsing config record: %w", err)
	}

	s.mu.Lock()
	s.values = values
	s.lastSaved = data
	s.mu.Unlock()

	s.logger.Debug("config record loaded", slog.Int("keys", len(values)))
	return nil
}

// Apply merges the provided updates into the record, persists, and returns
// the effective change. Unknown keys reject the whole body and leave the
// record untouched.
func (s *Store) Apply(updates map[string]json.RawMessage) (Change, error) {
	coerced := make(map[string]string, len(updates))
	for key, raw := range updates {
		if !isAllowed(key) {
			return Change{}, &UnknownKeyError{Key: key}
		}
		value, err := coerceValue(raw)
		if err != nil {
			return Change{}, fmt.Errorf("coercing value for %s: %w", key, err)
		}
		coerced[key] = value
	}

	s.mu.Lock()
	change := Change{}
	for key, value := range coerced {
		if s.values[key] == value {
			continue
		}
		s.values[key] = value
		change.UpdatedFields = append(change.UpdatedFields, key)
		switch {
		case transcodingKeys[key]:
			change.Transcoding = true
		case driverKeys[key]:
			change.Driver = true
		case key == KeyLogLevel:
			change.LogLevel = true
		}
	}
	sort.Strings(change.UpdatedFields)

	var saveErr error
	if !change.Empty() {
		saveErr = s.saveLocked()
	}
	s.mu.Unlock()

	if saveErr != nil {
		return change, saveErr
	}
	if !change.Empty() && s.onChange != nil {
		s.onChange(change)
	}
	return change, nil
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get returns the raw string value for key, or "" when unset.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// GetInt parses the value for key, falling back to def when unset or
// unparsable.
func (s *Store) GetInt(key string, def int) int {
	v := s.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool parses the value for key, falling back to def when unset or
// unparsable.
func (s *Store) GetBool(key string, def bool) bool {
	v := s.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Watch reapplies external edits of the record file until ctx is done.
// Writes performed through Apply are recognized by content and skipped.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}

	// Watch the directory: editors and atomic renames replace the inode.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.reloadFromDisk()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// reloadFromDisk merges an externally edited record through the same
// whitelist path as Apply.
func (s *Store) reloadFromDisk() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("reloading config record", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if bytes.Equal(data, s.lastSaved) {
		s.mu.Unlock()
		return
	}

	values, err := decodeRecord(data)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("external config edit rejected", slog.String("error", err.Error()))
		return
	}

	change := Change{}
	for key, value := range values {
		if !isAllowed(key) {
			s.logger.Warn("external config edit has unknown key", slog.String("key", key))
			continue
		}
		if s.values[key] == value {
			continue
		}
		s.values[key] = value
		change.UpdatedFields = append(change.UpdatedFields, key)
		switch {
		case transcodingKeys[key]:
			change.Transcoding = true
		case driverKeys[key]:
			change.Driver = true
		case key == KeyLogLevel:
			change.LogLevel = true
		}
	}
	sort.Strings(change.UpdatedFields)
	s.lastSaved = data
	s.mu.Unlock()

	if change.Empty() {
		return
	}
	s.logger.Info("config record reloaded from disk",
		slog.Any("updatedFields", change.UpdatedFields))
	if s.onChange != nil {
		s.onChange(change)
	}
}

// saveLocked persists the record. Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing config record: %w", err)
	}

	s.lastSaved = data
	return nil
}

func isAllowed(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// decodeRecord parses the flat JSON record, coercing every value to its
// string form.
func decodeRecord(data []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(raw))
	for key, rv := range raw {
		value, err := coerceValue(rv)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		values[key] = value
	}
	return values, nil
}

// coerceValue accepts JSON strings, numbers, and booleans, normalizing all
// of them to their string form. Clients routinely send numbers for the
// integer tunables and booleans for flags.
func coerceValue(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
