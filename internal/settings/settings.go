// Package settings keeps user preferences. Values are opaque JSON documents copied
// through backups and exports untouched; only the theme key has meaning to the core.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"PakningChat/internal/chaterr"
	"PakningChat/internal/storage"
)

const (
	KeyTheme = "theme"

	ThemeDark  = "dark"
	ThemeLight = "light"
)

// Values maps a setting name to its raw JSON value
type Values map[string]json.RawMessage

// Clone returns a deep copy
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, raw := range v {
		out[k] = append(json.RawMessage(nil), raw...)
	}
	return out
}

// Store holds settings in memory and writes through to storage on every change
type Store struct {
	mu     sync.RWMutex
	values Values
	store  storage.Storage
	logger *slog.Logger
}

// New returns an empty settings store
func New(s storage.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{values: Values{}, store: s, logger: logger}
}

// Load reads persisted settings. A missing key leaves the store empty.
func (s *Store) Load() error {
	data, err := s.store.Get(storage.KeySettings)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return chaterr.Persistence("load settings", err)
	}
	var values Values
	if err := json.Unmarshal(data, &values); err != nil {
		return chaterr.Persistence("load settings", fmt.Errorf("failed to decode settings: %w", err))
	}
	if values == nil {
		// a stored null
		values = Values{}
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Get returns the value for key as text: JSON strings are unquoted, any other
// value is returned as its JSON encoding.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, true
	}
	return string(raw), true
}

// Set stores value as a JSON string and persists. Persist failures are logged, not returned.
func (s *Store) Set(key, value string) {
	raw, _ := json.Marshal(value)
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	s.persist()
}

// Theme returns the configured theme, dark by default
func (s *Store) Theme() string {
	if v, ok := s.Get(KeyTheme); ok && v == ThemeLight {
		return ThemeLight
	}
	return ThemeDark
}

// ToggleTheme flips between dark and light and returns the new theme
func (s *Store) ToggleTheme() string {
	next := ThemeLight
	if s.Theme() == ThemeLight {
		next = ThemeDark
	}
	s.Set(KeyTheme, next)
	return next
}

// All returns a copy of every setting
func (s *Store) All() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Clone()
}

// Replace swaps in a full settings map, as restore and import do
func (s *Store) Replace(values Values) {
	next := values.Clone()
	if next == nil {
		next = Values{}
	}
	s.mu.Lock()
	s.values = next
	s.mu.Unlock()
	s.persist()
}

func (s *Store) persist() {
	s.mu.RLock()
	data, err := json.Marshal(s.values)
	s.mu.RUnlock()
	if err == nil {
		err = s.store.Set(storage.KeySettings, data)
	}
	if err != nil {
		s.logger.Warn("failed to persist settings", "error", chaterr.Persistence("persist settings", err))
	}
}
