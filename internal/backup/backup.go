// Package backup keeps a bounded list of application snapshots and restores them.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PakningChat/internal/chaterr"
	"PakningChat/internal/persona"
	"PakningChat/internal/session"
	"PakningChat/internal/settings"
	"PakningChat/internal/storage"
)

// DefaultMaxBackups is the number of snapshots kept when none is configured
const DefaultMaxBackups = 10

// Backup is one point-in-time copy of sessions and settings
type Backup struct {
	Timestamp        time.Time             `json:"timestamp"`
	Chats            []session.ChatSession `json:"chats"`
	CurrentSessionID string                `json:"currentSessionId"`
	Settings         settings.Values       `json:"settings"`
}

// Header summarizes a stored backup for listing
type Header struct {
	Index     int
	Timestamp time.Time
	Chats     int
	Malformed bool
}

// Manager owns the backup list. Entries are kept raw so that one corrupt entry does
// not make the others unreadable.
type Manager struct {
	mu      sync.Mutex
	entries []json.RawMessage
	max     int

	sessions *session.Store
	settings *settings.Store
	storage  storage.Storage
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxBackups sets the ring size
func WithMaxBackups(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager with no backups loaded
func NewManager(st storage.Storage, sessions *session.Store, prefs *settings.Store, opts ...Option) *Manager {
	m := &Manager{
		max:      DefaultMaxBackups,
		sessions: sessions,
		settings: prefs,
		storage:  st,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the persisted backup list. A missing key means no backups.
func (m *Manager) Load() error {
	data, err := m.storage.Get(storage.KeyBackups)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return chaterr.Persistence("load backups", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return chaterr.Persistence("load backups", fmt.Errorf("failed to decode backups: %w", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.evictLocked()
	return nil
}

// Snapshot captures the current state, evicts the oldest entries beyond the cap and persists
func (m *Manager) Snapshot() Backup {
	chats, current := m.sessions.Snapshot()
	b := Backup{
		Timestamp:        m.now(),
		Chats:            chats,
		CurrentSessionID: current,
		Settings:         m.settings.All(),
	}

	data, err := json.Marshal(b)
	if err != nil {
		m.logger.Error("failed to encode backup", "error", err)
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, data)
	m.evictLocked()
	m.persistLocked()
	m.logger.Info("backup created", "chats", len(chats), "backups", len(m.entries))
	return b
}

func (m *Manager) evictLocked() {
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]json.RawMessage(nil), m.entries[over:]...)
	}
}

func (m *Manager) persistLocked() {
	data, err := json.Marshal(m.entries)
	if err == nil {
		err = m.storage.Set(storage.KeyBackups, data)
	}
	if err != nil {
		m.logger.Warn("failed to persist backups", "error", chaterr.Persistence("persist backups", err))
	}
}

// Run snapshots every interval until ctx is done, then takes one final snapshot.
// A non-positive interval only takes the final snapshot.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			m.Snapshot()
			return
		case <-tick:
			m.Snapshot()
		}
	}
}

// Len returns the number of stored backups
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// List returns a header per backup, oldest first
func (m *Manager) List() []Header {
	m.mu.Lock()
	entries := append([]json.RawMessage(nil), m.entries...)
	m.mu.Unlock()

	out := make([]Header, len(entries))
	for i, raw := range entries {
		b, err := decode(raw)
		if err != nil {
			out[i] = Header{Index: i, Malformed: true}
			continue
		}
		out[i] = Header{Index: i, Timestamp: b.Timestamp, Chats: len(b.Chats)}
	}
	return out
}

// Restore replaces sessions and settings with backup index (0 is the oldest). It reports
// false, changing nothing, when the index is out of range or the entry is malformed.
func (m *Manager) Restore(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.entries) {
		m.mu.Unlock()
		m.logger.Warn("backup index out of range", "index", index)
		return false
	}
	raw := m.entries[index]
	m.mu.Unlock()

	b, err := decode(raw)
	if err != nil {
		m.logger.Warn("refusing to restore malformed backup", "index", index, "error", err)
		return false
	}

	m.sessions.Replace(b.Chats, b.CurrentSessionID)
	m.settings.Replace(b.Settings)
	m.logger.Info("backup restored", "index", index, "chats", len(b.Chats), "timestamp", b.Timestamp)
	return true
}

func decode(raw json.RawMessage) (Backup, error) {
	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return Backup{}, fmt.Errorf("failed to decode backup: %w", err)
	}
	if b.Chats == nil {
		return Backup{}, errors.New("backup has no chats")
	}
	if err := validateChats(b.Chats); err != nil {
		return Backup{}, err
	}
	return b, nil
}

// validateChats rejects missing or duplicate ids and modes outside the persona table.
// An empty mode is accepted and loads as the default mode.
func validateChats(chats []session.ChatSession) error {
	seen := make(map[string]bool, len(chats))
	for i, cs := range chats {
		if cs.ID == "" {
			return fmt.Errorf("chat %d has no id", i)
		}
		if seen[cs.ID] {
			return fmt.Errorf("duplicate chat id %q", cs.ID)
		}
		seen[cs.ID] = true
		if cs.Mode != "" {
			if _, ok := persona.Lookup(cs.Mode); !ok {
				return fmt.Errorf("chat %q has unknown mode %q", cs.ID, cs.Mode)
			}
		}
	}
	return nil
}
