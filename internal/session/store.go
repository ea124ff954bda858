package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"PakningChat/internal/chaterr"
	"PakningChat/internal/persona"
	"PakningChat/internal/storage"
)

// Store is the in-memory set of chat sessions plus the current selection.
// Every mutation is written through to storage synchronously.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*ChatSession
	currentID string
	issued    map[string]struct{}

	storage storage.Storage
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for persistence warnings
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store backed by st
func NewStore(st storage.Storage, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*ChatSession),
		issued:   make(map[string]struct{}),
		storage:  st,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession seeds a new session with the mode's system prompt and makes it current
func (s *Store) CreateSession(mode persona.ID) string {
	m := persona.Get(mode)

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now()
	id := s.newIDLocked(created)
	s.sessions[id] = &ChatSession{
		ID:       id,
		Title:    DefaultTitle(created),
		Mode:     m.ID,
		Messages: []Message{{Role: RoleSystem, Content: m.SystemPrompt, Timestamp: created}},
		Created:  created,
	}
	s.currentID = id
	s.logger.Info("created new session", "session_id", id, "mode", m.ID)
	s.persistLocked()
	return id
}

// newIDLocked builds "<unix-millis>-<8 hex>" and never hands out the same id twice
func (s *Store) newIDLocked(t time.Time) string {
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		id := fmt.Sprintf("%d-%s", t.UnixMilli(), suffix)
		if _, used := s.issued[id]; used {
			continue
		}
		if _, exists := s.sessions[id]; exists {
			continue
		}
		s.issued[id] = struct{}{}
		return id
	}
}

// SetCurrent switches the current session
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return chaterr.NotFound("set current", id)
	}
	s.currentID = id
	s.persistLocked()
	return nil
}

// CurrentID returns the current session id, empty when none is selected
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Current returns a copy of the current session
func (s *Store) Current() (ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[s.currentID]
	if !ok {
		return ChatSession{}, false
	}
	return cs.Clone(), true
}

// CurrentMode is the mode of the current session, the default mode when none is selected
func (s *Store) CurrentMode() persona.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs, ok := s.sessions[s.currentID]; ok {
		return cs.Mode
	}
	return persona.Default
}

// UpdateTitle stores the full title; unknown ids are ignored
func (s *Store) UpdateTitle(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return
	}
	cs.Title = title
	s.persistLocked()
}

// DeleteSession removes a session. Deleting the current session leaves no session selected.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return chaterr.NotFound("delete session", id)
	}
	delete(s.sessions, id)
	if s.currentID == id {
		s.currentID = ""
	}
	s.logger.Info("deleted session", "session_id", id)
	s.persistLocked()
	return nil
}

// Get returns a copy of the session with the given id
func (s *Store) Get(id string) (ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return ChatSession{}, false
	}
	return cs.Clone(), true
}

// List returns copies of all sessions, newest first
func (s *Store) List() []ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []ChatSession {
	out := make([]ChatSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		out = append(out, cs.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID > out[j].ID
		}
		return out[i].Created.After(out[j].Created)
	})
	return out
}

// MostRecent returns the id of the most recently created session
func (s *Store) MostRecent() (string, bool) {
	list := s.List()
	if len(list) == 0 {
		return "", false
	}
	return list[0].ID, true
}

// Len returns the number of sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshot returns a deep copy of every session and the current id
func (s *Store) Snapshot() ([]ChatSession, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(), s.currentID
}

// Replace swaps the whole session set, as restore and import do. A current id that does
// not refer to one of the new sessions is cleared.
func (s *Store) Replace(sessions []ChatSession, currentID string) {
	next := make(map[string]*ChatSession, len(sessions))
	for _, cs := range sessions {
		c := cs.Clone()
		repair(&c)
		next[c.ID] = &c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = next
	for id := range next {
		s.issued[id] = struct{}{}
	}
	if _, ok := next[currentID]; ok {
		s.currentID = currentID
	} else {
		s.currentID = ""
	}
	s.persistLocked()
}

// mutate applies fn to one session under the lock and persists
func (s *Store) mutate(op, id string, fn func(*ChatSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return chaterr.NotFound(op, id)
	}
	fn(cs)
	s.persistLocked()
	return nil
}

// Persist writes the full session set and the current id to storage
func (s *Store) Persist() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeLocked()
}

func (s *Store) persistLocked() {
	if err := s.writeLocked(); err != nil {
		s.logger.Warn("failed to persist sessions, keeping state in memory", "error", err)
	}
}

func (s *Store) writeLocked() error {
	data, err := json.Marshal(s.listLocked())
	if err != nil {
		return chaterr.Persistence("persist sessions", fmt.Errorf("failed to marshal sessions: %w", err))
	}
	if err := s.storage.Set(storage.KeySessions, data); err != nil {
		return chaterr.Persistence("persist sessions", err)
	}
	cur, _ := json.Marshal(s.currentID)
	if err := s.storage.Set(storage.KeyCurrentSession, cur); err != nil {
		return chaterr.Persistence("persist current session", err)
	}
	return nil
}

// Load replaces in-memory state with what storage holds. Sessions carrying the cleared
// sentinel, an empty id or a duplicate id are dropped and the cleaned set is written back.
// A missing key is an empty store.
func (s *Store) Load() error {
	data, err := s.storage.Get(storage.KeySessions)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return chaterr.Persistence("load sessions", err)
	}

	var loaded []ChatSession
	if err := json.Unmarshal(data, &loaded); err != nil {
		return chaterr.Persistence("load sessions", fmt.Errorf("failed to decode sessions: %w", err))
	}

	next := make(map[string]*ChatSession, len(loaded))
	dropped := 0
	for i := range loaded {
		cs := loaded[i]
		if cs.ID == "" || strings.Contains(cs.Title, ClearedSentinel) {
			dropped++
			continue
		}
		if _, dup := next[cs.ID]; dup {
			dropped++
			continue
		}
		repair(&cs)
		next[cs.ID] = &cs
	}

	var currentID string
	if raw, err := s.storage.Get(storage.KeyCurrentSession); err == nil {
		if err := json.Unmarshal(raw, &currentID); err != nil {
			s.logger.Warn("ignoring malformed current session id", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = next
	for id := range next {
		s.issued[id] = struct{}{}
	}
	if _, ok := next[currentID]; ok {
		s.currentID = currentID
	} else {
		s.currentID = ""
	}

	s.logger.Info("loaded sessions", "count", len(next), "dropped", dropped)
	if dropped > 0 {
		s.persistLocked()
	}
	return nil
}

// repair restores the system-prompt-first invariant on sessions from outside the store
func repair(cs *ChatSession) {
	m := persona.Get(cs.Mode)
	cs.Mode = m.ID
	if len(cs.Messages) == 0 || cs.Messages[0].Role != RoleSystem {
		sys := Message{Role: RoleSystem, Content: m.SystemPrompt, Timestamp: cs.Created}
		cs.Messages = append([]Message{sys}, cs.Messages...)
	}
	if cs.Title == "" {
		cs.Title = DefaultTitle(cs.Created)
	}
}
