package session

import (
	"errors"

	"PakningChat/internal/chaterr"
	"PakningChat/internal/persona"
)

var errNoCurrent = errors.New("no current session")

// Tracker manipulates the message log of the current session
type Tracker struct {
	store *Store
}

// NewTracker returns a tracker over store
func NewTracker(store *Store) *Tracker {
	return &Tracker{store: store}
}

// Init loads the store and selects the most recently created session, creating one in
// defaultMode when none exist. Load failures are logged and start from an empty store.
func (t *Tracker) Init(defaultMode persona.ID) string {
	if err := t.store.Load(); err != nil {
		t.store.logger.Warn("failed to load sessions, starting empty", "error", err)
	}
	if id, ok := t.store.MostRecent(); ok {
		// SetCurrent cannot fail for an id we just listed
		_ = t.store.SetCurrent(id)
		return id
	}
	return t.store.CreateSession(defaultMode)
}

// AppendUser appends a user turn to the current session and returns the session id.
// The first user message in a session sets its title.
func (t *Tracker) AppendUser(text string) (string, error) {
	id := t.store.CurrentID()
	if id == "" {
		return "", chaterr.New(chaterr.KindNotFound, "append user", errNoCurrent)
	}
	return id, t.AppendUserTo(id, text)
}

// AppendUserTo appends a user turn to a specific session
func (t *Tracker) AppendUserTo(id, text string) error {
	now := t.store.now()
	return t.store.mutate("append user", id, func(cs *ChatSession) {
		first := !cs.HasUserMessage()
		cs.Messages = append(cs.Messages, Message{Role: RoleUser, Content: text, Timestamp: now})
		if first {
			cs.Title = TitleFromMessage(text)
		}
	})
}

// AppendAssistant appends an assistant turn to the current session
func (t *Tracker) AppendAssistant(text string) error {
	id := t.store.CurrentID()
	if id == "" {
		return chaterr.New(chaterr.KindNotFound, "append assistant", errNoCurrent)
	}
	return t.AppendAssistantTo(id, text)
}

// AppendAssistantTo appends an assistant turn to a specific session, which need not be current
func (t *Tracker) AppendAssistantTo(id, text string) error {
	now := t.store.now()
	return t.store.mutate("append assistant", id, func(cs *ChatSession) {
		cs.Messages = append(cs.Messages, Message{Role: RoleAssistant, Content: text, Timestamp: now})
	})
}

// ResetForMode rewrites the system prompt of the current session for mode.
// Earlier turns are kept.
func (t *Tracker) ResetForMode(mode persona.ID) error {
	id := t.store.CurrentID()
	if id == "" {
		return chaterr.New(chaterr.KindNotFound, "reset for mode", errNoCurrent)
	}
	m := persona.Get(mode)
	now := t.store.now()
	return t.store.mutate("reset for mode", id, func(cs *ChatSession) {
		cs.Mode = m.ID
		sys := Message{Role: RoleSystem, Content: m.SystemPrompt, Timestamp: now}
		if len(cs.Messages) > 0 && cs.Messages[0].Role == RoleSystem {
			cs.Messages[0] = sys
			return
		}
		cs.Messages = append([]Message{sys}, cs.Messages...)
	})
}

// History returns a copy of the current session's messages
func (t *Tracker) History() []Message {
	cs, ok := t.store.Current()
	if !ok {
		return nil
	}
	return cs.Messages
}
