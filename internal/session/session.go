package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"PakningChat/internal/persona"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleDisplayCap is the number of runes shown before a title is ellipsized
const TitleDisplayCap = 30

// ClearedSentinel marks sessions left behind by an old clear-chat bug; Load drops them
const ClearedSentinel = "Cleared Chat"

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession represents a chat session
type ChatSession struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Mode     persona.ID `json:"mode"`
	Messages []Message  `json:"messages"`
	Created  time.Time  `json:"created"`
}

// Clone returns a deep copy
func (cs ChatSession) Clone() ChatSession {
	out := cs
	out.Messages = make([]Message, len(cs.Messages))
	copy(out.Messages, cs.Messages)
	return out
}

// HasUserMessage reports whether the user has sent anything in this session
func (cs ChatSession) HasUserMessage() bool {
	for _, m := range cs.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// DefaultTitle is the title of a session before its first user message
func DefaultTitle(created time.Time) string {
	return "New Chat " + created.Format("Jan 2, 03:04 PM")
}

// DisplayTitle truncates a title for display; the stored title is never changed
func DisplayTitle(title string) string {
	return truncate(title, TitleDisplayCap)
}

// TitleFromMessage derives a session title from the first user message
func TitleFromMessage(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	if flat == "" {
		return "New Chat"
	}
	return truncate(flat, TitleDisplayCap)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
