package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PakningChat/internal/session"
	"PakningChat/internal/settings"
)

// ExportVersion is written into every export document
const ExportVersion = "1.0"

// ExportDocument is the file a user downloads or uploads
type ExportDocument struct {
	Chats      []session.ChatSession `json:"chats"`
	Settings   settings.Values       `json:"settings"`
	ExportDate time.Time             `json:"exportDate"`
	Version    string                `json:"version"`
}

var errNoChats = errors.New("import document has no chats")

// Export serializes every session and the settings
func (m *Manager) Export() ([]byte, error) {
	chats, _ := m.sessions.Snapshot()
	doc := ExportDocument{
		Chats:      chats,
		Settings:   m.settings.All(),
		ExportDate: m.now(),
		Version:    ExportVersion,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export: %w", err)
	}
	return data, nil
}

// Import replaces the sessions with the document's chats, and the settings when the
// document carries them. Documents without chats are rejected and nothing changes.
func (m *Manager) Import(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to parse import: %w", err)
	}
	rawChats, ok := fields["chats"]
	if !ok || string(rawChats) == "null" {
		return errNoChats
	}

	var chats []session.ChatSession
	if err := json.Unmarshal(rawChats, &chats); err != nil {
		return fmt.Errorf("failed to parse imported chats: %w", err)
	}
	if err := validateChats(chats); err != nil {
		return fmt.Errorf("invalid import: %w", err)
	}

	var prefs settings.Values
	if raw, ok := fields["settings"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &prefs); err != nil {
			return fmt.Errorf("failed to parse imported settings: %w", err)
		}
	}

	m.sessions.Replace(chats, m.sessions.CurrentID())
	if prefs != nil {
		m.settings.Replace(prefs)
	}
	m.logger.Info("imported chats", "chats", len(chats), "settings", prefs != nil)
	return nil
}

// ExportMarkdown renders one session as a readable transcript
func ExportMarkdown(cs session.ChatSession) string {
	var sb strings.Builder
	sb.WriteString("# " + cs.Title + "\n\n")
	sb.WriteString("Session: " + cs.ID + "  \n")
	sb.WriteString("Mode: " + string(cs.Mode) + "  \n")
	sb.WriteString("Created: " + cs.Created.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range cs.Messages {
		var role string
		switch msg.Role {
		case session.RoleSystem:
			continue
		case session.RoleAssistant:
			role = "**Assistant**"
		default:
			role = "**User**"
		}
		sb.WriteString(role + " (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}
