package completion

import (
	"PakningChat/internal/backend"
	"PakningChat/internal/session"
)

// TrimHistory keeps the leading system message plus the last window messages.
// A window of zero or less returns the history unchanged.
func TrimHistory(history []session.Message, window int) []session.Message {
	if window <= 0 {
		return history
	}
	var head []session.Message
	rest := history
	if len(history) > 0 && history[0].Role == session.RoleSystem {
		head, rest = history[:1], history[1:]
	}
	if len(rest) <= window {
		return history
	}
	out := make([]session.Message, 0, len(head)+window)
	out = append(out, head...)
	return append(out, rest[len(rest)-window:]...)
}

func toWire(history []session.Message) []backend.OpenAIMessage {
	out := make([]backend.OpenAIMessage, len(history))
	for i, m := range history {
		out[i] = backend.OpenAIMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
