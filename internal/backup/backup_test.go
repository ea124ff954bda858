package backup

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PakningChat/internal/persona"
	"PakningChat/internal/session"
	"PakningChat/internal/settings"
	"PakningChat/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mem      *storage.Memory
	sessions *session.Store
	prefs    *settings.Store
	manager  *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	mem := storage.NewMemory()
	sessions := session.NewStore(mem, session.WithClock(now))
	prefs := settings.New(mem, nil)
	opts = append([]Option{WithClock(now)}, opts...)
	return &fixture{
		mem:      mem,
		sessions: sessions,
		prefs:    prefs,
		manager:  NewManager(mem, sessions, prefs, opts...),
	}
}

func TestSnapshotEvictsOldest(t *testing.T) {
	f := newFixture(t)
	f.sessions.CreateSession(persona.Default)

	var taken []Backup
	for i := 0; i < 11; i++ {
		taken = append(taken, f.manager.Snapshot())
	}

	list := f.manager.List()
	require.Len(t, list, DefaultMaxBackups)
	assert.Equal(t, taken[1].Timestamp, list[0].Timestamp)
	assert.Equal(t, taken[10].Timestamp, list[9].Timestamp)
}

func TestSnapshotPersistsAndLoads(t *testing.T) {
	f := newFixture(t, WithMaxBackups(3))
	f.sessions.CreateSession(persona.Default)
	for i := 0; i < 5; i++ {
		f.manager.Snapshot()
	}

	other := NewManager(f.mem, f.sessions, f.prefs, WithMaxBackups(3))
	require.NoError(t, other.Load())
	assert.Equal(t, 3, other.Len())

	smaller := NewManager(f.mem, f.sessions, f.prefs, WithMaxBackups(2))
	require.NoError(t, smaller.Load())
	assert.Equal(t, 2, smaller.Len())
}

func TestRestoreReplacesState(t *testing.T) {
	f := newFixture(t)
	first := f.sessions.CreateSession(persona.Default)
	f.prefs.Set("theme", "light")
	f.manager.Snapshot()

	f.sessions.CreateSession(persona.Coder)
	require.NoError(t, f.sessions.DeleteSession(first))
	f.prefs.Set("theme", "dark")

	require.True(t, f.manager.Restore(0))

	list := f.sessions.List()
	require.Len(t, list, 1)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, first, f.sessions.CurrentID())
	assert.Equal(t, settings.ThemeLight, f.prefs.Theme())
}

func TestRestoreRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	id := f.sessions.CreateSession(persona.Default)
	f.manager.Snapshot()

	assert.False(t, f.manager.Restore(-1))
	assert.False(t, f.manager.Restore(1))

	entries := []json.RawMessage{
		json.RawMessage(`{"timestamp":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`{"chats":[{"id":""}]}`),
		json.RawMessage(`{"chats":[{"id":"1-a","mode":"turbo"}]}`),
		json.RawMessage(`"garbage"`),
	}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, f.mem.Set(storage.KeyBackups, data))
	require.NoError(t, f.manager.Load())

	for i := range entries {
		assert.False(t, f.manager.Restore(i), "entry %d", i)
	}
	assert.Equal(t, id, f.sessions.CurrentID())
	assert.Equal(t, 1, f.sessions.Len())

	for _, h := range f.manager.List() {
		assert.True(t, h.Malformed)
	}
}

func TestRunSnapshotsOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.sessions.CreateSession(persona.Default)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.manager.Run(ctx, 0)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, f.manager.Len())
}

func TestRunSnapshotsOnInterval(t *testing.T) {
	f := newFixture(t)
	f.sessions.CreateSession(persona.Default)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.manager.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return f.manager.Len() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.sessions.CreateSession(persona.Default)
	f.sessions.CreateSession(persona.DeepThink)
	f.prefs.Set("fontSize", "18")

	data, err := f.manager.Export()
	require.NoError(t, err)

	var doc ExportDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, ExportVersion, doc.Version)
	assert.Len(t, doc.Chats, 2)
	assert.False(t, doc.ExportDate.IsZero())

	g := newFixture(t)
	g.sessions.CreateSession(persona.Coder)
	require.NoError(t, g.manager.Import(data))

	assert.Equal(t, f.sessions.List(), g.sessions.List())
	v, _ := g.prefs.Get("fontSize")
	assert.Equal(t, "18", v)
}

func TestImportKeepsOpaqueSettings(t *testing.T) {
	doc := `{
		"chats": [{"id": "1-a", "title": "Hi", "mode": "expert", "messages": [], "created": "2025-01-01T00:00:00Z"}],
		"settings": {"theme": "light", "fontSize": 16, "sidebar": {"collapsed": true}},
		"exportDate": "2025-01-02T00:00:00Z",
		"version": "1.0"
	}`

	f := newFixture(t)
	require.NoError(t, f.manager.Import([]byte(doc)))

	assert.Equal(t, settings.ThemeLight, f.prefs.Theme())
	size, ok := f.prefs.Get("fontSize")
	require.True(t, ok)
	assert.Equal(t, "16", size)

	data, err := f.manager.Export()
	require.NoError(t, err)
	var out struct {
		Settings map[string]interface{} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(16), out.Settings["fontSize"])
	assert.Equal(t, map[string]interface{}{"collapsed": true}, out.Settings["sidebar"])

	// the values survive a backup and restore unchanged
	f.manager.Snapshot()
	f.prefs.Set("fontSize", "12")
	require.True(t, f.manager.Restore(0))
	size, _ = f.prefs.Get("fontSize")
	assert.Equal(t, "16", size)
}

func TestImportRejectsDocumentWithoutChats(t *testing.T) {
	f := newFixture(t)
	id := f.sessions.CreateSession(persona.Default)
	f.prefs.Set("theme", "light")

	for _, doc := range []string{
		`{"settings":{"theme":"dark"}}`,
		`{"chats":null}`,
		`{"chats":"nope"}`,
		`{"chats":[{"id":""}]}`,
		`{"chats":[{"id":"1-a","mode":"turbo"}]}`,
		`not json`,
	} {
		assert.Error(t, f.manager.Import([]byte(doc)), doc)
	}

	list := f.sessions.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, settings.ThemeLight, f.prefs.Theme())
}

func TestExportMarkdown(t *testing.T) {
	cs := session.ChatSession{
		ID:    "1-abc",
		Title: "Hello",
		Mode:  persona.Default,
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "hidden prompt"},
			{Role: session.RoleUser, Content: "Hello"},
			{Role: session.RoleAssistant, Content: "Hi!"},
		},
	}
	md := ExportMarkdown(cs)
	assert.True(t, strings.HasPrefix(md, "# Hello\n"))
	assert.Contains(t, md, "**User**")
	assert.Contains(t, md, "Hi!")
	assert.NotContains(t, md, "hidden prompt")
}
