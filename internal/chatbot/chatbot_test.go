package chatbot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PakningChat/internal/chaterr"
	"PakningChat/internal/completion"
	"PakningChat/internal/config"
	"PakningChat/internal/persona"
	"PakningChat/internal/session"
	"PakningChat/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-or-v1-0123456789abcdef0123456789"

func okBody(text string) string {
	return fmt.Sprintf(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":%q}}]}`, text)
}

func replyWith(text string, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		fmt.Fprint(w, okBody(text))
	}
}

type testEnv struct {
	in     io.Reader
	out    io.Writer
	mutate func(*config.Config)
}

// newTestBot builds a chatbot against handler with memory storage and quiet logs
func newTestBot(t *testing.T, handler http.Handler, env testEnv) *ChatBot {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.API.Key = testKey
	cfg.API.RetryBaseDelay = 0
	cfg.API.Stream = false
	cfg.Log.Dir = t.TempDir()
	cfg.UI.RenderMarkdown = false
	cfg.Backup.Interval = 0
	if env.mutate != nil {
		env.mutate(cfg)
	}

	out := env.out
	if out == nil {
		out = io.Discard
	}
	in := env.in
	if in == nil {
		in = strings.NewReader("")
	}

	cb, err := New(Options{
		Config:  cfg,
		Storage: storage.NewMemory(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		In:      in,
		Out:     out,
	})
	require.NoError(t, err)
	t.Cleanup(cb.Close)
	return cb
}

func lastMessage(t *testing.T, cb *ChatBot) session.Message {
	t.Helper()
	h := cb.History()
	require.NotEmpty(t, h)
	return h[len(h)-1]
}

func TestNewSelectsInitialSession(t *testing.T) {
	cb := newTestBot(t, replyWith("x", nil), testEnv{})

	cs, ok := cb.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, persona.Default, cs.Mode)
	require.Len(t, cs.Messages, 1)
	assert.Equal(t, session.RoleSystem, cs.Messages[0].Role)
	assert.Len(t, cb.Sessions(), 1)
}

func TestSendAppendsTurnsAndTitles(t *testing.T) {
	cb := newTestBot(t, replyWith("Hi there", nil), testEnv{})

	reply, err := cb.Send(context.Background(), "  Hello  ")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	cs, _ := cb.CurrentSession()
	assert.Equal(t, "Hello", cs.Title)
	require.Len(t, cs.Messages, 3)
	assert.Equal(t, session.RoleUser, cs.Messages[1].Role)
	assert.Equal(t, "Hello", cs.Messages[1].Content)
	assert.Equal(t, session.RoleAssistant, cs.Messages[2].Role)
	assert.Equal(t, "Hi there", cs.Messages[2].Content)
}

func TestSendRejectsBlankInput(t *testing.T) {
	var calls int32
	cb := newTestBot(t, replyWith("x", &calls), testEnv{})

	_, err := cb.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Len(t, cb.History(), 1)
}

func TestSendFailureAppendsFallback(t *testing.T) {
	var calls int32
	cb := newTestBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}), testEnv{})

	_, err := cb.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindTransient, chaterr.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	last := lastMessage(t, cb)
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, FallbackReply, last.Content)
}

func TestSendWithBadKeyNeverCallsAPI(t *testing.T) {
	var calls int32
	cb := newTestBot(t, replyWith("x", &calls), testEnv{mutate: func(c *config.Config) {
		c.API.Key = "bad"
	}})

	_, err := cb.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindAuth, chaterr.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, FallbackReply, lastMessage(t, cb).Content)
}

func TestSendIsSingleFlightPerSession(t *testing.T) {
	release := make(chan struct{})
	cb := newTestBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, okBody("done"))
	}), testEnv{})
	id := cb.sessions.CurrentID()

	errc := make(chan error, 1)
	go func() {
		_, err := cb.Send(context.Background(), "first")
		errc <- err
	}()
	require.Eventually(t, func() bool { return cb.Busy(id) }, 2*time.Second, 5*time.Millisecond)

	_, err := cb.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-errc)
	assert.False(t, cb.Busy(id))

	cs, _ := cb.sessions.Get(id)
	require.Len(t, cs.Messages, 3)
	assert.Equal(t, "first", cs.Messages[1].Content)
}

func TestReplyGoesToOriginatingSession(t *testing.T) {
	release := make(chan struct{})
	cb := newTestBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, okBody("late reply"))
	}), testEnv{})
	origin := cb.sessions.CurrentID()

	errc := make(chan error, 1)
	go func() {
		_, err := cb.Send(context.Background(), "question")
		errc <- err
	}()
	require.Eventually(t, func() bool { return cb.Busy(origin) }, 2*time.Second, 5*time.Millisecond)

	other := cb.NewChat()
	close(release)
	require.NoError(t, <-errc)

	assert.Equal(t, other, cb.sessions.CurrentID())
	assert.Len(t, cb.History(), 1)

	cs, _ := cb.sessions.Get(origin)
	require.Len(t, cs.Messages, 3)
	assert.Equal(t, "late reply", cs.Messages[2].Content)
}

func TestCacheAvoidsRepeatCall(t *testing.T) {
	var calls int32
	cb := newTestBot(t, replyWith("cached answer", &calls), testEnv{})

	_, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)

	cb.NewChat()
	reply, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "cached answer", reply)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "cached answer", lastMessage(t, cb).Content)
}

func TestCacheDisabled(t *testing.T) {
	var calls int32
	cb := newTestBot(t, replyWith("x", &calls), testEnv{mutate: func(c *config.Config) {
		c.Cache.Enabled = false
	}})

	for i := 0; i < 2; i++ {
		cb.NewChat()
		_, err := cb.Send(context.Background(), "Hello")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSendStreamDeliversDeltas(t *testing.T) {
	cb := newTestBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo ", "there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}), testEnv{mutate: func(c *config.Config) {
		c.API.Stream = true
	}})

	var deltas []string
	reply, err := cb.SendStream(context.Background(), "Hi", func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, deltas)
	assert.Equal(t, "Hello there", lastMessage(t, cb).Content)
}

func TestClearChatReplacesSession(t *testing.T) {
	cb := newTestBot(t, replyWith("x", nil), testEnv{})
	require.NoError(t, cb.SwitchMode(persona.Expert))
	old := cb.sessions.CurrentID()

	id := cb.ClearChat()
	assert.NotEqual(t, old, id)
	_, ok := cb.sessions.Get(old)
	assert.False(t, ok)
	assert.Equal(t, persona.Expert, cb.Mode().ID)
	assert.Len(t, cb.Sessions(), 1)
}

func TestSwitchAndCycleMode(t *testing.T) {
	cb := newTestBot(t, replyWith("x", nil), testEnv{})
	_, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)

	require.NoError(t, cb.SwitchMode(persona.Coder))
	h := cb.History()
	require.Len(t, h, 3)
	assert.Equal(t, persona.Get(persona.Coder).SystemPrompt, h[0].Content)
	assert.Equal(t, "Hello", h[1].Content)

	next, err := cb.CycleMode()
	require.NoError(t, err)
	assert.Equal(t, persona.Next(persona.Coder), next)
	assert.Equal(t, next, cb.Mode().ID)

	assert.Error(t, cb.SwitchMode("turbo"))
}

func TestRenameAndSelectSession(t *testing.T) {
	cb := newTestBot(t, replyWith("x", nil), testEnv{})
	first := cb.sessions.CurrentID()
	cb.NewChat()

	require.NoError(t, cb.RenameSession(first, "  Groceries "))
	require.NoError(t, cb.SelectSession(first))
	cs, _ := cb.CurrentSession()
	assert.Equal(t, "Groceries", cs.Title)

	assert.Error(t, cb.RenameSession(first, "  "))
	err := cb.RenameSession("missing", "x")
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(cb.SelectSession("missing")))
}

func TestExportImportRoundTrip(t *testing.T) {
	cb := newTestBot(t, replyWith("Hi there", nil), testEnv{})
	_, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)
	cb.SetSetting("font", "mono")

	var buf bytes.Buffer
	require.NoError(t, cb.Export(&buf))
	assert.Contains(t, buf.String(), `"exportDate"`)

	cb.ClearChat()
	cb.SetSetting("font", "serif")
	require.NoError(t, cb.Import(&buf))

	var titles []string
	for _, cs := range cb.Sessions() {
		titles = append(titles, cs.Title)
	}
	assert.Contains(t, titles, "Hello")
	v, _ := cb.Setting("font")
	assert.Equal(t, "mono", v)
	_, ok := cb.CurrentSession()
	assert.True(t, ok)

	assert.Error(t, cb.Import(strings.NewReader(`{"settings":{}}`)))
}

func TestExportMarkdown(t *testing.T) {
	cb := newTestBot(t, replyWith("Hi there", nil), testEnv{})
	_, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)

	md, err := cb.ExportMarkdown(cb.sessions.CurrentID())
	require.NoError(t, err)
	assert.Contains(t, md, "# Hello")
	assert.Contains(t, md, "Hi there")

	_, err = cb.ExportMarkdown("missing")
	assert.Error(t, err)
}

func TestBackupAndRestore(t *testing.T) {
	cb := newTestBot(t, replyWith("Hi there", nil), testEnv{})
	_, err := cb.Send(context.Background(), "Hello")
	require.NoError(t, err)

	b := cb.Backup()
	assert.Len(t, b.Chats, 1)
	require.Len(t, cb.Backups(), 1)

	cb.ClearChat()
	assert.Len(t, cb.History(), 1)

	require.True(t, cb.Restore(0))
	cs, ok := cb.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "Hello", cs.Title)
	assert.Len(t, cs.Messages, 3)

	assert.False(t, cb.Restore(5))
}

func TestToggleTheme(t *testing.T) {
	cb := newTestBot(t, replyWith("x", nil), testEnv{})
	assert.Equal(t, "light", cb.ToggleTheme())
	assert.Equal(t, "dark", cb.ToggleTheme())
}

func TestPing(t *testing.T) {
	cb := newTestBot(t, replyWith("pong", nil), testEnv{})
	assert.NoError(t, cb.Ping(context.Background()))

	denied := newTestBot(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), testEnv{})
	err := denied.Ping(context.Background())
	assert.Equal(t, chaterr.KindAuth, chaterr.KindOf(err))
}

func TestSessionsSurviveRestart(t *testing.T) {
	srv := httptest.NewServer(replyWith("Hi there", nil))
	defer srv.Close()

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.API.Key = testKey
	cfg.API.Stream = false
	cfg.Storage.Driver = storage.DriverFile
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data")
	cfg.Log.Dir = t.TempDir()

	st, err := storage.Open(cfg.StorageOptions())
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(Options{Config: cfg, Storage: st, Logger: quiet})
	require.NoError(t, err)
	_, err = first.Send(context.Background(), "Hello")
	require.NoError(t, err)
	id := first.sessions.CurrentID()

	second, err := New(Options{Config: cfg, Storage: st, Logger: quiet})
	require.NoError(t, err)
	assert.Equal(t, id, second.sessions.CurrentID())
	assert.Len(t, second.History(), 3)
}

func TestRunScript(t *testing.T) {
	exportPath := filepath.Join(t.TempDir(), "chat.md")
	script := strings.Join([]string{
		"Hello",
		"/sessions",
		"/mode coder",
		"/rename Shopping list",
		"/export " + exportPath,
		"/backup",
		"/bogus",
		"/new",
		"/quit",
		"never read",
	}, "\n")

	var out bytes.Buffer
	cb := newTestBot(t, replyWith("Hi there", nil), testEnv{
		in:  strings.NewReader(script),
		out: &out,
	})

	require.NoError(t, cb.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "=== PAKNING R1 ===")
	assert.Contains(t, text, "Bot: Hi there")
	assert.Contains(t, text, "* 1. Hello")
	assert.Contains(t, text, "Mode set to PnCoder")
	assert.Contains(t, text, "Session renamed")
	assert.Contains(t, text, "Backup created (1 chats)")
	assert.Contains(t, text, "unknown command: /bogus")
	assert.Contains(t, text, "Started new session:")
	assert.Contains(t, text, "Goodbye!")

	md, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Shopping list")

	// explicit backup plus the one taken on exit
	assert.Len(t, cb.Backups(), 2)
	assert.Len(t, cb.Sessions(), 2)
}

// streamThenDrop sends one delta and then breaks the connection
func streamThenDrop(delta string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
}

func TestSendStreamKeepsPartialReply(t *testing.T) {
	cb := newTestBot(t, streamThenDrop("Partial answ"), testEnv{mutate: func(c *config.Config) {
		c.API.Stream = true
	}})

	reply, err := cb.Send(context.Background(), "Hello")
	require.Error(t, err)
	var se *completion.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Partial answ", reply)
	assert.Equal(t, "Partial answ", lastMessage(t, cb).Content)
}

func TestRunStreamFailureShowsWhatWasKept(t *testing.T) {
	var out bytes.Buffer
	cb := newTestBot(t, streamThenDrop("Partial answ"), testEnv{
		in:  strings.NewReader("Hello\n/quit\n"),
		out: &out,
		mutate: func(c *config.Config) {
			c.API.Stream = true
		},
	})

	require.NoError(t, cb.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Bot: Partial answ")
	assert.Contains(t, text, "Error: ")
	assert.NotContains(t, text, FallbackReply)
	assert.Equal(t, "Partial answ", lastMessage(t, cb).Content)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	cb := newTestBot(t, replyWith("x", nil), testEnv{in: pr})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- cb.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, len(cb.Backups()))
}
