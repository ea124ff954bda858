package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"PakningChat/internal/backup"
	"PakningChat/internal/cache"
	"PakningChat/internal/chaterr"
	"PakningChat/internal/completion"
	"PakningChat/internal/config"
	"PakningChat/internal/persona"
	"PakningChat/internal/render"
	"PakningChat/internal/session"
	"PakningChat/internal/settings"
	"PakningChat/internal/storage"
	"PakningChat/internal/telemetry"
)

// FallbackReply is appended to the transcript when a completion fails
const FallbackReply = "Sorry, the AI service is currently unavailable. Please try again later."

var (
	// ErrBusy is returned when the session already has a request in flight
	ErrBusy = errors.New("a request is already in progress for this session")
	// ErrEmptyMessage is returned for blank input
	ErrEmptyMessage = errors.New("message is empty")
)

// ChatBot owns the application state and exposes it as a plain API; Run adds a terminal REPL
type ChatBot struct {
	config   *config.Config
	storage  storage.Storage
	prefs    *settings.Store
	sessions *session.Store
	tracker  *session.Tracker
	client   *completion.Client
	cache    *cache.Cache
	backups  *backup.Manager
	renderer *render.Renderer
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	in  io.Reader
	out io.Writer

	sent     metric.Int64Counter
	failures metric.Int64Counter

	mu       sync.Mutex
	inFlight map[string]bool

	closers []func()
}

// Options injects the collaborators of a ChatBot. Nil fields get working defaults.
type Options struct {
	Config     *config.Config
	Storage    storage.Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	In         io.Reader
	Out        io.Writer
}

// NewChatBot builds a ChatBot with file logging, telemetry and the configured storage
func NewChatBot(cfg *config.Config) (*ChatBot, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.Log.Dir, cfg.Log.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, cleanup, err := telemetry.InitTelemetry(context.Background(), cfg.Log.Dir, 0)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	st, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		cleanup()
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Log.Debug {
		logger.Info("Debug mode enabled")
	}

	cb, err := New(Options{
		Config:  cfg,
		Storage: st,
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
	})
	if err != nil {
		st.Close()
		cleanup()
		logCloser.Close()
		return nil, err
	}
	cb.closers = append(cb.closers,
		func() {
			if err := st.Close(); err != nil {
				logger.Error("failed to close storage", "error", err)
			}
		},
		cleanup,
		func() { logCloser.Close() },
	)
	return cb, nil
}

// New wires a ChatBot from explicit collaborators and selects the initial session
func New(opts Options) (*ChatBot, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cb := &ChatBot{
		config:   cfg,
		storage:  opts.Storage,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		meter:    opts.Meter,
		in:       opts.In,
		out:      opts.Out,
		inFlight: make(map[string]bool),
	}
	if cb.storage == nil {
		cb.storage = storage.NewMemory()
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.tracer == nil {
		cb.tracer = tracenoop.NewTracerProvider().Tracer("chatbot")
	}
	if cb.meter == nil {
		cb.meter = metricnoop.NewMeterProvider().Meter("chatbot")
	}
	if cb.in == nil {
		cb.in = os.Stdin
	}
	if cb.out == nil {
		cb.out = os.Stdout
	}

	var err error
	cb.sent, err = cb.meter.Int64Counter("chat.messages.sent", metric.WithDescription("User messages sent"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	cb.failures, err = cb.meter.Int64Counter("chat.completions.failed", metric.WithDescription("Completions that ended in an error"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	cb.prefs = settings.New(cb.storage, cb.logger)
	if err := cb.prefs.Load(); err != nil {
		cb.logger.Warn("failed to load settings, using defaults", "error", err)
	}

	cb.sessions = session.NewStore(cb.storage, session.WithLogger(cb.logger))
	cb.tracker = session.NewTracker(cb.sessions)
	current := cb.tracker.Init(persona.ID(cfg.DefaultMode))

	cb.backups = backup.NewManager(cb.storage, cb.sessions, cb.prefs,
		backup.WithMaxBackups(cfg.Backup.MaxBackups),
		backup.WithLogger(cb.logger),
	)
	if err := cb.backups.Load(); err != nil {
		cb.logger.Warn("failed to load backups", "error", err)
	}

	cb.client = completion.New(completion.Options{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.Key,
		Model:             cfg.API.Model,
		Referer:           cfg.API.Referer,
		Title:             cfg.API.Title,
		Timeout:           cfg.API.Timeout,
		HistoryWindow:     cfg.API.HistoryWindow,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Retry:             cfg.RetryPolicy(),
		HTTPClient:        opts.HTTPClient,
		Logger:            cb.logger,
		Tracer:            cb.tracer,
		Meter:             cb.meter,
	})
	if err := completion.ValidateAPIKey(cfg.API.Key); err != nil {
		cb.logger.Warn("API key failed local validation, requests will be rejected", "error", err)
	} else {
		cb.logger.Info("API key configured", "key", completion.MaskKey(cfg.API.Key))
	}

	if cfg.Cache.Enabled {
		cb.cache = cache.New(cfg.Cache.TTL)
	}
	cb.renderer = render.New(cfg.UI.RenderMarkdown, cfg.UI.Width, cb.logger)

	cb.logger.Info("chatbot ready", "session_id", current, "sessions", cb.sessions.Len(), "storage", cfg.Storage.Driver)
	return cb, nil
}

// Close releases storage and flushes telemetry. It is safe to call more than once.
func (cb *ChatBot) Close() {
	closers := cb.closers
	cb.closers = nil
	for _, c := range closers {
		c()
	}
}

// NewChat starts a session in the active mode
func (cb *ChatBot) NewChat() string {
	return cb.sessions.CreateSession(cb.sessions.CurrentMode())
}

// SelectSession makes id the current session
func (cb *ChatBot) SelectSession(id string) error {
	return cb.sessions.SetCurrent(id)
}

// ClearChat deletes the current session and starts a fresh one in the same mode
func (cb *ChatBot) ClearChat() string {
	mode := cb.sessions.CurrentMode()
	if id := cb.sessions.CurrentID(); id != "" {
		if err := cb.sessions.DeleteSession(id); err != nil {
			cb.logger.Warn("failed to delete session", "session_id", id, "error", err)
		}
	}
	return cb.sessions.CreateSession(mode)
}

// RenameSession sets a user-chosen title
func (cb *ChatBot) RenameSession(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}
	if _, ok := cb.sessions.Get(id); !ok {
		return chaterr.NotFound("rename session", id)
	}
	cb.sessions.UpdateTitle(id, title)
	return nil
}

// SwitchMode reframes the current session with another persona, keeping its turns
func (cb *ChatBot) SwitchMode(id persona.ID) error {
	if _, ok := persona.Lookup(id); !ok {
		return fmt.Errorf("unknown mode: %s", id)
	}
	cb.ensureCurrent()
	if err := cb.tracker.ResetForMode(id); err != nil {
		return err
	}
	cb.logger.Info("mode switched", "session_id", cb.sessions.CurrentID(), "mode", id)
	return nil
}

// CycleMode switches to the next mode in table order and returns it
func (cb *ChatBot) CycleMode() (persona.ID, error) {
	next := persona.Next(cb.sessions.CurrentMode())
	return next, cb.SwitchMode(next)
}

// Mode returns the active mode
func (cb *ChatBot) Mode() persona.Mode {
	return persona.Get(cb.sessions.CurrentMode())
}

// Sessions lists sessions newest first
func (cb *ChatBot) Sessions() []session.ChatSession {
	return cb.sessions.List()
}

// CurrentSession returns a copy of the current session
func (cb *ChatBot) CurrentSession() (session.ChatSession, bool) {
	return cb.sessions.Current()
}

// History returns the current session's messages
func (cb *ChatBot) History() []session.Message {
	return cb.tracker.History()
}

// ensureCurrent creates a session when none is selected, as after deleting or restoring
func (cb *ChatBot) ensureCurrent() string {
	if id := cb.sessions.CurrentID(); id != "" {
		return id
	}
	if id, ok := cb.sessions.MostRecent(); ok {
		if err := cb.sessions.SetCurrent(id); err == nil {
			return id
		}
	}
	return cb.sessions.CreateSession(persona.ID(cb.config.DefaultMode))
}

func (cb *ChatBot) acquire(id string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.inFlight[id] {
		return false
	}
	cb.inFlight[id] = true
	return true
}

func (cb *ChatBot) release(id string) {
	cb.mu.Lock()
	delete(cb.inFlight, id)
	cb.mu.Unlock()
}

// Busy reports whether the session has a request in flight
func (cb *ChatBot) Busy(id string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.inFlight[id]
}

// Send is SendStream without a delta callback
func (cb *ChatBot) Send(ctx context.Context, text string) (string, error) {
	return cb.SendStream(ctx, text, nil)
}

// SendStream commits text to the current session, asks the model and appends the reply
// to the same session even if the user has switched away meanwhile. With streaming
// enabled onDelta receives text as it arrives. On failure the fallback reply is
// appended and the error returned.
func (cb *ChatBot) SendStream(ctx context.Context, text string, onDelta func(string)) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	id := cb.ensureCurrent()
	if !cb.acquire(id) {
		return "", ErrBusy
	}
	defer cb.release(id)

	ctx, span := cb.tracer.Start(ctx, "send_message")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	if err := cb.tracker.AppendUserTo(id, text); err != nil {
		return "", err
	}
	cb.sent.Add(ctx, 1)

	cs, ok := cb.sessions.Get(id)
	if !ok {
		return "", chaterr.NotFound("send", id)
	}
	mode := persona.Get(cs.Mode)
	params := completion.ParamsFor(mode, cb.config.API.Model)
	span.SetAttributes(attribute.String("chat.mode", string(mode.ID)))

	var cacheKey string
	if cb.cache != nil {
		cacheKey = cache.GenerateCacheKey(cb.client.Model(), params.Temperature, params.MaxTokens, cs.Messages)
		if cached, ok := cb.cache.Get(cacheKey); ok {
			cb.logger.Info("cache hit", "key", cacheKey[:16], "session_id", id)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			if onDelta != nil {
				onDelta(cached)
			}
			cb.appendReply(id, cached)
			return cached, nil
		}
	}

	var (
		reply string
		err   error
	)
	if cb.config.API.Stream {
		reply, err = cb.client.Stream(ctx, cs.Messages, params, func(ev completion.Event) {
			if ev.Delta != "" && onDelta != nil {
				onDelta(ev.Delta)
			}
		})
	} else {
		reply, err = cb.client.Complete(ctx, cs.Messages, params)
	}

	if err != nil {
		cb.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", chaterr.KindOf(err).String())))
		cb.logger.Error("failed to get reply", "session_id", id, "error", err)

		var se *completion.StreamError
		if errors.As(err, &se) && se.Partial != "" {
			// what the user already saw stays in the transcript
			cb.appendReply(id, se.Partial)
			return se.Partial, err
		}
		cb.appendReply(id, FallbackReply)
		return "", err
	}

	if cb.cache != nil {
		cb.cache.Put(cacheKey, reply)
	}
	cb.appendReply(id, reply)
	return reply, nil
}

func (cb *ChatBot) appendReply(id, text string) {
	if err := cb.tracker.AppendAssistantTo(id, text); err != nil {
		// the session was deleted while the request was in flight
		cb.logger.Warn("dropping reply for missing session", "session_id", id, "error", err)
	}
}

// Ping checks connectivity and credentials with a tiny request
func (cb *ChatBot) Ping(ctx context.Context) error {
	return cb.client.Ping(ctx)
}

// Export writes the JSON export document to w
func (cb *ChatBot) Export(w io.Writer) error {
	data, err := cb.backups.Export()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// ExportMarkdown renders one session as a markdown transcript
func (cb *ChatBot) ExportMarkdown(id string) (string, error) {
	cs, ok := cb.sessions.Get(id)
	if !ok {
		return "", chaterr.NotFound("export markdown", id)
	}
	return backup.ExportMarkdown(cs), nil
}

// Import replaces sessions (and settings when present) with an export document
func (cb *ChatBot) Import(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read import: %w", err)
	}
	if err := cb.backups.Import(data); err != nil {
		return err
	}
	cb.ensureCurrent()
	return nil
}

// Backup takes a snapshot now
func (cb *ChatBot) Backup() backup.Backup {
	return cb.backups.Snapshot()
}

// Backups lists stored snapshots, oldest first
func (cb *ChatBot) Backups() []backup.Header {
	return cb.backups.List()
}

// Restore replaces state with backup index and reports whether it did
func (cb *ChatBot) Restore(index int) bool {
	if !cb.backups.Restore(index) {
		return false
	}
	cb.ensureCurrent()
	return true
}

// SetSetting stores an opaque preference
func (cb *ChatBot) SetSetting(key, value string) {
	cb.prefs.Set(key, value)
}

// Setting returns a preference
func (cb *ChatBot) Setting(key string) (string, bool) {
	return cb.prefs.Get(key)
}

// ToggleTheme flips the theme and returns it
func (cb *ChatBot) ToggleTheme() string {
	return cb.prefs.ToggleTheme()
}
