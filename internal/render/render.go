// Package render turns assistant markdown into terminal output.
package render

import (
	"log/slog"
	"sync"

	"github.com/charmbracelet/glamour"

	"PakningChat/internal/settings"
)

const DefaultWidth = 80

// Renderer caches one glamour renderer per theme. When disabled it passes text through.
type Renderer struct {
	enabled bool
	width   int
	logger  *slog.Logger

	mu        sync.Mutex
	renderers map[string]*glamour.TermRenderer
}

// New returns a renderer wrapping at width columns
func New(enabled bool, width int, logger *slog.Logger) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{enabled: enabled, width: width, logger: logger, renderers: map[string]*glamour.TermRenderer{}}
}

// Enabled reports whether markdown is rendered
func (r *Renderer) Enabled() bool { return r.enabled }

// Render formats md for the given theme, returning md unchanged on failure
func (r *Renderer) Render(theme, md string) string {
	if !r.enabled {
		return md
	}
	tr, err := r.renderer(theme)
	if err != nil {
		r.logger.Warn("markdown renderer unavailable", "theme", theme, "error", err)
		return md
	}
	out, err := tr.Render(md)
	if err != nil {
		r.logger.Warn("failed to render markdown", "error", err)
		return md
	}
	return out
}

func (r *Renderer) renderer(theme string) (*glamour.TermRenderer, error) {
	style := "dark"
	if theme == settings.ThemeLight {
		style = "light"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.renderers[style]; ok {
		return tr, nil
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(r.width),
	)
	if err != nil {
		return nil, err
	}
	r.renderers[style] = tr
	return tr, nil
}
