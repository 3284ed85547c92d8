package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	copilot "github.com/rattlehq/reliability-copilot"
	"github.com/rattlehq/reliability-copilot/internal/chat"
	"github.com/rattlehq/reliability-copilot/internal/models"
	"github.com/rattlehq/reliability-copilot/internal/services"
	"github.com/yuin/goldmark"
)

// Answerer represents the remote answer service. It accepts a context and the user's prompt and
// returns the generated answer.
type Answerer interface {
	Answer(ctx context.Context, prompt string) (services.Answer, error)
}

// Config tunes the chat behaviour of Main. Zero values fall back to sensible defaults.
type Config struct {
	// RevealInterval is the delay between two revealed answer fragments.
	RevealInterval time.Duration
	// RequestTimeout bounds a single call to the answer service.
	RequestTimeout time.Duration
	// MaxSessions caps the number of chat views kept in memory. The least recently used view is
	// closed when the cap is exceeded.
	MaxSessions int
}

// Main serves the landing page and the chat interface. It renders HTML templates, keeps the state of
// every open chat view and streams revealed answer fragments to the browser with server-sent events.
type Main struct {
	templates *template.Template
	landing   template.HTML

	answerer       Answerer
	views          *views
	revealInterval time.Duration
	requestTimeout time.Duration

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxSessions    = 1024
)

// NewMain creates a new Main instance backed by the given Answerer. It parses the HTML templates from
// the embedded filesystem and renders the landing page copy once.
func NewMain(answerer Answerer, cfg Config, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"render": models.RenderText,
	}).ParseFS(
		copilot.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	landing, err := landingCopy()
	if err != nil {
		return Main{}, err
	}

	if cfg.RevealInterval <= 0 {
		cfg.RevealInterval = chat.DefaultRevealInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}

	logger = logger.With(slog.String("module", "main"))

	vs, err := newViews(cfg.MaxSessions, logger)
	if err != nil {
		return Main{}, err
	}

	return Main{
		templates:      tmpl,
		landing:        landing,
		answerer:       answerer,
		views:          vs,
		revealInterval: cfg.RevealInterval,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func landingCopy() (template.HTML, error) {
	src, err := copilot.ContentFS.ReadFile("content/landing.md")
	if err != nil {
		return "", fmt.Errorf("failed to read landing copy: %w", err)
	}

	// goldmark drops raw HTML unless explicitly told otherwise, so the output is safe to embed.
	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("failed to render landing copy: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Shutdown closes every open chat view. Pending answers are cancelled and each browser receives a
// closing event before its stream is terminated. Streams still open when ctx expires are forcefully
// closed.
func (m Main) Shutdown(ctx context.Context) error {
	return m.views.closeAll(ctx)
}
