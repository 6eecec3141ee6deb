// Package widget assembles a transcript and a streaming pipeline into one chat widget instance.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/pipeline"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
	"github.com/google/uuid"
)

// Position is where the host page places the widget. It is display-only.
type Position string

// Config holds the static settings of a widget instance. EndpointURL is the only value the core uses;
// the rest is passed through to the presentation layer.
type Config struct {
	EndpointURL string        `yaml:"endpointUrl" env:"CHATWIDGET_ENDPOINT_URL"`
	AccentColor string        `yaml:"accentColor" env:"CHATWIDGET_ACCENT_COLOR"`
	Position    Position      `yaml:"position" env:"CHATWIDGET_POSITION"`
	Greeting    string        `yaml:"greeting" env:"CHATWIDGET_GREETING"`
	NoGreeting  bool          `yaml:"noGreeting" env:"CHATWIDGET_NO_GREETING"`
	Timeout     time.Duration `yaml:"timeout" env:"CHATWIDGET_TIMEOUT"`
}

// Widget is one chat widget: a transcript plus the pipeline that fills it. At most one query is in
// flight at a time; submissions made while a response is streaming are rejected with ErrBusy.
type Widget struct {
	id       string
	cfg      Config
	store    *transcript.Store
	pipeline pipeline.Pipeline

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	logger *slog.Logger
}

const (
	// DefaultEndpointURL is used when Config.EndpointURL is empty.
	DefaultEndpointURL = "https://chatbot-backend-8kwr.onrender.com/query"
	// DefaultAccentColor is used when Config.AccentColor is empty.
	DefaultAccentColor = "#4f46e5"
	// DefaultGreeting is shown as a status message when a widget opens.
	DefaultGreeting = "Hi! I’m ready to chat with you 😊"

	PositionInline      Position = "inline"
	PositionBottomRight Position = "bottom-right"
	PositionBottomLeft  Position = "bottom-left"
)

var (
	// ErrBusy is returned by Submit while a previous query is still streaming.
	ErrBusy = errors.New("a query is already in progress")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("widget is closed")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid widget config")
)

// WithDefaults returns a copy of c with empty fields set to their defaults. An empty Greeting gets the
// default one unless NoGreeting is set.
func (c Config) WithDefaults() Config {
	if c.EndpointURL == "" {
		c.EndpointURL = DefaultEndpointURL
	}
	if c.AccentColor == "" {
		c.AccentColor = DefaultAccentColor
	}
	if c.Position == "" {
		c.Position = PositionInline
	}
	if c.NoGreeting {
		c.Greeting = ""
	} else if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	return c
}

// Validate checks a config that already has its defaults applied.
func (c Config) Validate() error {
	u, err := url.ParseRequestURI(c.EndpointURL)
	if err != nil {
		return fmt.Errorf("%w: endpoint url: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint url scheme must be http or https, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint url has no host", ErrInvalidConfig)
	}

	switch c.Position {
	case PositionInline, PositionBottomRight, PositionBottomLeft:
	default:
		return fmt.Errorf("%w: unknown position %q", ErrInvalidConfig, c.Position)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}

// New creates a widget from cfg. Mutations of its transcript are reported to display, and queries are
// sent through client. The greeting, if any, is the first transcript entry.
func New(cfg Config, client pipeline.Doer, display transcript.Display, logger *slog.Logger) (*Widget, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	logger = logger.With(slog.String("module", "widget"), slog.String("widgetID", id))

	store := transcript.New(display)
	w := &Widget{
		id:       id,
		cfg:      cfg,
		store:    store,
		pipeline: pipeline.New(cfg.EndpointURL, cfg.Timeout, client, store, logger),
		logger:   logger,
	}

	if greeting := strings.TrimSpace(cfg.Greeting); greeting != "" {
		store.Append(models.RoleStatus, greeting, models.StateComplete)
	}

	return w, nil
}

// ID returns the unique identifier of this widget instance.
func (w *Widget) ID() string {
	return w.id
}

// Config returns the widget configuration with defaults applied.
func (w *Widget) Config() Config {
	return w.cfg
}

// Transcript returns a snapshot of every message shown by the widget.
func (w *Widget) Transcript() []models.Message {
	return w.store.Messages()
}

// Submit starts streaming the answer to query in the background. Empty queries are ignored and
// return nil. It returns ErrBusy if another query is still in flight and ErrClosed after Close; in
// both cases the transcript is left untouched.
func (w *Widget) Submit(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.done != nil {
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer func() {
			cancel()
			w.mu.Lock()
			w.cancel = nil
			w.done = nil
			w.mu.Unlock()
			close(done)
		}()
		w.pipeline.Send(ctx, query)
	}()

	w.logger.Debug("Query submitted", slog.Int("length", len(query)))
	return nil
}

// Busy reports whether a query is in flight.
func (w *Widget) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// Wait blocks until the in-flight query, if any, has finished.
func (w *Widget) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close aborts the in-flight query, releases its connection and waits for the read loop to exit. The
// aborted bot message ends errored. Close is idempotent.
func (w *Widget) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.Wait()

	w.logger.Debug("Widget closed")
	return nil
}
