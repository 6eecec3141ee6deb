package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"sync"
	"time"

	chatwidget "github.com/MegaGrindStone/chatbot-widget"
	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/pipeline"
	"github.com/MegaGrindStone/chatbot-widget/internal/services"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
	"github.com/MegaGrindStone/chatbot-widget/internal/widget"
	"github.com/tmaxmax/go-sse"
)

// Archive records finished messages of every widget session. It is optional.
type Archive interface {
	Display(widgetID string) transcript.Display
	Widgets(ctx context.Context) ([]string, error)
	Messages(ctx context.Context, widgetID string) ([]models.Message, error)
}

// Main serves the page hosting the chat widget. Every browser session owns one widget instance; its
// transcript is pushed to the browser through server-sent events on the session topic.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	renderer  services.Markdown

	widgetCfg widget.Config
	client    pipeline.Doer
	archive   Archive

	sessions *sessions

	logger *slog.Logger
}

type sessions struct {
	mu         sync.Mutex
	widgets    map[string]*widget.Widget
	subscribed map[string]bool
	closed     bool
}

const errLoggerKey = "err"

var errShuttingDown = errors.New("server is shutting down")

// NewMain creates a new Main instance. Widgets created for sessions use widgetCfg and send their
// queries through client. archive may be nil to disable archiving. The SSE server subscribes each
// client to the default topic and, when a session_id is given, to that session's topic.
func NewMain(
	widgetCfg widget.Config,
	client pipeline.Doer,
	archive Archive,
	renderer services.Markdown,
	logger *slog.Logger,
) (Main, error) {
	widgetCfg = widgetCfg.WithDefaults()
	if err := widgetCfg.Validate(); err != nil {
		return Main{}, err
	}

	ss := &sessions{
		widgets:    make(map[string]*widget.Widget),
		subscribed: make(map[string]bool),
	}

	tmpl, err := template.ParseFS(
		chatwidget.TemplateFS,
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID != "" {
					topics = append(topics, services.WidgetTopic(sessionID))
					ss.subscribe(sessionID)
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		renderer:  renderer,
		widgetCfg: widgetCfg,
		client:    client,
		archive:   archive,
		sessions:  ss,
		logger: logger.With(slog.String("module", "main")),
	}, nil
}

// Shutdown closes every widget, which aborts their in-flight streams, then broadcasts a close event
// to all connected clients and waits up to 5 seconds for SSE connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.mu.Lock()
	m.sessions.closed = true
	widgets := make([]*widget.Widget, 0, len(m.sessions.widgets))
	for _, w := range m.sessions.widgets {
		widgets = append(widgets, w)
	}
	m.sessions.mu.Unlock()

	for _, w := range widgets {
		_ = w.Close()
	}

	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (s *sessions) add(id string, w *widget.Widget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errShuttingDown
	}
	s.widgets[id] = w
	return nil
}

// subscribe marks a known session as listening on its SSE topic.
func (s *sessions) subscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.widgets[id]; ok {
		s.subscribed[id] = true
	}
}

func (s *sessions) isSubscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[id]
}

func (s *sessions) get(id string) (*widget.Widget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[id]
	return w, ok
}

func (s *sessions) remove(id string) (*widget.Widget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[id]
	delete(s.widgets, id)
	delete(s.subscribed, id)
	return w, ok
}
