package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/services"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
	"github.com/MegaGrindStone/chatbot-widget/internal/widget"
	"github.com/google/uuid"
)

type homePageData struct {
	AccentColor string
	Position    string
}

type widgetData struct {
	SessionID string
	Messages  []message
}

type message struct {
	Handle int
	Role   string
	State  string
	HTML   template.HTML
}

// HandleHome renders the page embedding the widget shell. The widget session itself is created by the
// page script through HandleSessions.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := homePageData{
		AccentColor: m.widgetCfg.AccentColor,
		Position:    string(m.widgetCfg.Position),
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSessions opens a widget session on POST and closes it on DELETE.
//
// POST creates a widget instance bound to a fresh session ID and renders its current transcript (the
// greeting) with the session ID attached, so the page can subscribe to the session's SSE topic before
// it submits anything. DELETE, with a "session_id" query parameter, closes the widget, aborting any
// response that is still streaming.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.openSession(w, r)
	case http.MethodDelete:
		m.closeSession(w, r)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) openSession(w http.ResponseWriter, _ *http.Request) {
	sessionID := uuid.New().String()

	displays := []transcript.Display{
		services.NewSSEDisplay(m.sseSrv, sessionID, m.renderer, m.logger),
	}
	if m.archive != nil {
		displays = append(displays, m.archive.Display(sessionID))
	}

	wdg, err := widget.New(m.widgetCfg, m.client, transcript.Displays(displays...), m.logger)
	if err != nil {
		m.logger.Error("Failed to create widget", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.sessions.add(sessionID, wdg); err != nil {
		_ = wdg.Close()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	m.logger.Info("Session opened",
		slog.String("sessionID", sessionID),
		slog.String("widgetID", wdg.ID()))

	msgs := wdg.Transcript()
	data := widgetData{
		SessionID: sessionID,
		Messages:  make([]message, len(msgs)),
	}
	for i, msg := range msgs {
		data.Messages[i] = m.viewMessage(models.Handle(i), msg)
	}

	if err := m.templates.ExecuteTemplate(w, "widget", data); err != nil {
		m.logger.Error("Failed to render widget", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	wdg, ok := m.sessions.remove(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if err := wdg.Close(); err != nil {
		m.logger.Error("Failed to close widget",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	m.logger.Info("Session closed", slog.String("sessionID", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages submits the "message" form field to the widget of the "session_id" session. The
// answer is not part of the response: it reaches the page through the session's SSE topic.
//
// It responds 202 when the query was accepted, 404 for an unknown session, 425 until the session's
// SSE stream is open, 400 for an empty message, 409 while the previous answer is still streaming and
// 410 once the session is closed.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	wdg, ok := m.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	// Events published before the page subscribes are lost.
	if !m.sessions.isSubscribed(sessionID) {
		http.Error(w, "Session is not listening for events yet", http.StatusTooEarly)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	err := wdg.Submit(msg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, widget.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, widget.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		m.logger.Error("Failed to submit message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE streams transcript events to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleArchive returns the archived messages of the "session_id" session as JSON. Without a
// session_id it returns the IDs of every archived session, oldest first.
func (m Main) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.archive == nil {
		http.Error(w, "Archive is disabled", http.StatusNotFound)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		ids, err := m.archive.Widgets(r.Context())
		if err != nil {
			m.logger.Error("Failed to list archive", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		m.writeJSON(w, ids)
		return
	}

	msgs, err := m.archive.Messages(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to read archive",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	m.writeJSON(w, msgs)
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode archive", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) viewMessage(h models.Handle, msg models.Message) message {
	rendered, err := m.renderer.Render(msg.Role, msg.Text)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("message", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		rendered = template.HTMLEscapeString(msg.Text)
	}
	return message{
		Handle: int(h),
		Role:   string(msg.Role),
		State:  string(msg.State),
		// Render escapes user text and drops raw HTML from bot Markdown.
		HTML: template.HTML(rendered), //nolint:gosec
	}
}
