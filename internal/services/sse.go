package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Publisher is the part of *sse.Server the display needs.
type Publisher interface {
	Publish(msg *sse.Message, topics ...string) error
}

// SSEDisplay pushes the transcript of one widget to browsers subscribed to the widget topic. Message
// text is rendered to HTML before publishing, so the page only swaps fragments in place.
type SSEDisplay struct {
	publisher Publisher
	topic     string
	renderer  Markdown

	mu    sync.Mutex
	roles map[models.Handle]models.Role

	logger *slog.Logger
}

// DisplayEvent is the JSON payload of every event published by SSEDisplay.
type DisplayEvent struct {
	Handle models.Handle `json:"handle"`
	Role   models.Role   `json:"role,omitempty"`
	State  models.State  `json:"state,omitempty"`
	HTML   string        `json:"html,omitempty"`
}

// SSE event types published by SSEDisplay.
const (
	AppendedEvent = "appended"
	TextEvent     = "text"
	StateEvent    = "state"
)

// WidgetTopic returns the SSE topic carrying the transcript of a widget.
func WidgetTopic(widgetID string) string {
	return fmt.Sprintf("widget-%s", widgetID)
}

// NewSSEDisplay creates a display that publishes to the topic of widgetID.
func NewSSEDisplay(publisher Publisher, widgetID string, renderer Markdown, logger *slog.Logger) *SSEDisplay {
	return &SSEDisplay{
		publisher: publisher,
		topic:     WidgetTopic(widgetID),
		renderer:  renderer,
		roles:     make(map[models.Handle]models.Role),
		logger:    logger.With(slog.String("module", "sse"), slog.String("widgetID", widgetID)),
	}
}

// MessageAppended implements transcript.Display.
func (d *SSEDisplay) MessageAppended(h models.Handle, role models.Role, text string, state models.State) {
	d.mu.Lock()
	d.roles[h] = role
	d.mu.Unlock()

	d.publish(AppendedEvent, DisplayEvent{
		Handle: h,
		Role:   role,
		State:  state,
		HTML:   d.render(role, text),
	})
}

// MessageTextChanged implements transcript.Display.
func (d *SSEDisplay) MessageTextChanged(h models.Handle, text string) {
	d.mu.Lock()
	role := d.roles[h]
	d.mu.Unlock()

	d.publish(TextEvent, DisplayEvent{
		Handle: h,
		Role:   role,
		HTML:   d.render(role, text),
	})
}

// MessageStateChanged implements transcript.Display.
func (d *SSEDisplay) MessageStateChanged(h models.Handle, state models.State) {
	d.publish(StateEvent, DisplayEvent{
		Handle: h,
		State:  state,
	})
}

func (d *SSEDisplay) render(role models.Role, text string) string {
	rendered, err := d.renderer.Render(role, text)
	if err != nil {
		d.logger.Error("Failed to render text", slog.String("err", err.Error()))
		// Fall back to the escaped text so the user still sees something.
		rendered, _ = d.renderer.Render(models.RoleUser, text)
	}
	return rendered
}

func (d *SSEDisplay) publish(eventType string, ev DisplayEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to marshal event", slog.String("err", err.Error()))
		return
	}

	msg := sse.Message{
		Type: sse.Type(eventType),
	}
	msg.AppendData(string(data))

	if err := d.publisher.Publish(&msg, d.topic); err != nil {
		d.logger.Error("Failed to publish event",
			slog.String("type", eventType),
			slog.String("err", err.Error()))
	}
}
