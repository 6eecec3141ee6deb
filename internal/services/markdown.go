package services

import (
	"bytes"
	"fmt"
	"html"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders message text to HTML. Bot answers are treated as Markdown with syntax-highlighted
// code blocks; user and status messages are escaped verbatim.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a Markdown renderer using the given chroma style for code blocks.
func NewMarkdown(style string) Markdown {
	if style == "" {
		style = "monokai"
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle(style),
				),
			),
		),
	}
}

// Render converts text to an HTML fragment according to the message role.
func (m Markdown) Render(role models.Role, text string) (string, error) {
	if role != models.RoleBot {
		return html.EscapeString(text), nil
	}

	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}
