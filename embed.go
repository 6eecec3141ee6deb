package chatwidget

import "embed"

// TemplateFS contains the embedded HTML templates of the widget host page: the page itself and the
// partial rendering a widget session with its transcript.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet the page uses to drive the widget.
//
//go:embed static/*
var StaticFS embed.FS
