package copilot

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the web interface. These templates
// are organized in a directory structure that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets such as stylesheets and images required for the web
// interface's styling.
//
//go:embed static/*
var StaticFS embed.FS

// ContentFS contains the Markdown copy shown on the landing page.
//
//go:embed content/*
var ContentFS embed.FS
