package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
)

type homePageData struct {
	Copy template.HTML
}

// HandleRoot redirects every path without a dedicated handler, "/" included, to the landing page.
func (m Main) HandleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/home", http.StatusFound)
}

// HandleHome renders the landing page. Both of its call-to-action buttons lead to the chat page.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := homePageData{
		Copy: m.landing,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
