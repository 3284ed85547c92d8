package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rattlehq/reliability-copilot/internal/chat"
	"github.com/rattlehq/reliability-copilot/internal/models"
)

type chatPageData struct {
	chat.View
}

type promptResponseData struct {
	Entry  models.Entry
	Typing bool
}

// HandleChat renders the chat page. A request without a known session_id opens a new, empty chat
// view; a known session_id re-renders that view, which is how browsers without JavaScript see the
// outcome of a submitted prompt.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, ok := m.views.get(r.URL.Query().Get("session_id"))
	if !ok {
		var err error
		if v, err = m.newChatView(); err != nil {
			m.logger.Error("Failed to open chat view", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m.views.add(v)
		v.logger.Debug("Chat view opened")
	}

	data := chatPageData{View: v.session.View()}
	if err := m.templates.ExecuteTemplate(w, "chat.html", data); err != nil {
		m.logger.Error("Failed to render chat page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandlePrompts accepts a prompt submitted from the chat page's form. The handler expects a "prompt"
// and a "session_id" form field. The user's entry is appended and rendered right away, while the
// answer is requested in the background and revealed fragment by fragment over the session's event
// stream.
//
// htmx requests receive the user's bubble and the typing indicator as HTML fragments. Plain form
// posts are redirected back to the chat page.
func (m Main) HandlePrompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	v, ok := m.views.get(sessionID)
	if !ok {
		m.logger.Error("Chat session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Chat session not found", http.StatusNotFound)
		return
	}

	entry, err := v.session.Submit(r.FormValue("prompt"))
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyPrompt):
			http.Error(w, "Prompt is required", http.StatusBadRequest)
		case errors.Is(err, chat.ErrClosed):
			http.Error(w, "Chat session is closed", http.StatusGone)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		v.logger.Error("Failed to submit prompt", slog.String(errLoggerKey, err.Error()))
		return
	}

	go m.answer(v, entry.Text)

	if r.Header.Get("HX-Request") != "true" {
		http.Redirect(w, r, "/chat?session_id="+url.QueryEscape(sessionID), http.StatusSeeOther)
		return
	}

	data := promptResponseData{
		Entry:  entry,
		Typing: v.session.Typing(),
	}
	if err := m.templates.ExecuteTemplate(w, "prompt_response", data); err != nil {
		v.logger.Error("Failed to render prompt response", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE streams the events of one chat view. The view is torn down when the stream ends, which
// happens when the page is closed or navigated away from.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	v, ok := m.views.get(sessionID)
	if !ok {
		http.Error(w, "Chat session not found", http.StatusNotFound)
		return
	}

	v.events.ServeHTTP(w, r)

	m.views.remove(sessionID)
	v.logger.Debug("Chat view closed")
}

func (m Main) answer(v *chatView, prompt string) {
	ctx, cancel := context.WithTimeout(v.session.Context(), m.requestTimeout)
	defer cancel()

	ans, err := m.answerer.Answer(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		v.logger.Error("Failed to get answer", slog.String(errLoggerKey, err.Error()))
		v.session.Fail(err)
		return
	}

	n := v.session.Deliver(ans.Generated)
	v.logger.Debug("Answer queued for reveal", slog.Int("fragments", n))
}
