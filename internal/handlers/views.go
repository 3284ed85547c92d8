package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rattlehq/reliability-copilot/internal/chat"
	"github.com/rattlehq/reliability-copilot/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
const (
	messageEvent = "message"
	typingEvent  = "typing"
	failureEvent = "failure"
	syncEvent    = "sync"
	closeEvent   = "closeChat"
)

const (
	viewCloseTimeout = 5 * time.Second
	// replaySize is how many events a reconnecting page can catch up on.
	replaySize = 64
)

// chatView ties a chat session to the event stream of the page displaying it. It observes the
// session and pushes rendered partials to the page as the session changes.
type chatView struct {
	session *chat.Session
	events  *sse.Server

	templates *template.Template
	logger    *slog.Logger

	mu     sync.Mutex
	seq    uint64
	lastID sse.EventID

	closeOnce sync.Once
	closeErr  error
}

func (m Main) newChatView() (*chatView, error) {
	replayer, err := sse.NewFiniteReplayer(replaySize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayer: %w", err)
	}

	v := &chatView{templates: m.templates}
	v.events = &sse.Server{
		Provider:  &sse.Joe{Replayer: replayer},
		OnSession: v.subscribe,
	}
	v.session = chat.NewSession(v, m.revealInterval)
	v.logger = m.logger.With(slog.String("sessionID", v.session.ID()))

	// Pages subscribing before anything else was published replay from this event on.
	start := &sse.Message{}
	start.AppendComment("start")
	if err := v.send(start); err != nil {
		return nil, fmt.Errorf("failed to start event stream: %w", err)
	}
	return v, nil
}

func (v *chatView) Revealed(_ string, entry models.Entry) {
	v.publish(messageEvent, "chat_message", entry)
}

func (v *chatView) TypingChanged(_ string, typing bool) {
	v.publish(typingEvent, "typing_indicator", typing)
}

func (v *chatView) Failed(_ string, message string) {
	v.publish(failureEvent, "chat_error", message)
}

func (v *chatView) publish(eventType, templateName string, data any) {
	msg, err := v.render(eventType, templateName, data)
	if err != nil {
		v.logger.Error("Failed to render event",
			slog.String("template", templateName),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := v.send(msg); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		v.logger.Error("Failed to publish event",
			slog.String("event", eventType),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (v *chatView) render(eventType, templateName string, data any) (*sse.Message, error) {
	var sb strings.Builder
	if err := v.templates.ExecuteTemplate(&sb, templateName, data); err != nil {
		return nil, err
	}

	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(sb.String())
	return msg, nil
}

// send numbers msg and publishes it to every page subscribed to the view.
func (v *chatView) send(msg *sse.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	msg.ID = sse.ID(strconv.FormatUint(v.seq, 10))
	if err := v.events.Publish(msg); err != nil {
		return err
	}
	v.lastID = msg.ID
	return nil
}

// subscribe brings a page that opens the event stream up to date. It sends the whole conversation
// as it stands and subscribes the page from the last event published before that snapshot, so the
// events published in between are replayed and none are sent twice.
func (v *chatView) subscribe(sess *sse.Session) (sse.Subscription, bool) {
	var (
		msg    *sse.Message
		lastID sse.EventID
		err    error
	)
	v.session.Sync(func(view chat.View) {
		msg, err = v.render(syncEvent, "chat_sync", view)

		v.mu.Lock()
		lastID = v.lastID
		v.mu.Unlock()
	})
	if err != nil {
		v.logger.Error("Failed to render event",
			slog.String("template", "chat_sync"),
			slog.String(errLoggerKey, err.Error()))
		http.Error(sess.Res, err.Error(), http.StatusInternalServerError)
		return sse.Subscription{}, false
	}

	if err = sess.Send(msg); err == nil {
		err = sess.Flush()
	}
	if err != nil {
		v.logger.Debug("Failed to sync chat view", slog.String(errLoggerKey, err.Error()))
		return sse.Subscription{}, false
	}

	return sse.Subscription{
		Client:      sess,
		LastEventID: lastID,
		Topics:      []string{sse.DefaultTopic},
	}, true
}

// close cancels the session and shuts the event stream down. It is safe to call more than once.
func (v *chatView) close(ctx context.Context) error {
	v.closeOnce.Do(func() {
		v.session.Close()

		e := &sse.Message{Type: sse.Type(closeEvent)}
		// We create a close event that complies with SSE spec requiring data
		e.AppendData("bye")
		// We ignore the error here since we're shutting down anyway
		_ = v.send(e)

		ctx, cancel := context.WithTimeout(ctx, viewCloseTimeout)
		defer cancel()
		v.closeErr = v.events.Shutdown(ctx)
	})
	return v.closeErr
}

// views is the bounded set of chat views currently open. Views leaving the set, whether removed or
// evicted, are closed.
type views struct {
	cache  *lru.Cache[string, *chatView]
	logger *slog.Logger
}

func newViews(size int, logger *slog.Logger) (*views, error) {
	vs := &views{logger: logger}
	cache, err := lru.NewWithEvict(size, vs.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create view cache: %w", err)
	}
	vs.cache = cache
	return vs, nil
}

func (vs *views) add(v *chatView) {
	vs.cache.Add(v.session.ID(), v)
}

func (vs *views) get(sessionID string) (*chatView, bool) {
	if sessionID == "" {
		return nil, false
	}
	return vs.cache.Get(sessionID)
}

func (vs *views) remove(sessionID string) {
	vs.cache.Remove(sessionID)
}

func (vs *views) len() int {
	return vs.cache.Len()
}

func (vs *views) evicted(sessionID string, v *chatView) {
	if err := v.close(context.Background()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		vs.logger.Warn("Failed to close chat view",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (vs *views) closeAll(ctx context.Context) error {
	var errs []error
	for _, v := range vs.cache.Values() {
		if err := v.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	vs.cache.Purge()
	return errors.Join(errs...)
}
