package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rattlehq/reliability-copilot/internal/models"
)

var (
	// ErrEmptyPrompt is returned by Submit when the prompt is empty or whitespace only.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrClosed is returned by Submit once the session has been closed.
	ErrClosed = errors.New("chat session is closed")
)

// FailureMessage is the text shown to the user when an answer could not be obtained.
const FailureMessage = "The answer service could not be reached. Please try again."

// DefaultRevealInterval is the delay between two revealed fragments.
const DefaultRevealInterval = time.Second

// Observer receives the state changes of a Session that happen outside of a request, so they can be
// pushed to the page. Callbacks are delivered one at a time in the order the changes happened, after
// the session's lock has been released. They may read the Session but must not call Sync.
type Observer interface {
	Revealed(sessionID string, entry models.Entry)
	TypingChanged(sessionID string, typing bool)
	Failed(sessionID string, message string)
}

// View is a point-in-time copy of a session's state, suitable for rendering.
type View struct {
	SessionID    string
	Prompt       string
	Conversation []models.Entry
	Typing       bool
	Error        string
}

// Session holds the state of one chat view: the prompt, the conversation and whether the bot is
// typing. A session is created when the chat page is opened and closed when the page goes away.
type Session struct {
	id       string
	observer Observer
	reveal   *Reveal

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	prompt       string
	conversation []models.Entry
	inFlight     int
	typing       bool
	errMsg       string
	closed       bool
	notes        []func(Observer)

	// notifyMu serializes delivery of notes to the observer.
	notifyMu sync.Mutex
}

// NewSession creates an empty session with a random ID. Fragments are revealed every interval; a
// non-positive interval falls back to DefaultRevealInterval.
func NewSession(observer Observer, interval time.Duration) *Session {
	if interval <= 0 {
		interval = DefaultRevealInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New().String(),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.reveal = NewReveal(interval, s.revealed)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Context returns a context that is cancelled when the session is closed. Work done on behalf of
// the session, such as answer requests, should be bound to it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Submit records prompt as the session's prompt and, unless it is blank, appends it to the
// conversation as a user entry, marks the session as typing and clears the prompt. The caller is
// expected to request an answer for the returned entry and report the outcome with Deliver or Fail.
func (s *Session) Submit(prompt string) (models.Entry, error) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Entry{}, ErrClosed
	}
	s.prompt = prompt
	if strings.TrimSpace(prompt) == "" {
		return models.Entry{}, ErrEmptyPrompt
	}

	entry := models.UserEntry(prompt)
	s.conversation = append(s.conversation, entry)
	s.prompt = ""
	s.errMsg = ""
	s.inFlight++
	s.setTyping()

	return entry, nil
}

// Deliver splits a generated answer into fragments and queues them for reveal. It returns the
// number of fragments queued.
func (s *Session) Deliver(generated string) int {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	fragments := models.Fragments(generated)
	s.inFlight--
	s.reveal.Enqueue(fragments...)
	s.setTyping()

	return len(fragments)
}

// Fail records that an answer request failed. The user sees FailureMessage and may submit again.
func (s *Session) Fail(error) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.inFlight--
	s.errMsg = FailureMessage
	msg := s.errMsg
	s.notify(func(o Observer) { o.Failed(s.id, msg) })
	s.setTyping()
}

// View returns a snapshot of the session's state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}

func (s *Session) view() View {
	return View{
		SessionID:    s.id,
		Prompt:       s.prompt,
		Conversation: slices.Clone(s.conversation),
		Typing:       s.typing,
		Error:        s.errMsg,
	}
}

// Typing reports whether an answer is pending or still being revealed.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Close cancels pending answer requests and discards fragments not yet revealed. Closing an already
// closed session is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.reveal.Stop()
}

// Sync delivers the notes still pending and calls fn with a snapshot of the session taken once none
// are left. No note is delivered while fn runs, so every change missing from the snapshot reaches
// the observer after fn returns.
func (s *Session) Sync(fn func(View)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	for {
		s.mu.Lock()
		notes := s.notes
		s.notes = nil
		if len(notes) == 0 {
			v := s.view()
			s.mu.Unlock()
			fn(v)
			return
		}
		s.mu.Unlock()
		s.deliver(notes)
	}
}

func (s *Session) revealed(entry models.Entry, _ int) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.conversation = append(s.conversation, entry)
	s.notify(func(o Observer) { o.Revealed(s.id, entry) })
	s.setTyping()
}

// setTyping recomputes the typing flag from the in-flight and remaining counters and notifies the
// observer when it changes. Callers must hold s.mu.
func (s *Session) setTyping() {
	typing := s.inFlight > 0 || s.reveal.Remaining() > 0
	if typing == s.typing {
		return
	}
	s.typing = typing
	s.notify(func(o Observer) { o.TypingChanged(s.id, typing) })
}

// notify queues a note for the observer. Callers must hold s.mu and call flush once it is released.
func (s *Session) notify(note func(Observer)) {
	if s.observer == nil {
		return
	}
	s.notes = append(s.notes, note)
}

// flush delivers queued notes until none are left.
func (s *Session) flush() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	for {
		s.mu.Lock()
		notes := s.notes
		s.notes = nil
		s.mu.Unlock()

		if len(notes) == 0 {
			return
		}
		s.deliver(notes)
	}
}

func (s *Session) deliver(notes []func(Observer)) {
	for _, note := range notes {
		note(s.observer)
	}
}
