package chat_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rattlehq/reliability-copilot/internal/chat"
	"github.com/rattlehq/reliability-copilot/internal/models"
)

const testInterval = 5 * time.Millisecond

type recordingObserver struct {
	mu       sync.Mutex
	revealed []models.Entry
	typing   []bool
	failures []string

	idle chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{idle: make(chan struct{}, 16)}
}

func (o *recordingObserver) Revealed(_ string, entry models.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revealed = append(o.revealed, entry)
}

func (o *recordingObserver) TypingChanged(_ string, typing bool) {
	o.mu.Lock()
	o.typing = append(o.typing, typing)
	o.mu.Unlock()
	if !typing {
		o.idle <- struct{}{}
	}
}

func (o *recordingObserver) Failed(_ string, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, message)
}

func (o *recordingObserver) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-o.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing to stop")
	}
}

func TestSubmitEmptyPrompt(t *testing.T) {
	s := chat.NewSession(nil, testInterval)
	defer s.Close()

	for _, prompt := range []string{"", "   ", "\n\t"} {
		if _, err := s.Submit(prompt); !errors.Is(err, chat.ErrEmptyPrompt) {
			t.Errorf("Submit(%q) error = %v, want %v", prompt, err, chat.ErrEmptyPrompt)
		}
	}

	v := s.View()
	if len(v.Conversation) != 0 {
		t.Errorf("conversation length = %d, want 0", len(v.Conversation))
	}
	if v.Typing {
		t.Error("session should not be typing after a rejected submit")
	}
}

func TestSubmitClearsPromptImmediately(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	entry, err := s.Submit("Help me with some payment related test cases")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if entry.Speaker != models.SpeakerUser || entry.Text != "Help me with some payment related test cases" {
		t.Errorf("Submit() entry = %+v", entry)
	}

	v := s.View()
	if v.Prompt != "" {
		t.Errorf("prompt = %q, want empty before the answer arrives", v.Prompt)
	}
	if !v.Typing {
		t.Error("session should be typing while the answer is pending")
	}
	if len(v.Conversation) != 1 || v.Conversation[0] != entry {
		t.Errorf("conversation = %+v, want only the user entry", v.Conversation)
	}
}

func TestDeliverRevealsFragmentsInOrder(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	if _, err := s.Submit("What should I test?"); err != nil {
		t.Fatal(err)
	}

	if n := s.Deliver("Try this. Then that. Done."); n != 3 {
		t.Fatalf("Deliver() = %d, want 3", n)
	}
	if !s.Typing() {
		t.Error("session should keep typing until every fragment is revealed")
	}

	obs.waitIdle(t)

	v := s.View()
	want := []models.Entry{
		{Speaker: models.SpeakerUser, Text: "What should I test?"},
		{Speaker: models.SpeakerBot, Text: "Try this."},
		{Speaker: models.SpeakerBot, Text: "Then that."},
		{Speaker: models.SpeakerBot, Text: "Done."},
	}
	if len(v.Conversation) != len(want) {
		t.Fatalf("conversation = %+v, want %+v", v.Conversation, want)
	}
	for i := range want {
		if v.Conversation[i] != want[i] {
			t.Errorf("conversation[%d] = %+v, want %+v", i, v.Conversation[i], want[i])
		}
	}
	if v.Typing {
		t.Error("typing should be cleared once every fragment is revealed")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.revealed) != 3 {
		t.Errorf("observer saw %d reveals, want 3", len(obs.revealed))
	}
	if len(obs.typing) != 2 || !obs.typing[0] || obs.typing[1] {
		t.Errorf("typing transitions = %v, want [true false]", obs.typing)
	}
}

func TestDeliverEmptyAnswer(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	if _, err := s.Submit("Anything?"); err != nil {
		t.Fatal(err)
	}
	if n := s.Deliver(""); n != 0 {
		t.Errorf("Deliver() = %d, want 0", n)
	}
	if s.Typing() {
		t.Error("typing should be cleared when there is nothing to reveal")
	}
}

func TestFailShowsErrorAndStopsTyping(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	if _, err := s.Submit("Are there any bugs in payments?"); err != nil {
		t.Fatal(err)
	}
	s.Fail(errors.New("connection refused"))

	v := s.View()
	if v.Typing {
		t.Error("typing should be cleared after a failure")
	}
	if v.Error != chat.FailureMessage {
		t.Errorf("error = %q, want %q", v.Error, chat.FailureMessage)
	}
	if len(v.Conversation) != 1 {
		t.Errorf("conversation length = %d, want 1", len(v.Conversation))
	}

	// A new submission clears the error.
	if _, err := s.Submit("Try again"); err != nil {
		t.Fatal(err)
	}
	if v := s.View(); v.Error != "" {
		t.Errorf("error = %q, want empty after resubmitting", v.Error)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.failures) != 1 {
		t.Errorf("observer saw %d failures, want 1", len(obs.failures))
	}
}

func TestTypingWhileSecondAnswerPending(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	if _, err := s.Submit("first"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit("second"); err != nil {
		t.Fatal(err)
	}

	s.Deliver("One answer.")
	time.Sleep(10 * testInterval)

	if !s.Typing() {
		t.Error("session should keep typing while the second answer is pending")
	}

	s.Deliver("Other answer.")
	obs.waitIdle(t)

	if got := len(s.View().Conversation); got != 4 {
		t.Errorf("conversation length = %d, want 4", got)
	}
}

func TestCloseDiscardsPendingFragments(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, time.Hour)

	if _, err := s.Submit("question"); err != nil {
		t.Fatal(err)
	}
	s.Deliver("One. Two. Three.")
	s.Close()

	select {
	case <-s.Context().Done():
	default:
		t.Error("session context should be cancelled after Close")
	}

	if n := s.Deliver("Late answer."); n != 0 {
		t.Errorf("Deliver() after Close = %d, want 0", n)
	}
	if _, err := s.Submit("again"); !errors.Is(err, chat.ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want %v", err, chat.ErrClosed)
	}
	if got := len(s.View().Conversation); got != 1 {
		t.Errorf("conversation length = %d, want 1", got)
	}

	// Closing twice is harmless.
	s.Close()
}

func TestConcurrentSubmitsKeepEveryPrompt(t *testing.T) {
	s := chat.NewSession(nil, testInterval)
	defer s.Close()

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt := fmt.Sprintf("prompt %d", i)
			entry, err := s.Submit(prompt)
			if err != nil {
				errs <- fmt.Errorf("Submit(%q) error = %w", prompt, err)
				return
			}
			if entry.Text != prompt {
				errs <- fmt.Errorf("Submit(%q) entry = %q", prompt, entry.Text)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	seen := make(map[string]int)
	for _, entry := range s.View().Conversation {
		seen[entry.Text]++
	}
	for i := range n {
		if prompt := fmt.Sprintf("prompt %d", i); seen[prompt] != 1 {
			t.Errorf("prompt %q recorded %d times, want 1", prompt, seen[prompt])
		}
	}
}

func TestSubmitBlankPromptIsKept(t *testing.T) {
	s := chat.NewSession(nil, testInterval)
	defer s.Close()

	if _, err := s.Submit("  "); !errors.Is(err, chat.ErrEmptyPrompt) {
		t.Fatalf("Submit() error = %v, want %v", err, chat.ErrEmptyPrompt)
	}
	if v := s.View(); v.Prompt != "  " {
		t.Errorf("prompt = %q, want the rejected text", v.Prompt)
	}
}

// readingObserver reads the session from inside every callback.
type readingObserver struct {
	session *chat.Session
	views   chan chat.View
}

func (o *readingObserver) Revealed(string, models.Entry) { o.views <- o.session.View() }
func (o *readingObserver) TypingChanged(string, bool)    { o.views <- o.session.View() }
func (o *readingObserver) Failed(string, string)         { o.views <- o.session.View() }

func TestObserverRunsOutsideSessionLock(t *testing.T) {
	obs := &readingObserver{views: make(chan chat.View, 16)}
	s := chat.NewSession(obs, testInterval)
	obs.session = s
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Submit("question"); err != nil {
			t.Error(err)
		}
		s.Fail(errors.New("connection refused"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer reading the session blocked Submit")
	}

	// typing on, failure, typing off
	for range 3 {
		select {
		case <-obs.views:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for observer")
		}
	}
}

func TestSyncSnapshotMatchesNotes(t *testing.T) {
	obs := newRecordingObserver()
	s := chat.NewSession(obs, testInterval)
	defer s.Close()

	if _, err := s.Submit("question"); err != nil {
		t.Fatal(err)
	}
	s.Deliver("One. Two. Three. Four.")

	var snapshot chat.View
	var before int
	s.Sync(func(v chat.View) {
		snapshot = v
		obs.mu.Lock()
		before = len(obs.revealed)
		obs.mu.Unlock()
	})
	obs.waitIdle(t)

	// Every revealed entry is either in the snapshot or was observed after it, never both.
	if got := len(snapshot.Conversation) - 1; got != before {
		t.Errorf("snapshot holds %d revealed entries, observer had seen %d", got, before)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.revealed) != 4 {
		t.Errorf("observer saw %d reveals, want 4", len(obs.revealed))
	}
}
