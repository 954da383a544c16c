package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/loracle-dev/loracle/pkg/speech"
	"github.com/loracle-dev/loracle/pkg/store"
	"github.com/loracle-dev/loracle/pkg/store/jsonfile"
)

// MockStream is driven by the test through its events channel.
type MockStream struct {
	events    chan models.Event
	req       models.Request
	cancelled atomic.Bool
}

func (s *MockStream) Events() <-chan models.Event { return s.events }
func (s *MockStream) Cancel()                     { s.cancelled.Store(true) }

func (s *MockStream) send(evs ...models.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// MockDispatcher hands every dispatched stream to the test.
type MockDispatcher struct {
	streams chan *MockStream
}

func newMockDispatcher() *MockDispatcher {
	return &MockDispatcher{streams: make(chan *MockStream, 10)}
}

func (d *MockDispatcher) Dispatch(ctx context.Context, conversationID string, req models.Request) models.Stream {
	s := &MockStream{events: make(chan models.Event, 16), req: req}
	d.streams <- s
	return s
}

func (d *MockDispatcher) next(t *testing.T) *MockStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

func (d *MockDispatcher) pending() int {
	return len(d.streams)
}

// MockRecognizer returns a scripted transcript. With block set it waits for cancellation.
type MockRecognizer struct {
	text  string
	err   error
	block bool
	calls atomic.Int32
}

func (r *MockRecognizer) Capture(ctx context.Context) (string, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

// MockSpeaker records utterances. With block set each utterance lasts until cancelled.
type MockSpeaker struct {
	mu     sync.Mutex
	spoken []string
	block  bool
	ended  atomic.Int32
}

func (s *MockSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		s.ended.Add(1)
		return ctx.Err()
	}
	return nil
}

func (s *MockSpeaker) Shutdown() error { return nil }

func (s *MockSpeaker) utterances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// failingStore fails appends while failAppend is set.
type failingStore struct {
	store.Store
	failAppend atomic.Bool
}

func (s *failingStore) AppendMessage(ctx context.Context, id string, msg store.Message) error {
	if s.failAppend.Load() {
		return errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, id, msg)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := jsonfile.Open(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func start(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Store == nil {
		opts.Store = newTestStore(t)
	}
	o := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-ticker.C:
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitState(t *testing.T, o *Orchestrator, s State) {
	t.Helper()
	waitFor(t, "state "+s.String(), func() bool { return o.State() == s })
}

func waitUpdate(t *testing.T, updates <-chan Update, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatal("updates closed")
			}
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestWakeToSpeech(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	rec := &MockRecognizer{text: "  say hi  "}
	spk := &MockSpeaker{}
	o := start(t, Options{Store: st, Dispatcher: disp, Recognizer: rec, Speaker: spk})

	o.Trigger()
	s := disp.next(t)
	if s.req.Prompt != "say hi" {
		t.Errorf("prompt = %q, want %q", s.req.Prompt, "say hi")
	}
	if s.req.History != nil {
		t.Errorf("stateless prompt should carry no history, got %+v", s.req.History)
	}

	s.send(
		models.Event{Type: models.EventToken, Text: "Hi"},
		models.Event{Type: models.EventToken, Text: " there"},
		models.Event{Type: models.EventDone},
	)
	waitFor(t, "reply spoken", func() bool { return len(spk.utterances()) == 1 })
	waitState(t, o, StateIdle)

	if got := spk.utterances(); len(got) != 1 || got[0] != "Hi there" {
		t.Errorf("spoken = %q, want exactly [\"Hi there\"]", got)
	}

	msgs := st.LoadSession(context.Background(), o.CurrentSession())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %+v", msgs)
	}
	if !msgs[0].IsUser || msgs[0].Text != "say hi" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].IsUser || msgs[1].Text != "Hi there" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	cached := o.Messages()
	if len(cached) != len(msgs) {
		t.Fatalf("cache has %d messages, store has %d", len(cached), len(msgs))
	}
	for i := range msgs {
		if cached[i].ID != msgs[i].ID || cached[i].Text != msgs[i].Text {
			t.Errorf("cache[%d] = %+v, store = %+v", i, cached[i], msgs[i])
		}
	}

	previews, _ := st.ListPreviews(context.Background())
	if len(previews) != 1 || previews[0].Title != store.DefaultTitle || previews[0].LastMessage != "Hi there" {
		t.Errorf("unexpected previews: %+v", previews)
	}
}

func TestStreamFailureKeepsPartialReply(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	spk := &MockSpeaker{}
	o := start(t, Options{Store: st, Dispatcher: disp, Speaker: spk})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Submit(context.Background(), "question"); err != nil {
		t.Fatal(err)
	}
	s := disp.next(t)
	s.send(
		models.Event{Type: models.EventToken, Text: "Par"},
		models.Event{Type: models.EventFailed, Reason: "reset"},
	)

	u := waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateError })
	if u.ErrorKind != KindStream || !strings.Contains(u.Text, "reset") {
		t.Errorf("error update = %+v", u)
	}
	waitState(t, o, StateIdle)

	msgs := st.LoadSession(context.Background(), o.CurrentSession())
	if len(msgs) != 2 || msgs[1].Text != "Par" || msgs[1].IsUser {
		t.Errorf("persisted messages = %+v, want partial assistant reply", msgs)
	}
	if got := spk.utterances(); len(got) != 0 {
		t.Errorf("nothing should be spoken on failure, got %q", got)
	}
}

func TestNewTurnCancelsPrevious(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	spk := &MockSpeaker{}
	o := start(t, Options{Store: st, Dispatcher: disp, Speaker: spk})
	ctx := context.Background()

	if err := o.Submit(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	first := disp.next(t)
	first.send(models.Event{Type: models.EventToken, Text: "A"})
	waitState(t, o, StateStreaming)

	if err := o.Submit(ctx, "two"); err != nil {
		t.Fatal(err)
	}
	if !first.cancelled.Load() {
		t.Error("first stream was not cancelled")
	}
	second := disp.next(t)

	// A token arriving late on the cancelled stream must be discarded.
	first.send(models.Event{Type: models.EventToken, Text: "late"}, models.Event{Type: models.EventDone})
	close(first.events)
	waitFor(t, "late events drained", func() bool { return len(first.events) == 0 })

	second.send(models.Event{Type: models.EventToken, Text: "B"}, models.Event{Type: models.EventDone})
	waitFor(t, "second reply spoken", func() bool { return len(spk.utterances()) == 1 })
	waitState(t, o, StateIdle)

	if got := spk.utterances(); got[0] != "B" {
		t.Errorf("spoken = %q, want [\"B\"]", got)
	}

	msgs := st.LoadSession(ctx, o.CurrentSession())
	want := []string{"one", "A", "two", "B"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), msgs)
	}
	for i, text := range want {
		if msgs[i].Text != text {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text, text)
		}
	}
}

func TestWakeTriggerIgnoredWhileBusy(t *testing.T) {
	disp := newMockDispatcher()
	rec := &MockRecognizer{text: "hello"}
	o := start(t, Options{Dispatcher: disp, Recognizer: rec})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Submit(context.Background(), "typed"); err != nil {
		t.Fatal(err)
	}
	s := disp.next(t)

	o.Trigger()
	u := waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateNotice })
	if !strings.Contains(u.Text, "ignored") {
		t.Errorf("notice = %q", u.Text)
	}
	if rec.calls.Load() != 0 {
		t.Error("recognizer should not run while busy")
	}
	if o.State() != StateDispatching {
		t.Errorf("state = %v, want dispatching", o.State())
	}
	if s.cancelled.Load() {
		t.Error("ignored trigger must not cancel the turn")
	}
}

func TestListenInterruptsCurrentTurn(t *testing.T) {
	disp := newMockDispatcher()
	rec := &MockRecognizer{block: true}
	o := start(t, Options{Dispatcher: disp, Recognizer: rec})

	if err := o.Submit(context.Background(), "typed"); err != nil {
		t.Fatal(err)
	}
	s := disp.next(t)

	if err := o.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.cancelled.Load() {
		t.Error("listen should cancel the outstanding stream")
	}
	waitState(t, o, StateCapturing)
}

func TestListenWithoutRecognizer(t *testing.T) {
	o := start(t, Options{Dispatcher: newMockDispatcher()})
	if err := o.Listen(context.Background()); !errors.Is(err, ErrNoRecognizer) {
		t.Errorf("err = %v, want ErrNoRecognizer", err)
	}
}

func TestCaptureError(t *testing.T) {
	disp := newMockDispatcher()
	rec := &MockRecognizer{err: speech.ErrNoSpeech}
	o := start(t, Options{Dispatcher: disp, Recognizer: rec})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.Trigger()
	u := waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateError })
	if u.ErrorKind != KindCapture {
		t.Errorf("error kind = %s, want capture", u.ErrorKind)
	}
	waitState(t, o, StateIdle)
	if disp.pending() != 0 {
		t.Error("nothing should be dispatched after a capture error")
	}
	if o.CurrentSession() != "" {
		t.Error("a failed capture should not create a session")
	}
}

func TestDispatchFailureBeforeTokens(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	o := start(t, Options{Store: st, Dispatcher: disp})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.Submit(context.Background(), "hello")
	disp.next(t).send(models.Event{Type: models.EventFailed, Reason: "HTTP 500: Internal Server Error"})

	u := waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateError })
	if u.ErrorKind != KindDispatch || !strings.Contains(u.Text, "HTTP 500") {
		t.Errorf("error update = %+v", u)
	}
	waitState(t, o, StateIdle)

	msgs := st.LoadSession(context.Background(), o.CurrentSession())
	if len(msgs) != 1 || !msgs[0].IsUser {
		t.Errorf("only the user message should be persisted, got %+v", msgs)
	}
}

func TestDoneWithoutTokens(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	spk := &MockSpeaker{}
	o := start(t, Options{Store: st, Dispatcher: disp, Speaker: spk})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.Submit(context.Background(), "hello")
	disp.next(t).send(models.Event{Type: models.EventDone})

	waitUpdate(t, updates, func(u Update) bool { return u.Kind == UpdateNotice })
	waitState(t, o, StateIdle)
	if len(spk.utterances()) != 0 {
		t.Error("empty reply should not be spoken")
	}
	if msgs := st.LoadSession(context.Background(), o.CurrentSession()); len(msgs) != 1 {
		t.Errorf("expected only the user message, got %+v", msgs)
	}
}

func TestSubmitWhileSpeakingStopsSpeech(t *testing.T) {
	disp := newMockDispatcher()
	spk := &MockSpeaker{block: true}
	o := start(t, Options{Dispatcher: disp, Speaker: spk})
	ctx := context.Background()

	o.Submit(ctx, "one")
	disp.next(t).send(models.Event{Type: models.EventToken, Text: "long reply"}, models.Event{Type: models.EventDone})
	waitState(t, o, StateSpeaking)

	if err := o.Submit(ctx, "two"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "speech stopped", func() bool { return spk.ended.Load() == 1 })
	disp.next(t)
	if o.State() != StateDispatching {
		t.Errorf("state = %v, want dispatching", o.State())
	}
}

func TestStorageFailureAbortsTurn(t *testing.T) {
	fs := &failingStore{Store: newTestStore(t)}
	disp := newMockDispatcher()
	o := start(t, Options{Store: fs, Dispatcher: disp})
	ctx := context.Background()

	fs.failAppend.Store(true)
	err := o.Submit(ctx, "hello")
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != KindStorage {
		t.Fatalf("err = %v, want storage TurnError", err)
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v, want idle", o.State())
	}
	if disp.pending() != 0 {
		t.Error("nothing should be dispatched when the user message cannot be saved")
	}

	// Failure while streaming cancels the stream and keeps the text in memory.
	fs.failAppend.Store(false)
	if err := o.Submit(ctx, "again"); err != nil {
		t.Fatal(err)
	}
	s := disp.next(t)
	fs.failAppend.Store(true)
	s.send(models.Event{Type: models.EventToken, Text: "unsaved"})
	waitState(t, o, StateIdle)
	if !s.cancelled.Load() {
		t.Error("stream should be cancelled after a storage failure")
	}
	msgs := o.Messages()
	if last := msgs[len(msgs)-1]; last.Text != "unsaved" {
		t.Errorf("in-memory reply lost, last message = %+v", last)
	}
}

func TestHistoryTurns(t *testing.T) {
	disp := newMockDispatcher()
	o := start(t, Options{Dispatcher: disp, HistoryTurns: 1, System: "be nice", Model: "tiny"})
	ctx := context.Background()

	o.Submit(ctx, "first")
	s := disp.next(t)
	if len(s.req.History) != 0 {
		t.Errorf("first prompt history = %+v", s.req.History)
	}
	s.send(models.Event{Type: models.EventToken, Text: "reply"}, models.Event{Type: models.EventDone})
	waitFor(t, "turn complete", func() bool { return o.State() == StateIdle && len(o.Messages()) == 2 })

	o.Submit(ctx, "second")
	s = disp.next(t)
	h := s.req.History
	if len(h) != 2 || h[0].Role != models.RoleUser || h[0].Content != "first" || h[1].Role != models.RoleAssistant || h[1].Content != "reply" {
		t.Errorf("history = %+v", h)
	}
	if s.req.System != "be nice" || s.req.Model != "tiny" {
		t.Errorf("request = %+v", s.req)
	}
}

func TestSessionOperations(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	o := start(t, Options{Store: st, Dispatcher: disp})
	ctx := context.Background()

	id, err := o.NewSession(ctx, "Weather")
	if err != nil {
		t.Fatal(err)
	}
	if o.CurrentSession() != id {
		t.Errorf("current = %s, want %s", o.CurrentSession(), id)
	}

	other, _ := st.CreateSession(ctx, "Other")
	st.AppendMessage(ctx, other, store.Message{ID: "m1", Text: "old", IsUser: true, Timestamp: time.Now()})

	o.Submit(ctx, "busy now")
	s := disp.next(t)
	if err := o.SwitchSession(ctx, other); !errors.Is(err, ErrBusy) {
		t.Errorf("switch while busy: err = %v, want ErrBusy", err)
	}
	if err := o.DeleteSession(ctx, id); !errors.Is(err, ErrBusy) {
		t.Errorf("delete current while busy: err = %v, want ErrBusy", err)
	}
	s.send(models.Event{Type: models.EventDone})
	waitState(t, o, StateIdle)

	if err := o.SwitchSession(ctx, other); err != nil {
		t.Fatal(err)
	}
	if msgs := o.Messages(); len(msgs) != 1 || msgs[0].Text != "old" {
		t.Errorf("switched messages = %+v", msgs)
	}

	if err := o.DeleteSession(ctx, other); err != nil {
		t.Fatal(err)
	}
	if o.CurrentSession() != "" {
		t.Error("deleting the current session should clear it")
	}

	if err := o.SwitchSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := o.CloseSession(ctx); err != nil {
		t.Fatal(err)
	}
	if o.CurrentSession() != "" || len(o.Messages()) != 0 {
		t.Error("close should clear the current session")
	}
}

func TestInitialSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateSession(ctx, "")
	st.AppendMessage(ctx, id, store.Message{ID: "m1", Text: "earlier", IsUser: true, Timestamp: time.Now()})

	o := New(Options{Store: st, Dispatcher: newMockDispatcher(), SessionID: id})
	if o.CurrentSession() != id || len(o.Messages()) != 1 {
		t.Errorf("initial session not loaded: %s %+v", o.CurrentSession(), o.Messages())
	}
}

func TestClosedOrchestrator(t *testing.T) {
	o := New(Options{Store: newTestStore(t), Dispatcher: newMockDispatcher()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if err := o.Submit(context.Background(), "hello"); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Run = %v, want ErrClosed", err)
	}
	updates, _ := o.Subscribe()
	if _, ok := <-updates; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestSlowObserverSeesTurnEnd(t *testing.T) {
	st := newTestStore(t)
	disp := newMockDispatcher()
	o := start(t, Options{Store: st, Dispatcher: disp})
	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Submit(context.Background(), "tell me a story"); err != nil {
		t.Fatal(err)
	}
	s := disp.next(t)
	var want strings.Builder
	go func() {
		for i := 0; i < 80; i++ {
			s.send(models.Event{Type: models.EventToken, Text: "la "})
		}
		s.send(models.Event{Type: models.EventDone})
	}()
	for i := 0; i < 80; i++ {
		want.WriteString("la ")
	}

	// The observer reads nothing until the turn is over.
	waitFor(t, "reply persisted", func() bool {
		msgs := st.LoadSession(context.Background(), o.CurrentSession())
		return len(msgs) == 2 && msgs[1].Text == want.String()
	})
	waitState(t, o, StateIdle)

	var reply string
	waitUpdate(t, updates, func(u Update) bool {
		if u.Kind == UpdateMessage && u.Message != nil && !u.Message.IsUser {
			reply = u.Message.Text
		}
		return u.Kind == UpdateState && u.State == StateIdle
	})
	if reply != want.String() {
		t.Errorf("final reply update = %q", reply)
	}
}

func TestSessionOperationsRejectInvalidIDs(t *testing.T) {
	st := newTestStore(t)
	o := start(t, Options{Store: st, Dispatcher: newMockDispatcher()})
	ctx := context.Background()

	if err := o.SwitchSession(ctx, "../index"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("SwitchSession = %v, want ErrInvalidID", err)
	}
	if err := o.DeleteSession(ctx, "/../../x"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("DeleteSession = %v, want ErrInvalidID", err)
	}
	if o.CurrentSession() != "" {
		t.Errorf("current session = %q", o.CurrentSession())
	}

	o2 := New(Options{Store: st, Dispatcher: newMockDispatcher(), SessionID: "../index"})
	if o2.CurrentSession() != "" {
		t.Errorf("invalid initial session was selected: %q", o2.CurrentSession())
	}
}
