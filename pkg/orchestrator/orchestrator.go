package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/loracle-dev/loracle/pkg/speech"
	"github.com/loracle-dev/loracle/pkg/store"
)

// Options wires an Orchestrator to its collaborators. Recognizer and Speaker are optional:
// without a Recognizer only typed input is accepted, without a Speaker replies are not spoken.
type Options struct {
	Store      store.Store
	Dispatcher models.Dispatcher
	Recognizer speech.Recognizer
	Speaker    speech.Speaker

	// Model overrides the backend's default model.
	Model string
	// System is sent as the instruction preamble of every prompt.
	System string
	// HistoryTurns is the number of prior exchanges sent with each prompt. Zero sends
	// every prompt on its own.
	HistoryTurns int
	// SessionID selects the initially current session.
	SessionID string
}

// Orchestrator drives one conversation turn at a time through
// Idle → Capturing → Dispatching → Streaming → Speaking → Idle.
// All inputs, including worker results, are serialized through a single event channel
// processed by Run.
type Orchestrator struct {
	opts Options

	events  chan event
	done    chan struct{}
	running atomic.Bool
	updates broadcaster

	// Owned by the Run goroutine.
	runCtx    context.Context
	state     State
	sessionID string
	messages  []store.Message
	turn      *turn
	turnSeq   uint64

	snapMu sync.RWMutex
	snap   snapshot
}

type snapshot struct {
	state     State
	sessionID string
	messages  []store.Message
}

// New creates an Orchestrator. Call Run to start processing.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:   opts,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	if opts.SessionID != "" {
		if err := store.ValidateID(opts.SessionID); err != nil {
			slog.Warn("Ignoring initial session", "error", err)
		} else {
			o.sessionID = opts.SessionID
			o.messages = opts.Store.LoadSession(context.Background(), opts.SessionID)
		}
	}
	o.sync()
	return o
}

// Run processes events until ctx is done. It may only be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator is already running")
	}
	o.runCtx = ctx
	defer func() {
		if o.turn != nil {
			o.turn.cancel()
			o.turn = nil
		}
		close(o.done)
		o.updates.close()
	}()

	slog.Info("Orchestrator started", "session_id", o.sessionID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Orchestrator stopped")
			return ctx.Err()
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

// Trigger reports a wake-word detection. Triggers outside Idle are ignored.
// Delivery is best-effort: Trigger never blocks.
func (o *Orchestrator) Trigger() {
	select {
	case o.events <- triggerEvent{}:
	default:
		slog.Warn("Dropping wake trigger, event queue is full")
	}
}

// Listen starts a speech capture, ending any turn in progress first.
func (o *Orchestrator) Listen(ctx context.Context) error {
	if o.opts.Recognizer == nil {
		return ErrNoRecognizer
	}
	reply := make(chan error, 1)
	return o.request(ctx, triggerEvent{explicit: true, reply: reply}, reply)
}

// Submit starts a turn with typed text, ending any turn in progress first.
// It returns once the user message is persisted and the prompt dispatched.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyPrompt
	}
	reply := make(chan error, 1)
	return o.request(ctx, submitEvent{text: text, reply: reply}, reply)
}

// NewSession creates a session and makes it current.
func (o *Orchestrator) NewSession(ctx context.Context, title string) (string, error) {
	var id string
	err := o.call(ctx, func() error {
		if o.state.Busy() {
			return ErrBusy
		}
		created, err := o.opts.Store.CreateSession(o.runCtx, title)
		if err != nil {
			return err
		}
		id = created
		o.setSession(created, []store.Message{})
		return nil
	})
	return id, err
}

// SwitchSession makes an existing session current and loads its messages.
func (o *Orchestrator) SwitchSession(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	return o.call(ctx, func() error {
		if o.state.Busy() {
			return ErrBusy
		}
		o.setSession(id, o.opts.Store.LoadSession(o.runCtx, id))
		return nil
	})
}

// CloseSession leaves the current session. The next turn creates a new one.
func (o *Orchestrator) CloseSession(ctx context.Context) error {
	return o.call(ctx, func() error {
		if o.state.Busy() {
			return ErrBusy
		}
		o.setSession("", nil)
		return nil
	})
}

// DeleteSession deletes a session. Deleting the current session clears it, which is
// only allowed while Idle.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	return o.call(ctx, func() error {
		current := id == o.sessionID
		if current && o.state.Busy() {
			return ErrBusy
		}
		if err := o.opts.Store.DeleteSession(o.runCtx, id); err != nil {
			return err
		}
		if current {
			o.setSession("", nil)
		}
		return nil
	})
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap.state
}

// CurrentSession returns the current session ID, or "" when none is selected.
func (o *Orchestrator) CurrentSession() string {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap.sessionID
}

// Messages returns a copy of the current session's messages.
func (o *Orchestrator) Messages() []store.Message {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	out := make([]store.Message, len(o.snap.messages))
	copy(out, o.snap.messages)
	return out
}

// Subscribe returns a channel of updates and a function that cancels the subscription.
// Slow subscribers miss token updates rather than stalling the orchestrator; every other
// update is delivered in order.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	return o.updates.subscribe()
}

// request sends ev to the loop and waits for its reply.
func (o *Orchestrator) request(ctx context.Context, ev event, reply <-chan error) error {
	select {
	case o.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// call runs fn on the loop goroutine.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	return o.request(ctx, callEvent{fn: fn, reply: reply}, reply)
}

// post delivers a worker result to the loop.
func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) sync() {
	msgs := make([]store.Message, len(o.messages))
	copy(msgs, o.messages)

	o.snapMu.Lock()
	o.snap = snapshot{state: o.state, sessionID: o.sessionID, messages: msgs}
	o.snapMu.Unlock()
}

func (o *Orchestrator) publish(u Update) {
	u.State = o.state
	if u.SessionID == "" {
		u.SessionID = o.sessionID
	}
	o.updates.publish(u)
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	slog.Debug("State transition", "from", o.state, "to", s, "session_id", o.sessionID)
	o.state = s
	o.sync()
	o.publish(Update{Kind: UpdateState})
}

func (o *Orchestrator) setSession(id string, msgs []store.Message) {
	o.sessionID = id
	o.messages = msgs
	o.sync()
	o.publish(Update{Kind: UpdateSession})
}
