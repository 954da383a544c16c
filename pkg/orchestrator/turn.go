package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/loracle-dev/loracle/pkg/speech"
	"github.com/loracle-dev/loracle/pkg/store"
)

type event interface{}

// triggerEvent is a wake detection, or an explicit listen request when explicit is set.
type triggerEvent struct {
	explicit bool
	reply    chan<- error
}

type submitEvent struct {
	text  string
	reply chan<- error
}

type callEvent struct {
	fn    func() error
	reply chan<- error
}

// Worker results carry the turn they belong to; results of an ended turn are dropped.

type transcriptEvent struct {
	turn uint64
	text string
	err  error
}

type streamEvent struct {
	turn uint64
	ev   models.Event
}

type speechDoneEvent struct {
	turn uint64
	err  error
}

// turn is the state of one user request, from capture to the end of speech.
type turn struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	stream models.Stream

	reply     strings.Builder
	assistant store.Message // ID is empty until the first token
}

func (o *Orchestrator) handle(ev event) {
	switch ev := ev.(type) {
	case triggerEvent:
		o.handleTrigger(ev)
	case submitEvent:
		if o.state.Busy() {
			o.interrupt()
		}
		ev.reply <- o.beginDispatch(o.newTurn(), ev.text)
	case callEvent:
		ev.reply <- ev.fn()
	case transcriptEvent:
		if !o.current(ev.turn, StateCapturing) {
			return
		}
		o.handleTranscript(ev)
	case streamEvent:
		if !o.current(ev.turn, StateDispatching, StateStreaming) {
			return
		}
		o.handleStream(ev.ev)
	case speechDoneEvent:
		if !o.current(ev.turn, StateSpeaking) {
			return
		}
		if ev.err != nil {
			slog.Warn("Speech output failed", "error", ev.err)
			o.publish(Update{Kind: UpdateNotice, Text: "speech output failed: " + ev.err.Error()})
		}
		o.finishTurn()
	default:
		slog.Error("Unknown orchestrator event", "event", ev)
	}
}

// current reports whether a worker result belongs to the active turn in one of the given states.
func (o *Orchestrator) current(id uint64, states ...State) bool {
	if o.turn == nil || o.turn.id != id {
		slog.Debug("Discarding stale event", "turn", id)
		return false
	}
	for _, s := range states {
		if o.state == s {
			return true
		}
	}
	slog.Debug("Discarding event for state", "turn", id, "state", o.state)
	return false
}

func (o *Orchestrator) handleTrigger(ev triggerEvent) {
	if !ev.explicit {
		if o.state.Busy() {
			slog.Debug("Ignoring wake trigger", "state", o.state)
			o.publish(Update{Kind: UpdateNotice, Text: "wake trigger ignored while " + o.state.String()})
			return
		}
		if o.opts.Recognizer == nil {
			slog.Warn("Ignoring wake trigger, no speech capture configured")
			return
		}
	} else if o.state.Busy() {
		o.interrupt()
	}

	t := o.newTurn()
	o.setState(StateCapturing)
	go func() {
		text, err := o.opts.Recognizer.Capture(t.ctx)
		o.post(transcriptEvent{turn: t.id, text: text, err: err})
	}()

	if ev.reply != nil {
		ev.reply <- nil
	}
}

func (o *Orchestrator) handleTranscript(ev transcriptEvent) {
	text := strings.TrimSpace(ev.text)
	if ev.err == nil && text == "" {
		ev.err = speech.ErrNoSpeech
	}
	if ev.err != nil {
		o.failTurn(KindCapture, ev.err.Error())
		return
	}
	slog.Debug("Transcript captured", "text", text)
	o.beginDispatch(o.turn, text)
}

func (o *Orchestrator) newTurn() *turn {
	o.turnSeq++
	ctx, cancel := context.WithCancel(o.runCtx)
	o.turn = &turn{id: o.turnSeq, ctx: ctx, cancel: cancel}
	return o.turn
}

// beginDispatch persists the user's text and dispatches it. Failures end the turn.
func (o *Orchestrator) beginDispatch(t *turn, text string) error {
	if o.sessionID == "" {
		id, err := o.opts.Store.CreateSession(o.runCtx, store.DefaultTitle)
		if err != nil {
			return o.failTurn(KindStorage, err.Error())
		}
		o.setSession(id, []store.Message{})
	}

	req := models.Request{
		Model:   o.opts.Model,
		Prompt:  text,
		System:  o.opts.System,
		History: o.history(),
	}

	msg := store.Message{ID: uuid.New().String(), Text: text, IsUser: true, Timestamp: time.Now()}
	if err := o.opts.Store.AppendMessage(o.runCtx, o.sessionID, msg); err != nil {
		return o.failTurn(KindStorage, err.Error())
	}
	o.messages = append(o.messages, msg)
	o.setState(StateDispatching)
	o.publish(Update{Kind: UpdateMessage, Message: &msg})

	t.stream = o.opts.Dispatcher.Dispatch(t.ctx, o.sessionID, req)
	go func() {
		for ev := range t.stream.Events() {
			o.post(streamEvent{turn: t.id, ev: ev})
		}
	}()
	return nil
}

// history returns up to HistoryTurns prior exchanges, oldest first.
func (o *Orchestrator) history() []models.Turn {
	if o.opts.HistoryTurns <= 0 {
		return nil
	}
	msgs := o.messages
	if n := o.opts.HistoryTurns * 2; len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	turns := make([]models.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := models.RoleAssistant
		if m.IsUser {
			role = models.RoleUser
		}
		turns = append(turns, models.Turn{Role: role, Content: m.Text})
	}
	return turns
}

func (o *Orchestrator) handleStream(ev models.Event) {
	t := o.turn
	switch ev.Type {
	case models.EventToken:
		if o.state == StateDispatching {
			t.assistant = store.Message{ID: uuid.New().String(), Timestamp: time.Now()}
			o.setState(StateStreaming)
		}
		t.reply.WriteString(ev.Text)
		t.assistant.Text = t.reply.String()
		o.messages = store.Upsert(o.messages, t.assistant)
		o.sync()

		msg := t.assistant
		o.publish(Update{Kind: UpdateToken, Text: ev.Text, Message: &msg})

		if err := o.opts.Store.AppendMessage(o.runCtx, o.sessionID, t.assistant); err != nil {
			o.failTurn(KindStorage, err.Error())
		}

	case models.EventDone:
		if o.state == StateDispatching {
			slog.Info("Reply was empty", "session_id", o.sessionID)
			o.publish(Update{Kind: UpdateNotice, Text: "empty reply"})
			o.finishTurn()
			return
		}
		if err := o.opts.Store.AppendMessage(o.runCtx, o.sessionID, t.assistant); err != nil {
			o.failTurn(KindStorage, err.Error())
			return
		}
		msg := t.assistant
		o.publish(Update{Kind: UpdateMessage, Message: &msg})
		o.speak(t)

	case models.EventFailed:
		kind := KindStream
		if o.state == StateDispatching {
			kind = KindDispatch
		}
		o.failTurn(kind, ev.Reason)
	}
}

func (o *Orchestrator) speak(t *turn) {
	if o.opts.Speaker == nil {
		o.finishTurn()
		return
	}
	text := t.reply.String()
	o.setState(StateSpeaking)
	go func() {
		err := o.opts.Speaker.Speak(t.ctx, text)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		o.post(speechDoneEvent{turn: t.id, err: err})
	}()
}

// failTurn ends the current turn with an error that observers see as a plain diagnostic.
// Text already persisted is kept.
func (o *Orchestrator) failTurn(kind ErrorKind, reason string) error {
	err := &TurnError{Kind: kind, Reason: reason}
	slog.Warn("Turn failed", "kind", kind, "reason", reason, "session_id", o.sessionID)
	o.publish(Update{Kind: UpdateError, ErrorKind: kind, Text: err.Error()})
	o.finishTurn()
	return err
}

func (o *Orchestrator) finishTurn() {
	if t := o.turn; t != nil {
		if t.stream != nil {
			t.stream.Cancel()
		}
		t.cancel()
		o.turn = nil
	}
	o.setState(StateIdle)
}

// interrupt abandons the turn in progress so a new one can start.
func (o *Orchestrator) interrupt() {
	slog.Debug("Interrupting turn", "state", o.state)
	o.publish(Update{Kind: UpdateNotice, Text: "interrupted while " + o.state.String()})
	o.finishTurn()
}
