package models

import (
	"context"
)

// EventType distinguishes stream events.
type EventType int

const (
	// EventToken carries a non-terminal fragment of the reply.
	EventToken EventType = iota
	// EventDone is the successful terminal event.
	EventDone
	// EventFailed is the unsuccessful terminal event; Reason describes the failure.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one element of a reply stream.
type Event struct {
	Type   EventType
	Text   string // EventToken only
	Reason string // EventFailed only
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventFailed
}

// Role is the speaker of a prior turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a prior exchange sent as conversation history.
type Turn struct {
	Role    Role
	Content string
}

// Request describes a single generation.
type Request struct {
	// Model overrides the backend's default model when set.
	Model string
	// Prompt is the user's current utterance.
	Prompt string
	// System is an optional instruction preamble.
	System string
	// History holds earlier turns, oldest first. Empty for stateless prompts.
	History []Turn
}

// Backend is a language-model service that produces a reply as a sequence of tokens.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Generate streams the reply for req, calling emit for every token in order.
	// It returns nil after the reply completed, or an error describing why it did not.
	// If emit returns an error, Generate stops and returns it.
	Generate(ctx context.Context, req Request, emit func(token string) error) error
}

// Stream is an in-flight reply.
type Stream interface {
	// Events yields zero or more EventToken followed by exactly one terminal event,
	// then closes. After Cancel the terminal event is best-effort.
	Events() <-chan Event

	// Cancel stops the reply and releases its connection. It is safe to call more than once.
	Cancel()
}

// Dispatcher starts replies. At most one reply is active per conversation:
// dispatching again for the same conversation cancels the previous reply first.
type Dispatcher interface {
	Dispatch(ctx context.Context, conversationID string, req Request) Stream
}

// Lister is implemented by backends that can enumerate their models.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
