package models

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ReasonCanceled is the failure reason reported for a cancelled reply.
const ReasonCanceled = "dispatch canceled"

// Client implements Dispatcher on top of a Backend.
type Client struct {
	backend Backend

	mu     sync.Mutex
	active map[string]*call
}

var _ Dispatcher = (*Client)(nil)

// NewClient creates a Client for backend.
func NewClient(backend Backend) *Client {
	return &Client{
		backend: backend,
		active:  make(map[string]*call),
	}
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

func (c *Client) Dispatch(ctx context.Context, conversationID string, req Request) Stream {
	ctx, cancel := context.WithCancel(ctx)
	cl := &call{
		events: make(chan Event, 1),
		cancel: cancel,
	}

	c.mu.Lock()
	if prev, ok := c.active[conversationID]; ok {
		slog.Debug("Cancelling previous dispatch", "conversation_id", conversationID)
		prev.Cancel()
	}
	c.active[conversationID] = cl
	c.mu.Unlock()

	go c.run(ctx, conversationID, cl, req)
	return cl
}

// Active reports whether a reply is in flight for conversationID.
func (c *Client) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

func (c *Client) run(ctx context.Context, conversationID string, cl *call, req Request) {
	defer cl.cancel()
	defer func() {
		close(cl.events)
		c.mu.Lock()
		if c.active[conversationID] == cl {
			delete(c.active, conversationID)
		}
		c.mu.Unlock()
	}()

	slog.Debug("Dispatching prompt", "backend", c.backend.Name(), "conversation_id", conversationID, "history", len(req.History))

	tokens := 0
	err := c.backend.Generate(ctx, req, func(token string) error {
		if token == "" {
			return nil
		}
		tokens++
		if !cl.send(ctx, Event{Type: EventToken, Text: token}) {
			return ctx.Err()
		}
		return nil
	})

	switch {
	case ctx.Err() != nil:
		// Nobody may be listening anymore, so never block here.
		select {
		case cl.events <- Event{Type: EventFailed, Reason: ReasonCanceled}:
		default:
		}
	case err != nil:
		slog.Debug("Dispatch failed", "backend", c.backend.Name(), "conversation_id", conversationID, "tokens", tokens, "error", err)
		cl.send(ctx, Event{Type: EventFailed, Reason: reason(err)})
	default:
		slog.Debug("Dispatch complete", "backend", c.backend.Name(), "conversation_id", conversationID, "tokens", tokens)
		cl.send(ctx, Event{Type: EventDone})
	}
}

func reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}

type call struct {
	events chan Event
	cancel context.CancelFunc
}

// send delivers ev unless ctx ends first.
func (c *call) send(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *call) Events() <-chan Event {
	return c.events
}

func (c *call) Cancel() {
	c.cancel()
}
