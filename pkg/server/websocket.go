package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API is meant for local clients
	},
}

// clientMessage is a command sent by a websocket client.
type clientMessage struct {
	Type string `json:"type"` // submit, listen or trigger
	Text string `json:"text,omitempty"`
}

// snapshotMessage is the first message on every connection.
type snapshotMessage struct {
	Kind string `json:"kind"`
	stateResponse
}

// storeMessage reports that a session's stored content changed.
type storeMessage struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
}

type errorMessage struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	updates, unsubscribe := s.assistant.Subscribe()
	defer unsubscribe()
	stored, unwatch := s.storeHub.subscribe()
	defer unwatch()

	// Snapshot first so clients never miss the state they join in.
	snapshot := snapshotMessage{
		Kind: "snapshot",
		stateResponse: stateResponse{
			State:     s.assistant.State().String(),
			SessionID: s.assistant.CurrentSession(),
			Messages:  s.assistant.Messages(),
		},
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(snapshot); err != nil {
		slog.Error("Failed initial sync", "error", err)
		return
	}

	// Only the writer loop writes to the connection; the reader hands it replies.
	replies := make(chan any, 8)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer Loop (Pusher)
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			var msg any
			select {
			case <-done:
				return
			case u, ok := <-updates:
				if !ok {
					ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				msg = u
			case id := <-stored:
				msg = storeMessage{Kind: "stored", SessionID: id}
			case reply := <-replies:
				msg = reply
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader Loop
	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.handleClientMessage(r.Context(), msg); err != nil {
			select {
			case replies <- errorMessage{Kind: "rejected", Error: err.Error()}:
			default:
			}
		}
	}

	close(done)
	wg.Wait()
}

func (s *Server) handleClientMessage(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case "submit":
		return s.assistant.Submit(ctx, msg.Text)
	case "listen":
		return s.assistant.Listen(ctx)
	case "trigger":
		s.assistant.Trigger()
		return nil
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// watchStore relays store changes to websocket clients until the store is closed.
func (s *Server) watchStore(changes <-chan string) {
	for id := range changes {
		s.storeHub.publish(id)
	}
	s.storeHub.close()
}

// hub fans session IDs out to connections.
type hub struct {
	mu     sync.Mutex
	subs   map[chan string]struct{}
	closed bool
}

func (h *hub) subscribe() (<-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan string, 16)
	if h.closed {
		return ch, func() {}
	}
	if h.subs == nil {
		h.subs = make(map[chan string]struct{})
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, ch)
	}
}

func (h *hub) publish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- id:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = nil
}
