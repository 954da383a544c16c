package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTitle is used for sessions created without an explicit title.
const DefaultTitle = "Chat"

// ErrMalformed reports persisted data that could not be decoded.
var ErrMalformed = errors.New("malformed session data")

// ErrInvalidID reports a session ID that cannot name a session.
var ErrInvalidID = errors.New("invalid session id")

const maxIDLength = 128

// ValidateID accepts IDs made of ASCII letters, digits, '-' and '_', which covers
// the UUIDs CreateSession returns. Anything else could address files outside a store.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// Message is a single utterance in a session.
type Message struct {
	ID        string
	Text      string
	IsUser    bool
	Timestamp time.Time
}

// SessionPreview is the index entry describing a session's last persisted message.
type SessionPreview struct {
	SessionID     string
	Title         string
	LastMessage   string
	LastTimestamp time.Time
}

// wireMessage is the on-disk and on-wire shape: camelCase keys, millisecond timestamps.
type wireMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsUser    bool   `json:"isUser"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type wirePreview struct {
	SessionID     string  `json:"sessionId"`
	Title         *string `json:"title,omitempty"`
	LastMessage   string  `json:"lastMessage"`
	LastTimestamp *int64  `json:"lastTimestamp,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	ts := m.Timestamp.UnixMilli()
	return json.Marshal(wireMessage{ID: m.ID, Text: m.Text, IsUser: m.IsUser, Timestamp: &ts})
}

// UnmarshalJSON requires an id. A missing timestamp defaults to now.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return ErrMalformed
	}
	*m = Message{ID: w.ID, Text: w.Text, IsUser: w.IsUser, Timestamp: fromMillis(w.Timestamp)}
	return nil
}

func (p SessionPreview) MarshalJSON() ([]byte, error) {
	ts := p.LastTimestamp.UnixMilli()
	title := p.Title
	return json.Marshal(wirePreview{SessionID: p.SessionID, Title: &title, LastMessage: p.LastMessage, LastTimestamp: &ts})
}

// UnmarshalJSON requires a sessionId. A missing title defaults to DefaultTitle and a
// missing timestamp to now.
func (p *SessionPreview) UnmarshalJSON(data []byte) error {
	var w wirePreview
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.SessionID == "" {
		return ErrMalformed
	}
	title := DefaultTitle
	if w.Title != nil {
		title = *w.Title
	}
	*p = SessionPreview{SessionID: w.SessionID, Title: title, LastMessage: w.LastMessage, LastTimestamp: fromMillis(w.LastTimestamp)}
	return nil
}

func fromMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Now()
	}
	return time.UnixMilli(*ms)
}

// Preview projects the last message of a session into its preview.
func Preview(id, title string, last Message) SessionPreview {
	return SessionPreview{
		SessionID:     id,
		Title:         title,
		LastMessage:   last.Text,
		LastTimestamp: last.Timestamp,
	}
}

// Upsert replaces the message with msg.ID in place, or appends msg when no such message exists.
func Upsert(msgs []Message, msg Message) []Message {
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}
