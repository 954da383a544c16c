package store

import "context"

// Store defines the interface for persisting conversation sessions and their preview index.
// A Store has a single writer (the orchestrator); readers may run concurrently and observe
// either the state before or after any write.
type Store interface {
	// CreateSession creates an empty session and its preview entry.
	// Either both are persisted or neither is.
	CreateSession(ctx context.Context, title string) (string, error)

	// LoadSession returns the persisted messages of a session in order.
	// A missing, unreadable or malformed session yields an empty slice, never an error.
	LoadSession(ctx context.Context, id string) []Message

	// AppendMessage appends msg to the session, or replaces the message with the same ID
	// in place, and updates the session preview in the same logical unit.
	// An unknown session is created implicitly with DefaultTitle.
	AppendMessage(ctx context.Context, id string, msg Message) error

	// ListPreviews returns all session previews ordered by LastTimestamp descending.
	// Previews with equal timestamps keep their insertion order.
	ListPreviews(ctx context.Context) ([]SessionPreview, error)

	// DeleteSession removes the session log and its preview. Deleting an unknown session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// Subscribe returns a channel that emits session IDs whenever a session is created, changed or deleted.
	Subscribe() <-chan string

	// Close releases resources held by the store.
	Close() error
}
