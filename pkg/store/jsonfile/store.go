package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loracle-dev/loracle/pkg/store"
)

const indexFile = "index.json"

// Store implements store.Store with one JSON file per session and an index.json of previews.
type Store struct {
	dir       string
	previews  []store.SessionPreview // insertion order
	eventChan chan string
	mu        sync.RWMutex
	subs      []chan string
	closed    bool
}

var _ store.Store = (*Store)(nil)

// Open prepares dir and loads the session index. A malformed index is reset to empty
// and rewritten immediately.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		eventChan: make(chan string, 100),
	}

	previews, err := s.readIndex()
	if err != nil {
		slog.Warn("Session index is malformed, resetting", "path", s.indexPath(), "error", err)
		previews = []store.SessionPreview{}
		if err := s.writeIndex(previews); err != nil {
			return nil, fmt.Errorf("failed to reset session index: %w", err)
		}
	}
	s.previews = previews

	go s.broadcastLoop()
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, "session_"+id+".json")
}

func (s *Store) readIndex() ([]store.SessionPreview, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return []store.SessionPreview{}, nil
	}
	if err != nil {
		return nil, err
	}
	var previews []store.SessionPreview
	if err := json.Unmarshal(data, &previews); err != nil {
		return nil, err
	}
	if previews == nil {
		previews = []store.SessionPreview{}
	}
	return previews, nil
}

func (s *Store) writeIndex(previews []store.SessionPreview) error {
	data, err := json.MarshalIndent(previews, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath(), data, 0644)
}

func (s *Store) readMessages(id string) ([]store.Message, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		return nil, err
	}
	var msgs []store.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) writeMessages(id string, msgs []store.Message) error {
	if msgs == nil {
		msgs = []store.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.sessionPath(id), data, 0644)
}

func (s *Store) findLocked(id string) int {
	for i, p := range s.previews {
		if p.SessionID == id {
			return i
		}
	}
	return -1
}

func (s *Store) CreateSession(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = store.DefaultTitle
	}
	id := uuid.New().String()

	if err := s.writeMessages(id, nil); err != nil {
		return "", fmt.Errorf("failed to create session file: %w", err)
	}

	next := append(clonePreviews(s.previews), store.SessionPreview{
		SessionID:     id,
		Title:         title,
		LastTimestamp: time.Now(),
	})
	if err := s.writeIndex(next); err != nil {
		os.Remove(s.sessionPath(id))
		return "", fmt.Errorf("failed to update session index: %w", err)
	}
	s.previews = next

	s.publish(id)
	return id, nil
}

func (s *Store) LoadSession(ctx context.Context, id string) []store.Message {
	if err := store.ValidateID(id); err != nil {
		slog.Warn("Refusing to load session", "error", err)
		return []store.Message{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, err := s.readMessages(id)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Session file is unreadable, treating as empty", "session_id", id, "error", err)
		}
		return []store.Message{}
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg store.Message) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevData, readErr := os.ReadFile(s.sessionPath(id))
	var msgs []store.Message
	if readErr == nil {
		if err := json.Unmarshal(prevData, &msgs); err != nil {
			slog.Warn("Session file is malformed, starting over", "session_id", id, "error", err)
			msgs = nil
		}
	}

	msgs = store.Upsert(msgs, msg)
	if err := s.writeMessages(id, msgs); err != nil {
		return fmt.Errorf("failed to write session %s: %w", id, err)
	}

	next := clonePreviews(s.previews)
	title := store.DefaultTitle
	idx := s.findLocked(id)
	if idx >= 0 {
		title = next[idx].Title
	}
	preview := store.Preview(id, title, msgs[len(msgs)-1])
	if idx >= 0 {
		next[idx] = preview
	} else {
		next = append(next, preview)
	}

	if err := s.writeIndex(next); err != nil {
		// Keep the session log consistent with the preview that is still on disk.
		if readErr == nil {
			if rbErr := writeFileAtomic(s.sessionPath(id), prevData, 0644); rbErr != nil {
				slog.Error("Failed to restore session file", "session_id", id, "error", rbErr)
			}
		} else {
			os.Remove(s.sessionPath(id))
		}
		return fmt.Errorf("failed to update session index: %w", err)
	}
	s.previews = next

	s.publish(id)
	return nil
}

func (s *Store) ListPreviews(ctx context.Context) ([]store.SessionPreview, error) {
	s.mu.RLock()
	out := clonePreviews(s.previews)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastTimestamp.After(out[j].LastTimestamp)
	})
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.findLocked(id); idx >= 0 {
		next := clonePreviews(s.previews)
		next = append(next[:idx], next[idx+1:]...)
		if err := s.writeIndex(next); err != nil {
			return fmt.Errorf("failed to update session index: %w", err)
		}
		s.previews = next
	}

	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	s.publish(id)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.eventChan)
	}
	return nil
}

func (s *Store) broadcastLoop() {
	for id := range s.eventChan {
		s.mu.RLock()
		for _, sub := range s.subs {
			// Non-blocking send
			select {
			case sub <- id:
			default:
			}
		}
		s.mu.RUnlock()
	}
	s.mu.Lock()
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
	s.mu.Unlock()
}

func (s *Store) Subscribe() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, 10)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// publish is called with mu held.
func (s *Store) publish(id string) {
	if s.closed {
		return
	}
	select {
	case s.eventChan <- id:
	default:
	}
}

func clonePreviews(in []store.SessionPreview) []store.SessionPreview {
	out := make([]store.SessionPreview, len(in))
	copy(out, in)
	return out
}
