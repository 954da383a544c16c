package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loracle-dev/loracle/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection and all subscriber channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		is_user INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) CreateSession(ctx context.Context, title string) (string, error) {
	if title == "" {
		title = store.DefaultTitle
	}
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, last_message, last_timestamp) VALUES (?, ?, '', ?)`,
		id, title, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	s.notifySubscribers(id)
	return id, nil
}

func (s *Store) LoadSession(ctx context.Context, id string) []store.Message {
	if err := store.ValidateID(id); err != nil {
		slog.Warn("Refusing to load session", "error", err)
		return []store.Message{}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, is_user, timestamp FROM messages WHERE session_id=? ORDER BY seq ASC`, id,
	)
	if err != nil {
		slog.Warn("Failed to load session, treating as empty", "session_id", id, "error", err)
		return []store.Message{}
	}
	defer rows.Close()

	msgs := []store.Message{}
	for rows.Next() {
		var (
			m  store.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Text, &m.IsUser, &ts); err != nil {
			slog.Warn("Failed to scan session message, treating as empty", "session_id", id, "error", err)
			return []store.Message{}
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("Failed to read session, treating as empty", "session_id", id, "error", err)
		return []store.Message{}
	}
	return msgs
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg store.Message) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ts := msg.Timestamp.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, last_message, last_timestamp) VALUES (?, ?, '', ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, store.DefaultTitle, ts,
	); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id=?`, id,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, id, text, is_user, timestamp, seq) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, id) DO UPDATE SET text=excluded.text, is_user=excluded.is_user, timestamp=excluded.timestamp`,
		id, msg.ID, msg.Text, msg.IsUser, ts, maxSeq+1,
	); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	// The preview always mirrors the last message by sequence.
	var (
		lastText string
		lastTS   int64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT text, timestamp FROM messages WHERE session_id=? ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&lastText, &lastTS); err != nil {
		return fmt.Errorf("last message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_message=?, last_timestamp=? WHERE id=?`, lastText, lastTS, id,
	); err != nil {
		return fmt.Errorf("update preview: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.notifySubscribers(id)
	return nil
}

func (s *Store) ListPreviews(ctx context.Context) ([]store.SessionPreview, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_message, last_timestamp FROM sessions ORDER BY last_timestamp DESC, seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	previews := []store.SessionPreview{}
	for rows.Next() {
		var (
			p  store.SessionPreview
			ts int64
		)
		if err := rows.Scan(&p.SessionID, &p.Title, &p.LastMessage, &ts); err != nil {
			return nil, err
		}
		p.LastTimestamp = time.UnixMilli(ts)
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.notifySubscribers(id)
	return nil
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
