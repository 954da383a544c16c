package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loracle-dev/loracle/pkg/store"
	"github.com/loracle-dev/loracle/pkg/store/jsonfile"
	"github.com/loracle-dev/loracle/pkg/store/sqlite"
)

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

var backends = []backend{
	{
		name: "jsonfile",
		open: func(t *testing.T) store.Store {
			s, err := jsonfile.Open(filepath.Join(t.TempDir(), "sessions"))
			if err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T) store.Store {
			s, err := sqlite.New(filepath.Join(t.TempDir(), "sessions.db"))
			if err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func msg(id, text string, isUser bool, ms int64) store.Message {
	return store.Message{ID: id, Text: text, IsUser: isUser, Timestamp: time.UnixMilli(ms)}
}

func TestStore_AppendAndLoad(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id, err := s.CreateSession(ctx, "")
		if err != nil {
			t.Fatal(err)
		}

		want := []store.Message{
			msg("m1", "hello", true, 1000),
			msg("m2", "hi, how can I help?", false, 2000),
			msg("m3", "tell me a joke", true, 3000),
		}
		for _, m := range want {
			if err := s.AppendMessage(ctx, id, m); err != nil {
				t.Fatalf("AppendMessage(%s): %v", m.ID, err)
			}
		}

		got := s.LoadSession(ctx, id)
		if len(got) != len(want) {
			t.Fatalf("expected %d messages, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].ID != want[i].ID || got[i].Text != want[i].Text || got[i].IsUser != want[i].IsUser {
				t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
			}
			if !got[i].Timestamp.Equal(want[i].Timestamp) {
				t.Errorf("message %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
			}
		}
	})
}

func TestStore_ReplaceByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id, err := s.CreateSession(ctx, "Replace")
		if err != nil {
			t.Fatal(err)
		}

		s.AppendMessage(ctx, id, msg("u1", "question", true, 1000))
		for _, text := range []string{"A", "An", "An answer"} {
			if err := s.AppendMessage(ctx, id, msg("a1", text, false, 2000)); err != nil {
				t.Fatal(err)
			}
		}

		got := s.LoadSession(ctx, id)
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if got[1].Text != "An answer" {
			t.Errorf("trailing text = %q, want %q", got[1].Text, "An answer")
		}

		previews, err := s.ListPreviews(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(previews) != 1 {
			t.Fatalf("expected 1 preview, got %d", len(previews))
		}
		p := previews[0]
		if p.Title != "Replace" || p.LastMessage != "An answer" || p.LastTimestamp.UnixMilli() != 2000 {
			t.Errorf("unexpected preview: %+v", p)
		}
	})
}

func TestStore_CreateSessionPreview(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id, err := s.CreateSession(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		previews, _ := s.ListPreviews(ctx)
		if len(previews) != 1 || previews[0].SessionID != id {
			t.Fatalf("unexpected previews: %+v", previews)
		}
		if previews[0].Title != store.DefaultTitle {
			t.Errorf("title = %q, want %q", previews[0].Title, store.DefaultTitle)
		}
		if previews[0].LastMessage != "" {
			t.Errorf("last message = %q, want empty", previews[0].LastMessage)
		}
		if msgs := s.LoadSession(ctx, id); len(msgs) != 0 {
			t.Errorf("expected empty session, got %d messages", len(msgs))
		}
	})
}

func TestStore_ImplicitCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.AppendMessage(ctx, "unknown", msg("m1", "hello", true, 1000)); err != nil {
			t.Fatal(err)
		}
		previews, _ := s.ListPreviews(ctx)
		if len(previews) != 1 || previews[0].SessionID != "unknown" || previews[0].Title != store.DefaultTitle {
			t.Fatalf("unexpected previews: %+v", previews)
		}
	})
}

func TestStore_ListPreviewsOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		s.AppendMessage(ctx, "old", msg("m1", "old", true, 1000))
		s.AppendMessage(ctx, "tie-a", msg("m1", "a", true, 5000))
		s.AppendMessage(ctx, "new", msg("m1", "new", true, 9000))
		s.AppendMessage(ctx, "tie-b", msg("m1", "b", true, 5000))

		previews, err := s.ListPreviews(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"new", "tie-a", "tie-b", "old"}
		if len(previews) != len(want) {
			t.Fatalf("expected %d previews, got %d", len(want), len(previews))
		}
		for i, id := range want {
			if previews[i].SessionID != id {
				t.Errorf("preview %d = %s, want %s", i, previews[i].SessionID, id)
			}
		}
	})
}

func TestStore_DeleteSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id, _ := s.CreateSession(ctx, "")
		s.AppendMessage(ctx, id, msg("m1", "hello", true, 1000))

		if err := s.DeleteSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		if msgs := s.LoadSession(ctx, id); len(msgs) != 0 {
			t.Errorf("expected empty session after delete, got %d messages", len(msgs))
		}
		previews, _ := s.ListPreviews(ctx)
		for _, p := range previews {
			if p.SessionID == id {
				t.Error("preview still listed after delete")
			}
		}

		// Idempotent
		if err := s.DeleteSession(ctx, id); err != nil {
			t.Errorf("second delete: %v", err)
		}
	})
}

func TestStore_LoadUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		msgs := s.LoadSession(context.Background(), "missing")
		if msgs == nil || len(msgs) != 0 {
			t.Errorf("expected empty non-nil slice, got %#v", msgs)
		}
	})
}

func TestStore_RejectsInvalidIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for _, id := range []string{"", "/../../escaped", "../index", "a/b", `a\b`, "session.json"} {
			if err := s.AppendMessage(ctx, id, msg("m1", "x", true, 1000)); !errors.Is(err, store.ErrInvalidID) {
				t.Errorf("AppendMessage(%q) = %v, want ErrInvalidID", id, err)
			}
			if err := s.DeleteSession(ctx, id); !errors.Is(err, store.ErrInvalidID) {
				t.Errorf("DeleteSession(%q) = %v, want ErrInvalidID", id, err)
			}
			if msgs := s.LoadSession(ctx, id); len(msgs) != 0 {
				t.Errorf("LoadSession(%q) = %+v", id, msgs)
			}
		}
		if previews, _ := s.ListPreviews(ctx); len(previews) != 0 {
			t.Errorf("invalid IDs created previews: %+v", previews)
		}
	})
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"3f0c1f8e-7c1e-4c55-9d57-4f5b1f0e2a11", "tie-a", "chat_1"} {
		if err := store.ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v", id, err)
		}
	}
}

func TestStore_Subscribe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		sub := s.Subscribe()

		id, err := s.CreateSession(ctx, "")
		if err != nil {
			t.Fatal(err)
		}

		select {
		case got := <-sub:
			if got != id {
				t.Errorf("notification = %s, want %s", got, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	})
}
