package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "kijenzi.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error without path")
	}
}

func TestStore_DriverAndPing(t *testing.T) {
	s := testStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestProjects_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.Projects().Create(ctx, "todo app")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Projects().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "todo app" {
		t.Errorf("name = %q", got.Name)
	}

	if _, err := s.Projects().Get(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestMessages_HistoryAndOutcomes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, err := s.Projects().Create(ctx, "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	msgs := s.Messages()

	if url, err := msgs.LatestPreviewURL(ctx, p.ID); err != nil || url != "" {
		t.Fatalf("LatestPreviewURL on empty project = %q, %v", url, err)
	}

	if _, err := msgs.AppendUserMessage(ctx, p.ID, "build a counter"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	saved, err := msgs.SaveOutcome(ctx, &domain.Outcome{
		ProjectID: p.ID,
		Content:   "Here is your counter.",
		Kind:      domain.KindResult,
		Fragment: &domain.Fragment{
			Title:      "Counter",
			SandboxURL: "https://3000-sbx1.e2b.app",
			Files:      map[string]string{"app/page.tsx": "export default function Page() {}"},
		},
	})
	if err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	if saved.Role != domain.RoleAssistant || saved.Fragment == nil || saved.Fragment.MessageID != saved.ID {
		t.Errorf("saved = %+v", saved)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := msgs.AppendUserMessage(ctx, p.ID, "make it blue"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := msgs.SaveOutcome(ctx, &domain.Outcome{
		ProjectID: p.ID,
		Content:   "Here is the blue counter.",
		Kind:      domain.KindResult,
		Fragment:  &domain.Fragment{Title: "Blue Counter", SandboxURL: "https://3000-sbx2.e2b.app"},
	}); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}

	history, err := msgs.History(ctx, p.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	if history[0].Content != "build a counter" || history[0].Role != domain.RoleUser || history[0].Fragment != nil {
		t.Errorf("history[0] = %+v", history[0])
	}
	if f := history[1].Fragment; f == nil || f.Files["app/page.tsx"] == "" {
		t.Errorf("history[1] fragment = %+v", f)
	}
	if f := history[3].Fragment; f == nil || len(f.Files) != 0 {
		t.Errorf("history[3] fragment = %+v", f)
	}

	url, err := msgs.LatestPreviewURL(ctx, p.ID)
	if err != nil {
		t.Fatalf("LatestPreviewURL: %v", err)
	}
	if url != "https://3000-sbx2.e2b.app" {
		t.Errorf("latest preview = %q", url)
	}
}

func TestMessages_ErrorOutcomeHasNoFragment(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, _ := s.Projects().Create(ctx, "p")

	msg, err := s.Messages().SaveOutcome(ctx, &domain.Outcome{
		ProjectID: p.ID,
		Content:   "Something went wrong. Please try again",
		Kind:      domain.KindError,
		Fragment:  &domain.Fragment{Title: "ignored"},
	})
	if err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	if msg.Kind != domain.KindError || msg.Fragment != nil {
		t.Errorf("msg = %+v", msg)
	}
	if url, _ := s.Messages().LatestPreviewURL(ctx, p.ID); url != "" {
		t.Errorf("error outcome produced preview %q", url)
	}
}

func TestMessages_UnknownProject(t *testing.T) {
	s := testStore(t)
	_, err := s.Messages().AppendUserMessage(context.Background(), uuid.New(), "hi")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEvents_Idempotency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	events := s.Events()
	projectID := uuid.New()

	if err := events.MarkStarted(ctx, "evt-1", projectID); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := events.MarkStarted(ctx, "evt-1", projectID); err != nil {
		t.Fatalf("MarkStarted (redelivery): %v", err)
	}
	done, err := events.IsCompleted(ctx, "evt-1")
	if err != nil || done {
		t.Fatalf("IsCompleted before completion = %v, %v", done, err)
	}

	if err := events.MarkCompleted(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if done, _ := events.IsCompleted(ctx, "evt-1"); !done {
		t.Error("event should be completed")
	}
	if err := events.MarkCompleted(ctx, "evt-unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkCompleted(unknown) err = %v", err)
	}

	if err := events.MarkStarted(ctx, "evt-2", projectID); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	n, err := events.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1 (incomplete events are kept)", n)
	}
	if done, _ := events.IsCompleted(ctx, "evt-1"); done {
		t.Error("pruned event still reported completed")
	}
}
