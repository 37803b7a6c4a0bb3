package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/ratelimit"
	"github.com/jkaninda/kijenzi/internal/storage/sqlite"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []domain.RunEvent
	err    error
	full   bool
}

func (q *fakeQueue) CheckQueue(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return errors.New("run queue is full")
	}
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, ev domain.RunEvent) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.events = append(q.events, ev)
	return ev.ID, nil
}

type harness struct {
	server *httptest.Server
	store  *sqlite.Store
	queue  *fakeQueue
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, rl *ratelimit.Limiter) *harness {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "api.db")}, discardLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q := &fakeQueue{}
	g := NewGateway(cfg, store.Projects(), store.Messages(), q, rl, discardLogger())
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, store: store, queue: q}
}

func (h *harness) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

var authed = Config{APIKeys: map[string]string{"secret-key": "client-1"}}

func TestCreateProject_StoresMessageAndQueuesRun(t *testing.T) {
	h := newHarness(t, authed, nil)

	resp := h.do(t, http.MethodPost, "/v1/projects", "secret-key", MessageRequest{Value: "  build a todo app  "})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	got := decode[CreateProjectResponse](t, resp)
	if got.Project.Name == "" || !strings.Contains(got.Project.Name, "-") {
		t.Errorf("project name = %q", got.Project.Name)
	}
	if got.Run.ProjectID != got.Project.ID || got.Run.EventID == "" || got.Run.CorrelationID == "" {
		t.Errorf("run = %+v", got.Run)
	}

	if len(h.queue.events) != 1 {
		t.Fatalf("queued %d events, want 1", len(h.queue.events))
	}
	ev := h.queue.events[0]
	if ev.Value != "build a todo app" || ev.ProjectID.String() != got.Project.ID {
		t.Errorf("event = %+v", ev)
	}

	history, err := h.store.Messages().History(context.Background(), ev.ProjectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Role != domain.RoleUser || history[0].Content != "build a todo app" {
		t.Errorf("history = %+v", history)
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, authed, nil)

	if resp := h.do(t, http.MethodPost, "/v1/projects", "", MessageRequest{Value: "x"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/v1/projects", "wrong", MessageRequest{Value: "x"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", resp.StatusCode)
	}
	if len(h.queue.events) != 0 {
		t.Error("unauthenticated request queued a run")
	}
}

func TestAuthentication_DisabledWithoutKeys(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if resp := h.do(t, http.MethodPost, "/v1/projects", "", MessageRequest{Value: "x"}); resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestCreateProject_Validation(t *testing.T) {
	h := newHarness(t, authed, nil)

	for name, body := range map[string]any{
		"empty":    MessageRequest{Value: "   "},
		"too long": MessageRequest{Value: strings.Repeat("a", maxValueLength+1)},
	} {
		if resp := h.do(t, http.MethodPost, "/v1/projects", "secret-key", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
	if len(h.queue.events) != 0 {
		t.Error("invalid request queued a run")
	}
}

func TestPostMessage(t *testing.T) {
	h := newHarness(t, authed, nil)
	project, err := h.store.Projects().Create(context.Background(), "calm-river")
	if err != nil {
		t.Fatal(err)
	}

	resp := h.do(t, http.MethodPost, "/v1/projects/"+project.ID.String()+"/messages", "secret-key", MessageRequest{Value: "make it blue"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	got := decode[RunAcceptedResponse](t, resp)
	if got.ProjectID != project.ID.String() || got.MessageID == "" {
		t.Errorf("response = %+v", got)
	}

	if resp := h.do(t, http.MethodPost, "/v1/projects/"+uuid.NewString()+"/messages", "secret-key", MessageRequest{Value: "x"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown project status = %d, want 404", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/v1/projects/not-a-uuid/messages", "secret-key", MessageRequest{Value: "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", resp.StatusCode)
	}
}

func TestPostMessage_QueueUnavailable(t *testing.T) {
	h := newHarness(t, authed, nil)
	h.queue.err = errors.New("run queue is full")
	project, _ := h.store.Projects().Create(context.Background(), "calm-river")

	resp := h.do(t, http.MethodPost, "/v1/projects/"+project.ID.String()+"/messages", "secret-key", MessageRequest{Value: "again"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestPostMessage_FullQueueStoresNothing(t *testing.T) {
	h := newHarness(t, authed, nil)
	h.queue.full = true
	ctx := context.Background()
	project, _ := h.store.Projects().Create(ctx, "quiet-lake")

	resp := h.do(t, http.MethodPost, "/v1/projects/"+project.ID.String()+"/messages", "secret-key", MessageRequest{Value: "add a footer"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	history, err := h.store.Messages().History(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history = %+v, want no messages after a refused submission", history)
	}
	if len(h.queue.events) != 0 {
		t.Errorf("queued %d events, want 0", len(h.queue.events))
	}
}

func TestCreateProject_FullQueueStoresNothing(t *testing.T) {
	h := newHarness(t, authed, nil)
	h.queue.full = true

	resp := h.do(t, http.MethodPost, "/v1/projects", "secret-key", MessageRequest{Value: "build a blog"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var count int64
	if err := h.store.GormDB().Table("projects").Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("stored %d projects, want none after a refused submission", count)
	}
}

func TestGetProjectAndMessages(t *testing.T) {
	h := newHarness(t, authed, nil)
	ctx := context.Background()
	project, _ := h.store.Projects().Create(ctx, "lucky-otter")
	if _, err := h.store.Messages().AppendUserMessage(ctx, project.ID, "build a landing page"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Messages().SaveOutcome(ctx, &domain.Outcome{
		ProjectID: project.ID,
		Content:   "Here you go",
		Kind:      domain.KindResult,
		Fragment: &domain.Fragment{
			Title:      "Landing Page",
			SandboxURL: "https://3000-abc.e2b.app",
			Files:      map[string]string{"app/page.tsx": "export default function Page() {}"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	resp := h.do(t, http.MethodGet, "/v1/projects/"+project.ID.String(), "secret-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get project status = %d", resp.StatusCode)
	}
	if p := decode[ProjectResponse](t, resp); p.Name != "lucky-otter" {
		t.Errorf("project = %+v", p)
	}

	resp = h.do(t, http.MethodGet, "/v1/projects/"+project.ID.String()+"/messages", "secret-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages status = %d", resp.StatusCode)
	}
	msgs := decode[[]MessageResponse](t, resp)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "USER" || msgs[0].Fragment != nil {
		t.Errorf("first message = %+v", msgs[0])
	}
	if f := msgs[1].Fragment; f == nil || f.Title != "Landing Page" || f.Files["app/page.tsx"] == "" {
		t.Errorf("second message fragment = %+v", msgs[1].Fragment)
	}

	if resp := h.do(t, http.MethodGet, "/v1/projects/"+uuid.NewString(), "secret-key", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown project status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	h := newHarness(t, authed, rl)

	if resp := h.do(t, http.MethodPost, "/v1/projects", "secret-key", MessageRequest{Value: "one"}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/v1/projects", "secret-key", MessageRequest{Value: "two"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, authed, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := h.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestProjectName(t *testing.T) {
	for range 20 {
		name := projectName()
		parts := strings.Split(name, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Fatalf("projectName() = %q", name)
		}
	}
}
