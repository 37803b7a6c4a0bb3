package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/retry"
)

type fakeSandbox struct {
	id        string
	hosts     []string // returned in order; "" = not ready
	hostCalls int
}

func (f *fakeSandbox) ID() string { return f.id }

func (f *fakeSandbox) Run(context.Context, CommandRequest) (*CommandResult, error) {
	return &CommandResult{}, nil
}

func (f *fakeSandbox) WriteFile(context.Context, string, string) error { return nil }

func (f *fakeSandbox) ReadFile(context.Context, string) (string, error) { return "", nil }

func (f *fakeSandbox) Host(_ context.Context, _ int) (string, error) {
	f.hostCalls++
	if f.hostCalls > len(f.hosts) || f.hosts[f.hostCalls-1] == "" {
		return "", errors.New("port not ready")
	}
	return f.hosts[f.hostCalls-1], nil
}

type fakeProvider struct {
	connectErr error
	createErr  error
	connected  []string
	created    []CreateOptions
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(_ context.Context, opts CreateOptions) (Sandbox, error) {
	f.created = append(f.created, opts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &fakeSandbox{id: "new1"}, nil
}

func (f *fakeProvider) Connect(_ context.Context, id string) (Sandbox, error) {
	f.connected = append(f.connected, id)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeSandbox{id: id}, nil
}

type fakePreviews struct {
	url string
	err error
}

func (f fakePreviews) LatestPreviewURL(context.Context, uuid.UUID) (string, error) {
	return f.url, f.err
}

func newTestClient(p Provider, previews PreviewLookup) *Client {
	return NewClient(p, previews, ClientConfig{
		Template:    "tmpl",
		PreviewPoll: retry.Fixed(3, time.Millisecond),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolve_ReusesPreviousSandbox(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(p, fakePreviews{url: "https://3000-old42.e2b.app"})

	sbx, reused, err := c.Resolve(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reused || sbx.ID() != "old42" {
		t.Errorf("got %q reused=%v, want old42 reused", sbx.ID(), reused)
	}
	if len(p.created) != 0 {
		t.Errorf("created %d sandboxes, want 0", len(p.created))
	}
}

func TestResolve_CreatesWhenNoPreview(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(p, fakePreviews{})
	projectID := uuid.New()

	sbx, reused, err := c.Resolve(context.Background(), projectID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reused || sbx.ID() != "new1" {
		t.Errorf("got %q reused=%v", sbx.ID(), reused)
	}
	if len(p.connected) != 0 {
		t.Errorf("connect attempted without a preview")
	}
	if p.created[0].Template != "tmpl" || p.created[0].Timeout != DefaultTimeout {
		t.Errorf("unexpected create options: %+v", p.created[0])
	}
	if p.created[0].Metadata["project_id"] != projectID.String() {
		t.Errorf("project metadata missing: %+v", p.created[0].Metadata)
	}
}

func TestResolve_ReconnectFailureFallsBackToCreate(t *testing.T) {
	p := &fakeProvider{connectErr: ErrNotFound}
	c := newTestClient(p, fakePreviews{url: "https://3000-gone.e2b.app"})

	sbx, reused, err := c.Resolve(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reused || sbx.ID() != "new1" {
		t.Errorf("got %q reused=%v, want new1", sbx.ID(), reused)
	}
}

func TestResolve_UndecodablePreviewFallsBackToCreate(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(p, fakePreviews{url: "https://example.com/preview"})

	if _, reused, err := c.Resolve(context.Background(), uuid.New()); err != nil || reused {
		t.Fatalf("Resolve = reused %v, err %v", reused, err)
	}
	if len(p.connected) != 0 {
		t.Error("connect attempted with an undecodable preview URL")
	}
}

func TestResolve_CreateFailureIsFatal(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("quota exceeded")}
	c := newTestClient(p, fakePreviews{})

	_, _, err := c.Resolve(context.Background(), uuid.New())
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want create failure", err)
	}
}

func TestResolve_LookupFailureIsFatal(t *testing.T) {
	c := newTestClient(&fakeProvider{}, fakePreviews{err: errors.New("db down")})
	if _, _, err := c.Resolve(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPreviewURL_PollsUntilReady(t *testing.T) {
	c := newTestClient(&fakeProvider{}, fakePreviews{})
	sbx := &fakeSandbox{id: "abc", hosts: []string{"", "3000-abc.e2b.app"}}

	got, err := c.PreviewURL(context.Background(), sbx, 3000)
	if err != nil {
		t.Fatalf("PreviewURL: %v", err)
	}
	if got != "http://3000-abc.e2b.app" {
		t.Errorf("url = %q", got)
	}
	if sbx.hostCalls != 2 {
		t.Errorf("host calls = %d, want 2", sbx.hostCalls)
	}
}

func TestPreviewURL_ExhaustedIsTerminal(t *testing.T) {
	c := newTestClient(&fakeProvider{}, fakePreviews{})
	sbx := &fakeSandbox{id: "abc"}

	_, err := c.PreviewURL(context.Background(), sbx, 3000)
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !strings.Contains(err.Error(), "did not start on port 3000") {
		t.Errorf("err = %v", err)
	}
	if sbx.hostCalls != 3 {
		t.Errorf("host calls = %d, want 3", sbx.hostCalls)
	}
}
