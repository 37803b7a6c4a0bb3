package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/tools"
	"github.com/jkaninda/kijenzi/internal/tools/file"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays responses in order and repeats the last one.
type scriptedProvider struct {
	responses []*llm.Response
	err       error
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	snapshot := *req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func textReply(text string) *llm.Response {
	return &llm.Response{
		Content:       text,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)},
		StopReason:    llm.StopEndTurn,
	}
}

func toolReply(calls ...llm.ContentBlock) *llm.Response {
	return &llm.Response{ContentBlocks: calls, StopReason: llm.StopToolUse}
}

// memSandbox keeps files in memory.
type memSandbox struct {
	files map[string]string
}

func (m *memSandbox) ID() string { return "mem" }
func (m *memSandbox) Run(context.Context, sandbox.CommandRequest) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}
func (m *memSandbox) WriteFile(_ context.Context, path, content string) error {
	m.files[path] = content
	return nil
}
func (m *memSandbox) ReadFile(_ context.Context, path string) (string, error) {
	c, ok := m.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return c, nil
}
func (m *memSandbox) Host(context.Context, int) (string, error) { return "", nil }

// producerTool returns a file map without touching state, like a handler
// whose in-place update was lost.
type producerTool struct{}

func (producerTool) Name() string                 { return "produce" }
func (producerTool) Description() string          { return "produces files" }
func (producerTool) InputSchema() map[string]any  { return map[string]any{"type": "object"} }
func (producerTool) Validate(map[string]any) error { return nil }
func (producerTool) Execute(context.Context, *domain.RunState, map[string]any) tools.Result {
	return tools.Succeed(map[string]string{"lib/data.ts": "export const items = [];"})
}

func newInput(instruction string, registry *tools.Registry) *Input {
	return &Input{
		Request:       domain.RunRequest{Instruction: instruction, ProjectID: domain.NewID()},
		Tools:         registry,
		State:         domain.NewRunState(),
		CorrelationID: "test",
	}
}

func TestLoop_ConvergesAfterWritingFiles(t *testing.T) {
	sbx := &memSandbox{files: map[string]string{}}
	registry := tools.NewRegistry(file.NewWriteTool(sbx, file.Config{}, discardLogger()))

	provider := &scriptedProvider{responses: []*llm.Response{
		toolReply(llm.ToolUseBlock("call_1", file.WriteToolName, map[string]any{
			"files": []any{map[string]any{
				"path":    "app/page.tsx",
				"content": "use client;\nimport { useState } from \"react\";\nexport default function Page() { const [n] = useState(0); return <p>{n}</p>; }",
			}},
		})),
		textReply("<task_summary>\nBuilt a counter page.\n</task_summary>"),
	}}

	in := newInput("Build a counter", registry)
	res, err := NewLoop(provider, discardLogger()).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != PhaseConverged {
		t.Errorf("terminal = %s, want CONVERGED", res.Terminal)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if !strings.Contains(in.State.Summary, "Built a counter page.") {
		t.Errorf("summary = %q", in.State.Summary)
	}
	content := in.State.Files["app/page.tsx"]
	if !strings.HasPrefix(content, "\"use client\";\n") || strings.Count(content, "use client") != 1 {
		t.Errorf("normalized content = %q", content)
	}
	if sbx.files["app/page.tsx"] != content {
		t.Error("sandbox and state disagree on written content")
	}

	// The second request carries the tool result of the first turn.
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleUser || len(last.ContentBlocks) != 1 || last.ContentBlocks[0].Type != llm.BlockToolResult {
		t.Fatalf("expected a tool_result message, got %+v", last)
	}
	if last.ContentBlocks[0].IsError {
		t.Errorf("tool result marked as error: %s", last.ContentBlocks[0].Text)
	}
}

func TestLoop_CapReachedWithoutSummary(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textReply("Still thinking.")}}
	in := newInput("Build something", tools.NewRegistry())

	res, err := NewLoop(provider, discardLogger()).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != PhaseCapReached {
		t.Errorf("terminal = %s, want CAP_REACHED", res.Terminal)
	}
	if res.Iterations != DefaultMaxIterations || len(provider.requests) != DefaultMaxIterations {
		t.Errorf("iterations = %d, requests = %d, want %d", res.Iterations, len(provider.requests), DefaultMaxIterations)
	}
	if in.State.HasSummary() || in.State.HasFiles() {
		t.Errorf("state should stay empty: %+v", in.State)
	}
	for i, req := range provider.requests {
		if last := req.Messages[len(req.Messages)-1]; last.Role != llm.RoleUser {
			t.Errorf("request %d ends with a %s message", i, last.Role)
		}
	}
}

func TestLoop_CustomCap(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textReply("no marker")}}
	res, err := NewLoop(provider, discardLogger()).WithMaxIterations(3).Run(context.Background(), newInput("x", tools.NewRegistry()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 3 || res.Terminal != PhaseCapReached {
		t.Errorf("result = %+v", res)
	}
}

func TestLoop_ConvergeOnAnyText(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textReply("Done: a landing page.")}}
	in := newInput("Landing page", tools.NewRegistry())

	res, err := NewLoop(provider, discardLogger()).WithConvergeOnAnyText(true).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terminal != PhaseConverged || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if in.State.Summary != "Done: a landing page." {
		t.Errorf("summary = %q", in.State.Summary)
	}
}

func TestLoop_AlreadyConverged(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textReply("unused")}}
	in := newInput("x", tools.NewRegistry())
	in.State.Summary = "<task_summary>done</task_summary>"

	res, err := NewLoop(provider, discardLogger()).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 0 || res.Terminal != PhaseConverged || len(provider.requests) != 0 {
		t.Errorf("result = %+v, requests = %d", res, len(provider.requests))
	}
}

func TestLoop_LLMErrorAborts(t *testing.T) {
	boom := errors.New("upstream unavailable")
	provider := &scriptedProvider{err: boom}

	_, err := NewLoop(provider, discardLogger()).Run(context.Background(), newInput("x", tools.NewRegistry()))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
}

func TestLoop_ToolFailureIsFedBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolReply(llm.ToolUseBlock("call_1", "deploy", map[string]any{})),
		textReply("<task_summary>gave up</task_summary>"),
	}}
	var turns []Turn
	loop := NewLoop(provider, discardLogger()).WithTurnObserver(func(_ context.Context, turn Turn) {
		turns = append(turns, turn)
	})

	if _, err := loop.Run(context.Background(), newInput("x", tools.NewRegistry())); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := provider.requests[1].Messages
	result := msgs[len(msgs)-1].ContentBlocks[0]
	if !result.IsError || !strings.Contains(result.Text, `unknown tool \"deploy\"`) {
		t.Errorf("tool result = %+v", result)
	}
	if len(turns) != 2 {
		t.Fatalf("observer saw %d turns, want 2", len(turns))
	}
	if len(turns[0].ToolResults) != 1 || turns[0].ToolResults[0].Success {
		t.Errorf("first turn results = %+v", turns[0].ToolResults)
	}
	if !turns[1].Converged {
		t.Error("second turn should be marked converged")
	}
}

func TestLoop_HookReconcilesProducedFiles(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolReply(llm.ToolUseBlock("call_1", "produce", nil)),
		textReply("<task_summary>data</task_summary>"),
	}}
	in := newInput("x", tools.NewRegistry(producerTool{}))

	if _, err := NewLoop(provider, discardLogger()).Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if in.State.Files["lib/data.ts"] != "export const items = [];" {
		t.Errorf("files = %v", in.State.Files)
	}
}

func TestLoop_RequiresStateAndTools(t *testing.T) {
	loop := NewLoop(&scriptedProvider{}, discardLogger())
	if _, err := loop.Run(context.Background(), &Input{Tools: tools.NewRegistry()}); err == nil {
		t.Error("expected error without state")
	}
	if _, err := loop.Run(context.Background(), &Input{State: domain.NewRunState()}); err == nil {
		t.Error("expected error without tools")
	}
}

func TestSeedHistory(t *testing.T) {
	req := domain.RunRequest{
		Instruction: "make it blue",
		PriorMessages: []domain.HistoryMessage{
			{Role: domain.RoleUser, Content: "build a todo app"},
			{Role: domain.RoleAssistant, Content: "Here is your todo app."},
			{Role: domain.RoleUser, Content: "make it blue"},
		},
	}
	history := seedHistory(req)
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3 (instruction deduplicated)", len(history))
	}
	if history[1].Role != llm.RoleAssistant {
		t.Errorf("history[1] role = %s", history[1].Role)
	}

	req.PriorMessages = req.PriorMessages[:2]
	history = seedHistory(req)
	if len(history) != 3 || history[2].Content != "make it blue" || history[2].Role != llm.RoleUser {
		t.Errorf("instruction not appended: %+v", history)
	}

	if h := seedHistory(domain.RunRequest{Instruction: "first"}); len(h) != 1 {
		t.Errorf("fresh history = %+v", h)
	}
}
