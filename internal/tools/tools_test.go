package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/llm"
)

type echoTool struct {
	calls int
}

func (e *echoTool) Name() string                { return "echo" }
func (e *echoTool) Description() string         { return "echo the text" }
func (e *echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e *echoTool) Validate(params map[string]any) error {
	_, err := RequireString(params, "text")
	return err
}
func (e *echoTool) Execute(_ context.Context, state *domain.RunState, params map[string]any) Result {
	e.calls++
	state.Summary = params["text"].(string)
	return Succeed(params["text"])
}

func TestEncode(t *testing.T) {
	content, isErr := Encode(Succeed("plain"))
	if content != "plain" || isErr {
		t.Errorf("string payload = %q, %v", content, isErr)
	}

	content, isErr = Encode(Succeed(map[string]int{"exitCode": 0}))
	if content != `{"exitCode":0}` || isErr {
		t.Errorf("map payload = %q, %v", content, isErr)
	}

	content, isErr = Encode(Failf("Command failed: %s", "boom").With("stdout", "partial"))
	if !isErr {
		t.Fatal("failure not flagged as error")
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		t.Fatalf("failure is not JSON: %v", err)
	}
	if body["error"] != "Command failed: boom" || body["stdout"] != "partial" {
		t.Errorf("unexpected failure body: %v", body)
	}

	if _, isErr := Encode(nil); !isErr {
		t.Error("nil result should encode as an error")
	}
}

func TestFailureIsError(t *testing.T) {
	var err error = Failf("nope")
	var f *Failure
	if !errors.As(err, &f) || f.Message != "nope" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"app/page.tsx", "app/page.tsx", false},
		{"./app/page.tsx", "app/page.tsx", false},
		{"/home/user/app/page.tsx", "app/page.tsx", false},
		{"@/components/ui/button.tsx", "components/ui/button.tsx", false},
		{"  lib/utils.ts ", "lib/utils.ts", false},
		{"app//nested/../page.tsx", "app/page.tsx", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"/home/user", "", true},
		{"../secret", "", true},
		{"app/../../secret", "", true},
		{".", "", true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanPath(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	got := TruncateOutput(long, 100)
	if len(got) != 100 || !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("truncated = %q (%d bytes)", got, len(got))
	}
}

func TestRegistry_DefinitionsKeepOrder(t *testing.T) {
	r := NewRegistry(&echoTool{})
	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" || defs[0].Description != "echo the text" {
		t.Errorf("unexpected definitions: %+v", defs)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewRegistry(&echoTool{}, &echoTool{})
}

func TestRegistry_Dispatch(t *testing.T) {
	tool := &echoTool{}
	r := NewRegistry(tool)
	state := domain.NewRunState()
	ctx := context.Background()

	res := r.Dispatch(ctx, state, llm.ToolUseBlock("1", "echo", map[string]any{"text": "hi"}))
	if s, ok := res.(*Success); !ok || s.Payload != "hi" {
		t.Errorf("dispatch result = %#v", res)
	}
	if state.Summary != "hi" {
		t.Errorf("state not passed through: %+v", state)
	}

	cases := map[string]llm.ContentBlock{
		"unknown tool":   llm.ToolUseBlock("2", "nope", nil),
		"missing params": llm.ToolUseBlock("3", "echo", nil),
		"bad json":       {Type: llm.BlockToolUse, ID: "4", Name: "echo", InputError: "unexpected EOF"},
	}
	for name, call := range cases {
		if _, ok := r.Dispatch(ctx, state, call).(*Failure); !ok {
			t.Errorf("%s: expected failure", name)
		}
	}
	if tool.calls != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}
}
