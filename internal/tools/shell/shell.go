// Package shell implements the terminal tool. Every command runs inside
// the run's sandbox, never on the host.
package shell

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/tools"
)

// Output is the success payload of the terminal tool.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Tool runs shell commands in a sandbox.
type Tool struct {
	sandbox sandbox.Sandbox
	timeout time.Duration
	logger  *slog.Logger
}

// NewTool creates a terminal tool bound to the run's sandbox. A zero
// timeout uses the sandbox default.
func NewTool(sbx sandbox.Sandbox, timeout time.Duration, logger *slog.Logger) *Tool {
	return &Tool{
		sandbox: sbx,
		timeout: timeout,
		logger:  logger,
	}
}

func (t *Tool) Name() string        { return "terminal" }
func (t *Tool) Description() string { return "Use the terminal to run commands" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run"},
		},
		"required": []string{"command"},
	}
}

// Validate checks that a command is present.
func (t *Tool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "command")
	return err
}

// Execute runs the command. A non-zero exit code is a success carrying the
// exit code; only a failed invocation is a failure, and it keeps whatever
// output was streamed before the error.
func (t *Tool) Execute(ctx context.Context, _ *domain.RunState, params map[string]any) tools.Result {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return tools.Failf("%s", err.Error())
	}

	var stdout, stderr strings.Builder
	t.logger.InfoContext(ctx, "terminal tool executing",
		slog.String("sandbox_id", t.sandbox.ID()),
		slog.String("command", command),
	)

	res, err := t.sandbox.Run(ctx, sandbox.CommandRequest{
		Command:  command,
		Timeout:  t.timeout,
		OnStdout: func(s string) { stdout.WriteString(s) },
		OnStderr: func(s string) { stderr.WriteString(s) },
	})
	if err != nil {
		t.logger.WarnContext(ctx, "terminal command failed",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		return tools.Failf("Command failed: %s", err.Error()).
			With("stdout", tools.TruncateOutput(stdout.String(), tools.MaxOutputBytes)).
			With("stderr", tools.TruncateOutput(stderr.String(), tools.MaxOutputBytes)).
			With("command", command)
	}

	t.logger.DebugContext(ctx, "terminal command completed",
		slog.String("command", command),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
	return tools.Succeed(Output{
		Stdout:   tools.TruncateOutput(res.Stdout, tools.MaxOutputBytes),
		Stderr:   tools.TruncateOutput(res.Stderr, tools.MaxOutputBytes),
		ExitCode: res.ExitCode,
	})
}
