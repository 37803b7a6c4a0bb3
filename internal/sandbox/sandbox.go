// Package sandbox provides the remote execution environments a build runs in.
// A Provider creates or reconnects sandboxes; a Sandbox exposes a shell, a
// filesystem rooted at the sandbox home and exposed network ports.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// HomeDir is the sandbox user's home. Relative paths resolve against it.
const HomeDir = "/home/user"

// ErrNotFound is returned by Connect when the sandbox no longer exists.
var ErrNotFound = errors.New("sandbox not found")

// Provider creates and reconnects sandboxes.
type Provider interface {
	// Create starts a new sandbox from a template.
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
	// Connect reattaches to a running sandbox and extends its timeout.
	Connect(ctx context.Context, id string) (Sandbox, error)
	// Name returns the provider identifier (e.g. "remote").
	Name() string
}

// Reaper is implemented by providers whose sandboxes do not expire on their
// own. Reap stops every sandbox idle past its timeout and returns the count.
type Reaper interface {
	Reap(ctx context.Context, now time.Time) (int, error)
}

// Sandbox is a handle on one running environment.
type Sandbox interface {
	ID() string
	// Run executes a shell command. A non-zero exit code is a result, not an error.
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	// Host returns the public host serving the given port.
	Host(ctx context.Context, port int) (string, error)
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	Template      string
	Timeout       time.Duration // Idle lifetime. Zero = provider default.
	AllowInternet bool
	Metadata      map[string]string
}

// CommandRequest defines a shell command to run.
type CommandRequest struct {
	// Command is interpreted by sh -c inside the sandbox (pipes, redirects, &).
	Command string
	// WorkingDir overrides the home directory.
	WorkingDir string
	Env        map[string]string
	// Timeout bounds the command. Zero = provider default.
	Timeout time.Duration

	// OnStdout and OnStderr receive output as it is produced, when the
	// provider supports streaming. They let callers keep partial output of
	// commands that fail.
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// CommandResult captures the outcome of a command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
