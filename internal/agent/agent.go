// Package agent drives the coding agent: a bounded loop of model turns whose
// tool calls run against one sandbox, until the agent signals convergence or
// the iteration cap is reached.
package agent

import (
	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/tools"
)

// DefaultMaxIterations caps model turns per run.
const DefaultMaxIterations = 10

// Phase is the loop's state machine position.
type Phase string

const (
	PhaseRunning    Phase = "RUNNING"
	PhaseConverged  Phase = "CONVERGED"
	PhaseCapReached Phase = "CAP_REACHED"
)

// Input is everything one run of the loop needs.
type Input struct {
	Request domain.RunRequest
	// Tools is bound to the run's sandbox.
	Tools *tools.Registry
	// State is mutated in place by tool handlers and the post-turn hook.
	State *domain.RunState
	// CorrelationID ties log lines and progress events to the run.
	CorrelationID string
}

// Result is the loop's output. The loop never classifies success; that is
// left to the finalizer.
type Result struct {
	State      *domain.RunState
	Terminal   Phase
	Iterations int
	TokensUsed int
}

// ToolCallResult summarizes one tool execution within a turn.
type ToolCallResult struct {
	ToolName string
	Success  bool
	Message  string // Failure message, empty on success.
}

// Turn describes one completed model turn, reported to a TurnObserver.
type Turn struct {
	CorrelationID string
	Iteration     int
	Text          string
	ToolResults   []ToolCallResult
	Converged     bool
}
