package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/observability"
	"github.com/jkaninda/kijenzi/internal/tools"
)

// TurnObserver is notified after every turn, once the post-turn hook ran.
type TurnObserver func(ctx context.Context, turn Turn)

// Loop runs the coding agent against a tool registry.
// A Loop holds configuration only; concurrent runs are safe.
type Loop struct {
	provider          llm.Provider
	systemPrompt      string
	logger            *slog.Logger
	obs               *observability.Observability // nil = observability disabled
	model             string                       // empty = provider default
	maxIterations     int                          // 0 = DefaultMaxIterations
	maxTokens         int                          // 0 = provider default
	convergeOnAnyText bool
	observer          TurnObserver
}

// NewLoop creates a loop backed by the given provider.
func NewLoop(provider llm.Provider, logger *slog.Logger) *Loop {
	return &Loop{
		provider:     provider,
		systemPrompt: SystemPrompt,
		logger:       logger,
	}
}

// WithSystemPrompt replaces the default coding agent prompt.
func (l *Loop) WithSystemPrompt(prompt string) *Loop {
	l.systemPrompt = prompt
	return l
}

// WithObservability attaches metrics and tracing.
func (l *Loop) WithObservability(obs *observability.Observability) *Loop {
	l.obs = obs
	return l
}

// WithModel selects the model used for agent turns.
func (l *Loop) WithModel(model string) *Loop {
	l.model = model
	return l
}

// WithMaxIterations sets the iteration cap.
func (l *Loop) WithMaxIterations(n int) *Loop {
	l.maxIterations = n
	return l
}

// WithMaxTokens bounds each model reply.
func (l *Loop) WithMaxTokens(n int) *Loop {
	l.maxTokens = n
	return l
}

// WithConvergeOnAnyText makes any non-empty final text count as the summary.
func (l *Loop) WithConvergeOnAnyText(enabled bool) *Loop {
	l.convergeOnAnyText = enabled
	return l
}

// WithTurnObserver registers a callback invoked after each turn.
func (l *Loop) WithTurnObserver(fn TurnObserver) *Loop {
	l.observer = fn
	return l
}

// MaxIterations returns the effective iteration cap.
func (l *Loop) MaxIterations() int {
	if l.maxIterations <= 0 {
		return DefaultMaxIterations
	}
	return l.maxIterations
}

// Run drives the agent until the summary is set or the cap is reached.
// Model errors abort the run; tool failures are fed back to the agent.
func (l *Loop) Run(ctx context.Context, in *Input) (*Result, error) {
	if in.State == nil {
		return nil, errors.New("agent: run state is required")
	}
	if in.Tools == nil {
		return nil, errors.New("agent: tool registry is required")
	}

	var span trace.Span
	if tracer := l.obs.TracerOrNil(); tracer != nil {
		ctx, span = tracer.Start(ctx, "agent.run",
			trace.WithAttributes(
				attribute.String("project_id", in.Request.ProjectID.String()),
				attribute.String("correlation_id", in.CorrelationID),
			))
		defer span.End()
	}

	history := seedHistory(in.Request)
	toolDefs := in.Tools.Definitions()
	maxIter := l.MaxIterations()

	result := &Result{State: in.State, Terminal: PhaseRunning}
	for {
		if in.State.HasSummary() {
			result.Terminal = PhaseConverged
			break
		}
		if result.Iterations >= maxIter {
			result.Terminal = PhaseCapReached
			break
		}
		result.Iterations++

		var (
			turn Turn
			err  error
		)
		history, turn, err = l.turn(ctx, in, history, toolDefs, result)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, fmt.Errorf("llm request failed (iteration %d): %w", result.Iterations, err)
		}
		if l.observer != nil {
			l.observer(ctx, turn)
		}
	}

	if result.Terminal == PhaseCapReached {
		l.logger.WarnContext(ctx, "max agent iterations reached",
			slog.Int("max_iterations", maxIter),
			slog.String("correlation_id", in.CorrelationID),
			slog.Int("files", len(in.State.Files)),
		)
	} else {
		l.logger.InfoContext(ctx, "agent converged",
			slog.Int("iterations", result.Iterations),
			slog.String("correlation_id", in.CorrelationID),
			slog.Int("files", len(in.State.Files)),
		)
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("agent.terminal", string(result.Terminal)),
			attribute.Int("agent.iterations", result.Iterations),
		)
	}
	return result, nil
}

// turn performs one model call, executes its tool calls in order and runs
// the post-turn hook. It returns the extended history.
func (l *Loop) turn(ctx context.Context, in *Input, history []llm.Message, toolDefs []llm.ToolDefinition, result *Result) ([]llm.Message, Turn, error) {
	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		Model:        l.model,
		SystemPrompt: l.systemPrompt,
		Messages:     history,
		MaxTokens:    l.maxTokens,
		Tools:        toolDefs,
	})
	if err != nil {
		return history, Turn{}, err
	}
	result.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens

	blocks := resp.ContentBlocks
	if len(blocks) == 0 && resp.Content != "" {
		blocks = []llm.ContentBlock{llm.TextBlock(resp.Content)}
	}
	if len(blocks) > 0 {
		history = append(history, llm.Message{
			Role:          llm.RoleAssistant,
			ContentBlocks: blocks,
		})
	}

	turn := Turn{
		CorrelationID: in.CorrelationID,
		Iteration:     result.Iterations,
		Text:          resp.Text(),
	}

	calls := resp.ToolUseBlocks()
	var produced []map[string]string
	if len(calls) > 0 {
		l.logger.InfoContext(ctx, "executing tool calls",
			slog.Int("iteration", result.Iterations),
			slog.Int("tool_calls", len(calls)),
			slog.String("correlation_id", in.CorrelationID),
		)
		var resultBlocks []llm.ContentBlock
		resultBlocks, turn.ToolResults, produced = l.executeToolCalls(ctx, in, calls)
		history = append(history, llm.Message{
			Role:          llm.RoleUser,
			ContentBlocks: resultBlocks,
		})
	}

	turn.Converged = l.afterTurn(in.State, turn.Text, produced)

	// A reply with neither tool calls nor a summary leaves the conversation
	// on an assistant message; nudge the agent so the next turn has a user message to answer.
	if len(calls) == 0 && !turn.Converged {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: continuePrompt})
	}
	return history, turn, nil
}

// executeToolCalls dispatches each tool_use block in order. It returns the
// tool_result blocks, a summary per call and the file maps returned by
// successful file-producing tools.
func (l *Loop) executeToolCalls(ctx context.Context, in *Input, calls []llm.ContentBlock) ([]llm.ContentBlock, []ToolCallResult, []map[string]string) {
	resultBlocks := make([]llm.ContentBlock, 0, len(calls))
	results := make([]ToolCallResult, 0, len(calls))
	var produced []map[string]string

	for _, call := range calls {
		ctx := ctx
		var span trace.Span
		if tracer := l.obs.TracerOrNil(); tracer != nil {
			ctx, span = tracer.Start(ctx, "agent.execute_tool",
				trace.WithAttributes(
					attribute.String("tool", call.Name),
					attribute.String("correlation_id", in.CorrelationID),
				))
		}

		start := time.Now()
		res := in.Tools.Dispatch(ctx, in.State, call)
		elapsed := time.Since(start)

		content, isError := tools.Encode(res)
		resultBlocks = append(resultBlocks, llm.ToolResultBlock(call.ID, tools.TruncateOutput(content, tools.MaxOutputBytes), isError))

		summary := ToolCallResult{ToolName: call.Name, Success: !isError}
		switch r := res.(type) {
		case *tools.Failure:
			summary.Message = r.Message
			l.logger.WarnContext(ctx, "tool call failed",
				slog.String("tool", call.Name),
				slog.String("error", r.Message),
				slog.String("correlation_id", in.CorrelationID),
			)
			if span != nil {
				span.SetStatus(codes.Error, r.Message)
			}
		case *tools.Success:
			if files, ok := r.Payload.(map[string]string); ok {
				produced = append(produced, files)
			}
		}
		results = append(results, summary)

		l.obs.MetricsOrNil().RecordTool(call.Name, isError, elapsed)
		if span != nil {
			span.End()
		}
	}
	return resultBlocks, results, produced
}

// afterTurn is the post-turn hook. It folds file maps returned by tools into
// the state and records the summary when the turn's text signals completion.
func (l *Loop) afterTurn(state *domain.RunState, text string, produced []map[string]string) bool {
	for _, files := range produced {
		state.MergeFiles(files)
	}
	if l.isSummary(text) {
		state.Summary = text
		return true
	}
	return false
}

func (l *Loop) isSummary(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return l.convergeOnAnyText || strings.Contains(text, SummaryMarker)
}

// seedHistory maps prior conversation turns to model messages and appends
// the instruction, unless it is already stored as the last user message.
func seedHistory(req domain.RunRequest) []llm.Message {
	history := make([]llm.Message, 0, len(req.PriorMessages)+1)
	for _, m := range req.PriorMessages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}

	if n := len(history); n > 0 && history[n-1].Role == llm.RoleUser && history[n-1].Content == req.Instruction {
		return history
	}
	return append(history, llm.Message{Role: llm.RoleUser, Content: req.Instruction})
}
