// Package finalize turns the state left by the agent loop into exactly one
// persisted outcome: an ERROR message, or a RESULT message with a fragment
// holding the title, the preview URL and the generated files.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kijenzi/internal/agent"
	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/observability"
	"github.com/jkaninda/kijenzi/internal/retry"
	"github.com/jkaninda/kijenzi/internal/sandbox"
)

// Fixed user-facing texts.
const (
	ErrorMessage    = "Something went wrong. Please try again"
	DefaultTitle    = "Untitled"
	DefaultResponse = "Here you go"
	// FallbackContent is persisted when a RESULT has no summary to describe.
	FallbackContent = "Project generated"
)

// DefaultPort is the dev server port of the sandbox template.
const DefaultPort = 3000

// OutcomeStore persists the outcome of a run.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome *domain.Outcome) (*domain.Message, error)
}

// PreviewResolver resolves a reachable preview URL for a sandbox port.
// *sandbox.Client implements it.
type PreviewResolver interface {
	PreviewURL(ctx context.Context, sbx sandbox.Sandbox, port int) (string, error)
}

// Config tunes finalization.
type Config struct {
	Port int // Dev server port. 0 = DefaultPort.
	// Warmup bounds dev server readiness probing after a start.
	Warmup        retry.Policy
	TitleModel    string // empty = provider default
	ResponseModel string // empty = provider default
}

// Finalizer runs the post-run sequence.
type Finalizer struct {
	provider llm.Provider
	previews PreviewResolver
	store    OutcomeStore
	cfg      Config
	logger   *slog.Logger
	obs      *observability.Observability // nil = observability disabled
}

// New creates a finalizer.
func New(provider llm.Provider, previews PreviewResolver, store OutcomeStore, cfg Config, logger *slog.Logger) *Finalizer {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Warmup.Attempts <= 0 {
		cfg.Warmup = retry.Fixed(15, 2*time.Second)
	}
	return &Finalizer{
		provider: provider,
		previews: previews,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithObservability attaches tracing.
func (f *Finalizer) WithObservability(obs *observability.Observability) *Finalizer {
	f.obs = obs
	return f
}

// Input is the state handed over by the agent loop.
type Input struct {
	ProjectID     uuid.UUID
	Sandbox       sandbox.Sandbox
	State         *domain.RunState
	CorrelationID string
}

// Finalize reconciles files, classifies the run and persists one outcome.
// A preview URL that never becomes available is fatal: nothing is persisted
// and the error wraps retry.ErrExhausted.
func (f *Finalizer) Finalize(ctx context.Context, in *Input) (*domain.Message, error) {
	var span trace.Span
	if tracer := f.obs.TracerOrNil(); tracer != nil {
		ctx, span = tracer.Start(ctx, "finalize",
			trace.WithAttributes(
				attribute.String("project_id", in.ProjectID.String()),
				attribute.String("correlation_id", in.CorrelationID),
			))
		defer span.End()
	}

	state := in.State
	if !state.HasFiles() {
		state.MergeFiles(f.extractFiles(ctx, in))
	}

	if !state.HasSummary() && !state.HasFiles() {
		f.logger.WarnContext(ctx, "run produced neither summary nor files",
			slog.String("project_id", in.ProjectID.String()),
			slog.String("correlation_id", in.CorrelationID),
		)
		return f.save(ctx, &domain.Outcome{
			ProjectID: in.ProjectID,
			Content:   ErrorMessage,
			Kind:      domain.KindError,
		})
	}

	title := DefaultTitle
	content := FallbackContent
	if state.HasSummary() {
		title = f.generate(ctx, in, "title", agent.TitlePrompt, f.cfg.TitleModel, DefaultTitle)
		content = f.generate(ctx, in, "response", agent.ResponsePrompt, f.cfg.ResponseModel, DefaultResponse)
	}

	if state.HasFiles() {
		f.ensureDevServer(ctx, in)
	}

	url, err := f.previews.PreviewURL(ctx, in.Sandbox, f.cfg.Port)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("resolving preview url: %w", err)
	}

	return f.save(ctx, &domain.Outcome{
		ProjectID: in.ProjectID,
		Content:   content,
		Kind:      domain.KindResult,
		Fragment: &domain.Fragment{
			Title:      title,
			SandboxURL: url,
			Files:      state.Files,
		},
	})
}

func (f *Finalizer) save(ctx context.Context, outcome *domain.Outcome) (*domain.Message, error) {
	msg, err := f.store.SaveOutcome(ctx, outcome)
	if err != nil {
		return nil, fmt.Errorf("saving outcome: %w", err)
	}
	f.logger.InfoContext(ctx, "outcome saved",
		slog.String("project_id", outcome.ProjectID.String()),
		slog.String("message_id", msg.ID.String()),
		slog.String("kind", string(outcome.Kind)),
	)
	return msg, nil
}

// generate makes a single-shot call over the summary. Errors and empty
// replies fall back to def; they never fail the run.
func (f *Finalizer) generate(ctx context.Context, in *Input, what, prompt, model, def string) string {
	resp, err := f.provider.SendMessage(ctx, &llm.Request{
		Model:        model,
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: in.State.Summary}},
	})
	if err != nil {
		f.logger.WarnContext(ctx, "auxiliary generation failed",
			slog.String("step", what),
			slog.String("correlation_id", in.CorrelationID),
			slog.String("error", err.Error()),
		)
		return def
	}
	text := resp.Text()
	if text == "" {
		text = resp.Content
	}
	if text = strings.TrimSpace(text); text == "" {
		return def
	}
	return text
}
