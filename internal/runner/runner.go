// Package runner executes build runs: it accepts run events, queues them on
// a bounded worker pool, serializes runs of the same project and drives each
// one through sandbox resolution, the agent loop and finalization.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/agent"
	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/events"
	"github.com/jkaninda/kijenzi/internal/finalize"
	"github.com/jkaninda/kijenzi/internal/observability"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/storage"
	"github.com/jkaninda/kijenzi/internal/tools"
)

var (
	// ErrQueueFull is returned by Enqueue when no queue slot is free.
	ErrQueueFull = errors.New("run queue is full")
	// ErrNotRunning is returned by Enqueue before Start or after shutdown.
	ErrNotRunning = errors.New("runner is not running")
	// ErrDuplicate is returned by Execute for an event that already completed.
	ErrDuplicate = errors.New("run event already processed")
)

// Run outcome labels for metrics.
const (
	outcomeResult    = "result"
	outcomeError     = "error"
	outcomeFailed    = "failed"
	outcomeDuplicate = "duplicate"
)

// SandboxResolver resolves the sandbox of a project. *sandbox.Client implements it.
type SandboxResolver interface {
	Resolve(ctx context.Context, projectID uuid.UUID) (sandbox.Sandbox, bool, error)
}

// AgentRunner drives the agent loop. *agent.Loop implements it.
type AgentRunner interface {
	Run(ctx context.Context, in *agent.Input) (*agent.Result, error)
}

// Finalizer persists the outcome of a run. *finalize.Finalizer implements it.
type Finalizer interface {
	Finalize(ctx context.Context, in *finalize.Input) (*domain.Message, error)
}

// ToolsetFactory binds the agent's tools to a run's sandbox.
type ToolsetFactory func(sbx sandbox.Sandbox) *tools.Registry

// Deps are the collaborators of a Runner. Broker and Obs are optional.
type Deps struct {
	Messages  storage.MessageStore
	Events    storage.EventStore
	Sandboxes SandboxResolver
	Tools     ToolsetFactory
	Agent     AgentRunner
	Finalizer Finalizer
	Broker    *events.Broker
	Obs       *observability.Observability
}

// Config bounds the worker pool.
type Config struct {
	Workers    int           // Default: 4
	QueueSize  int           // Default: 64
	RunTimeout time.Duration // Default: 30m
}

// Runner is the run service.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	locks  *keyedLock

	mu      sync.RWMutex
	queue   chan domain.RunEvent
	running bool
}

// New creates a runner.
func New(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		locks:  newKeyedLock(),
		queue:  make(chan domain.RunEvent, cfg.QueueSize),
	}
}

// Enqueue schedules a run without blocking. Events without an ID get one.
func (r *Runner) Enqueue(ctx context.Context, ev domain.RunEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return "", ErrNotRunning
	}
	select {
	case r.queue <- ev:
	default:
		return "", ErrQueueFull
	}
	r.deps.Obs.MetricsOrNil().SetQueueLength(len(r.queue))
	r.publish(events.Event{Type: events.RunQueued, ProjectID: ev.ProjectID, EventID: ev.ID})
	r.logger.InfoContext(ctx, "run queued",
		slog.String("event_id", ev.ID),
		slog.String("project_id", ev.ProjectID.String()),
	)
	return ev.ID, nil
}

// CheckQueue reports whether new runs can be accepted. It backs the
// run_queue readiness probe.
func (r *Runner) CheckQueue(_ context.Context) error {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	if len(r.queue) == cap(r.queue) {
		return ErrQueueFull
	}
	return nil
}

// Start runs the worker pool and blocks until ctx is canceled. In-flight runs
// complete on a detached context; runs still queued at shutdown are dropped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "runner started",
		slog.Int("workers", r.cfg.Workers),
		slog.Int("queue_size", r.cfg.QueueSize),
	)

	runCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-r.queue:
					r.deps.Obs.MetricsOrNil().SetQueueLength(len(r.queue))
					if _, err := r.Execute(runCtx, ev); err != nil && !errors.Is(err, ErrDuplicate) {
						r.logger.ErrorContext(runCtx, "run failed",
							slog.String("event_id", ev.ID),
							slog.String("project_id", ev.ProjectID.String()),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("runner stopping, waiting for in-flight runs")
	wg.Wait()
	if dropped := len(r.queue); dropped > 0 {
		r.logger.Warn("dropping queued runs at shutdown", slog.Int("count", dropped))
	}
	return nil
}

// Execute performs one run synchronously. A redelivered event whose run
// already completed returns ErrDuplicate without side effects. Errors are
// fatal failures: no outcome was persisted and the event stays incomplete,
// so a redelivery runs it again.
func (r *Runner) Execute(ctx context.Context, ev domain.RunEvent) (*domain.Message, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	logger := r.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("project_id", ev.ProjectID.String()),
	)
	metrics := r.deps.Obs.MetricsOrNil()

	if done, err := r.deps.Events.IsCompleted(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("checking event: %w", err)
	} else if done {
		logger.InfoContext(ctx, "skipping redelivered event")
		metrics.RecordRun(outcomeDuplicate, 0, 0)
		return nil, ErrDuplicate
	}

	unlock, err := r.locks.Lock(ctx, ev.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("waiting for project lock: %w", err)
	}
	defer unlock()

	// The event may have completed while this delivery waited for the lock.
	if done, err := r.deps.Events.IsCompleted(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("checking event: %w", err)
	} else if done {
		metrics.RecordRun(outcomeDuplicate, 0, 0)
		return nil, ErrDuplicate
	}

	if err := r.deps.Events.MarkStarted(ctx, ev.ID, ev.ProjectID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	correlationID := newCorrelationID()
	ctx = withRunInfo(ctx, runInfo{projectID: ev.ProjectID, eventID: ev.ID})
	logger = logger.With(slog.String("correlation_id", correlationID))

	metrics.AddActiveRuns(1)
	defer metrics.AddActiveRuns(-1)
	start := time.Now()
	r.publish(events.Event{Type: events.RunStarted, ProjectID: ev.ProjectID, EventID: ev.ID, CorrelationID: correlationID})
	logger.InfoContext(ctx, "run started")

	msg, iterations, err := r.execute(ctx, ev, correlationID)
	if err != nil {
		metrics.RecordRun(outcomeFailed, iterations, time.Since(start))
		r.publish(events.Event{Type: events.RunFailed, ProjectID: ev.ProjectID, EventID: ev.ID, CorrelationID: correlationID, Error: err.Error()})
		return nil, err
	}

	if err := r.deps.Events.MarkCompleted(ctx, ev.ID); err != nil {
		// The outcome is persisted; a redelivery would duplicate it, but
		// failing here would hide the result from the caller.
		logger.WarnContext(ctx, "marking event completed failed", slog.String("error", err.Error()))
	}

	outcome := outcomeResult
	if msg.Kind == domain.KindError {
		outcome = outcomeError
	}
	metrics.RecordRun(outcome, iterations, time.Since(start))
	r.publish(events.Event{
		Type:          events.RunCompleted,
		ProjectID:     ev.ProjectID,
		EventID:       ev.ID,
		CorrelationID: correlationID,
		MessageID:     msg.ID.String(),
		Kind:          string(msg.Kind),
	})
	logger.InfoContext(ctx, "run completed",
		slog.String("kind", string(msg.Kind)),
		slog.Int("iterations", iterations),
		slog.Duration("duration", time.Since(start)),
	)
	return msg, nil
}

func (r *Runner) execute(ctx context.Context, ev domain.RunEvent, correlationID string) (*domain.Message, int, error) {
	prior, err := r.history(ctx, ev.ProjectID)
	if err != nil {
		return nil, 0, err
	}

	sbx, _, err := r.deps.Sandboxes.Resolve(ctx, ev.ProjectID)
	if err != nil {
		return nil, 0, err
	}

	state := domain.NewRunState()
	result, err := r.deps.Agent.Run(ctx, &agent.Input{
		Request: domain.RunRequest{
			Instruction:   ev.Value,
			ProjectID:     ev.ProjectID,
			PriorMessages: prior,
		},
		Tools:         r.deps.Tools(sbx),
		State:         state,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, 0, err
	}

	r.publish(events.Event{Type: events.RunFinalizing, ProjectID: ev.ProjectID, EventID: ev.ID, CorrelationID: correlationID})
	msg, err := r.deps.Finalizer.Finalize(ctx, &finalize.Input{
		ProjectID:     ev.ProjectID,
		Sandbox:       sbx,
		State:         state,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, result.Iterations, err
	}
	return msg, result.Iterations, nil
}

// history loads the project's conversation in ascending order.
func (r *Runner) history(ctx context.Context, projectID uuid.UUID) ([]domain.HistoryMessage, error) {
	msgs, err := r.deps.Messages.History(ctx, projectID)
	if err != nil {
		return nil, err
	}
	prior := make([]domain.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		prior = append(prior, domain.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return prior, nil
}

// ObserveTurn publishes an agent turn of a run started by this runner.
// It is meant to be registered with agent.Loop.WithTurnObserver.
func (r *Runner) ObserveTurn(ctx context.Context, turn agent.Turn) {
	info, ok := runInfoFrom(ctx)
	if !ok {
		return
	}
	names := make([]string, 0, len(turn.ToolResults))
	for _, tr := range turn.ToolResults {
		names = append(names, tr.ToolName)
	}
	r.publish(events.Event{
		Type:          events.AgentTurn,
		ProjectID:     info.projectID,
		EventID:       info.eventID,
		CorrelationID: turn.CorrelationID,
		Iteration:     turn.Iteration,
		Tools:         names,
	})
}

func (r *Runner) publish(ev events.Event) {
	if r.deps.Broker != nil {
		r.deps.Broker.Publish(ev)
	}
}
