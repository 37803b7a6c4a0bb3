package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/agent"
	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/events"
	"github.com/jkaninda/kijenzi/internal/finalize"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/storage"
	"github.com/jkaninda/kijenzi/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memEvents struct {
	mu        sync.Mutex
	started   map[string]int
	completed map[string]bool
}

func newMemEvents() *memEvents {
	return &memEvents{started: map[string]int{}, completed: map[string]bool{}}
}

func (m *memEvents) MarkStarted(_ context.Context, id string, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[id]++
	return nil
}

func (m *memEvents) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started[id] == 0 {
		return storage.ErrNotFound
	}
	m.completed[id] = true
	return nil
}

func (m *memEvents) IsCompleted(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[id], nil
}

func (m *memEvents) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

type memMessages struct {
	history []*domain.Message
}

func (m *memMessages) AppendUserMessage(context.Context, uuid.UUID, string) (*domain.Message, error) {
	return nil, errors.New("not used")
}
func (m *memMessages) History(context.Context, uuid.UUID) ([]*domain.Message, error) {
	return m.history, nil
}
func (m *memMessages) SaveOutcome(context.Context, *domain.Outcome) (*domain.Message, error) {
	return nil, errors.New("not used")
}
func (m *memMessages) LatestPreviewURL(context.Context, uuid.UUID) (string, error) { return "", nil }

type nopSandbox struct{}

func (nopSandbox) ID() string { return "sbx" }
func (nopSandbox) Run(context.Context, sandbox.CommandRequest) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}
func (nopSandbox) WriteFile(context.Context, string, string) error  { return nil }
func (nopSandbox) ReadFile(context.Context, string) (string, error) { return "", nil }
func (nopSandbox) Host(context.Context, int) (string, error)        { return "", nil }

type fakeResolver struct{ err error }

func (f fakeResolver) Resolve(context.Context, uuid.UUID) (sandbox.Sandbox, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return nopSandbox{}, false, nil
}

// fakeAgent records inputs and tracks how many runs overlap per project.
type fakeAgent struct {
	mu       sync.Mutex
	inputs   []*agent.Input
	active   map[uuid.UUID]int
	overlap  atomic.Bool
	delay    time.Duration
	err      error
	observer func(context.Context, agent.Turn)
}

func (a *fakeAgent) Run(ctx context.Context, in *agent.Input) (*agent.Result, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, in)
	if a.active == nil {
		a.active = map[uuid.UUID]int{}
	}
	a.active[in.Request.ProjectID]++
	if a.active[in.Request.ProjectID] > 1 {
		a.overlap.Store(true)
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.active[in.Request.ProjectID]--
		a.mu.Unlock()
	}()

	time.Sleep(a.delay)
	if a.err != nil {
		return nil, a.err
	}
	if a.observer != nil {
		a.observer(ctx, agent.Turn{CorrelationID: in.CorrelationID, Iteration: 1, ToolResults: []agent.ToolCallResult{{ToolName: "terminal", Success: true}}})
	}
	in.State.Summary = "<task_summary>done</task_summary>"
	return &agent.Result{State: in.State, Terminal: agent.PhaseConverged, Iterations: 1}, nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFinalizer) Finalize(_ context.Context, in *finalize.Input) (*domain.Message, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Message{ID: uuid.New(), ProjectID: in.ProjectID, Role: domain.RoleAssistant, Kind: domain.KindResult}, nil
}

type fixture struct {
	events    *memEvents
	messages  *memMessages
	agent     *fakeAgent
	finalizer *fakeFinalizer
	broker    *events.Broker
	resolver  fakeResolver
}

func newFixture() *fixture {
	return &fixture{
		events:    newMemEvents(),
		messages:  &memMessages{},
		agent:     &fakeAgent{},
		finalizer: &fakeFinalizer{},
		broker:    events.NewBroker(64, discardLogger()),
	}
}

func (f *fixture) runner(cfg Config) *Runner {
	r := New(Deps{
		Messages:  f.messages,
		Events:    f.events,
		Sandboxes: f.resolver,
		Tools:     func(sandbox.Sandbox) *tools.Registry { return tools.NewRegistry() },
		Agent:     f.agent,
		Finalizer: f.finalizer,
		Broker:    f.broker,
	}, cfg, discardLogger())
	f.agent.observer = r.ObserveTurn
	return r
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture()
	projectID := uuid.New()
	f.messages.history = []*domain.Message{
		{Role: domain.RoleUser, Content: "build a counter"},
		{Role: domain.RoleAssistant, Content: "Here you go"},
		{Role: domain.RoleUser, Content: "make it blue"},
	}
	sub := f.broker.Subscribe(projectID)
	defer sub.Close()

	r := f.runner(Config{})
	msg, err := r.Execute(context.Background(), domain.RunEvent{ID: "evt-1", Value: "make it blue", ProjectID: projectID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg.Kind != domain.KindResult {
		t.Errorf("kind = %s", msg.Kind)
	}
	if done, _ := f.events.IsCompleted(context.Background(), "evt-1"); !done {
		t.Error("event not marked completed")
	}

	in := f.agent.inputs[0]
	if in.Request.Instruction != "make it blue" || len(in.Request.PriorMessages) != 3 {
		t.Errorf("request = %+v", in.Request)
	}
	if in.CorrelationID == "" {
		t.Error("missing correlation id")
	}

	var types []events.Type
	for len(sub.Events()) > 0 {
		types = append(types, (<-sub.Events()).Type)
	}
	want := []events.Type{events.RunStarted, events.AgentTurn, events.RunFinalizing, events.RunCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestExecute_RedeliveryIsSkipped(t *testing.T) {
	f := newFixture()
	r := f.runner(Config{})
	ev := domain.RunEvent{ID: "evt-1", Value: "x", ProjectID: uuid.New()}

	if _, err := r.Execute(context.Background(), ev); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := r.Execute(context.Background(), ev); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Execute err = %v, want ErrDuplicate", err)
	}
	if len(f.agent.inputs) != 1 || f.finalizer.calls != 1 {
		t.Errorf("agent runs = %d, finalizations = %d, want 1 each", len(f.agent.inputs), f.finalizer.calls)
	}
}

func TestExecute_FatalErrorsLeaveEventIncomplete(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"sandbox creation", func(f *fixture) { f.resolver = fakeResolver{err: errors.New("quota exceeded")} }},
		{"model failure", func(f *fixture) { f.agent.err = errors.New("upstream 500") }},
		{"preview exhaustion", func(f *fixture) { f.finalizer.err = errors.New("sandbox server did not start on port 3000") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			projectID := uuid.New()
			sub := f.broker.Subscribe(projectID)
			defer sub.Close()

			_, err := f.runner(Config{}).Execute(context.Background(), domain.RunEvent{ID: "evt", Value: "x", ProjectID: projectID})
			if err == nil {
				t.Fatal("expected error")
			}
			if done, _ := f.events.IsCompleted(context.Background(), "evt"); done {
				t.Error("failed event marked completed")
			}
			var last events.Event
			for len(sub.Events()) > 0 {
				last = <-sub.Events()
			}
			if last.Type != events.RunFailed || last.Error == "" {
				t.Errorf("last event = %+v", last)
			}
		})
	}
}

func TestExecute_SerializesRunsPerProject(t *testing.T) {
	f := newFixture()
	f.agent.delay = 20 * time.Millisecond
	r := f.runner(Config{})

	projectA, projectB := uuid.New(), uuid.New()
	var wg sync.WaitGroup
	for i, p := range []uuid.UUID{projectA, projectA, projectA, projectB, projectB} {
		wg.Add(1)
		go func(i int, p uuid.UUID) {
			defer wg.Done()
			if _, err := r.Execute(context.Background(), domain.RunEvent{ID: uuid.NewString(), Value: "x", ProjectID: p}); err != nil {
				t.Errorf("run %d: %v", i, err)
			}
		}(i, p)
	}
	wg.Wait()

	if f.agent.overlap.Load() {
		t.Error("runs of the same project overlapped")
	}
	if n := r.locks.size(); n != 0 {
		t.Errorf("lock entries leaked: %d", n)
	}
}

func TestRunner_EnqueueAndWorkers(t *testing.T) {
	f := newFixture()
	r := f.runner(Config{Workers: 2, QueueSize: 4})

	if _, err := r.Enqueue(context.Background(), domain.RunEvent{ProjectID: uuid.New()}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Enqueue before Start err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	projectID := uuid.New()
	sub := f.broker.Subscribe(projectID)
	defer sub.Close()

	var id string
	deadline := time.After(2 * time.Second)
	for id == "" {
		var err error
		id, err = r.Enqueue(context.Background(), domain.RunEvent{Value: "x", ProjectID: projectID})
		if errors.Is(err, ErrNotRunning) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for {
		select {
		case ev := <-sub.Events():
			if ev.Type != events.RunCompleted {
				continue
			}
			if ev.EventID != id {
				t.Errorf("completed event id = %q, want %q", ev.EventID, id)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Start: %v", err)
			}
			return
		case <-deadline:
			cancel()
			t.Fatal("run did not complete")
		}
	}
}

func TestRunner_QueueFull(t *testing.T) {
	f := newFixture()
	r := f.runner(Config{Workers: 1, QueueSize: 1})
	if err := r.CheckQueue(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("CheckQueue before start = %v, want ErrNotRunning", err)
	}
	r.running = true // accept without draining
	if err := r.CheckQueue(context.Background()); err != nil {
		t.Errorf("CheckQueue on empty queue = %v", err)
	}

	if _, err := r.Enqueue(context.Background(), domain.RunEvent{ProjectID: uuid.New()}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := r.Enqueue(context.Background(), domain.RunEvent{ProjectID: uuid.New()}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Enqueue err = %v, want ErrQueueFull", err)
	}
	if err := r.CheckQueue(context.Background()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("CheckQueue on full queue = %v, want ErrQueueFull", err)
	}
}

func TestKeyedLock_ContextCancel(t *testing.T) {
	l := newKeyedLock()
	key := uuid.New()
	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock err = %v", err)
	}
	unlock()
	if l.size() != 0 {
		t.Errorf("entries = %d after release", l.size())
	}
}
