package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", req.Model),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetAttributes(
			attribute.String("llm.stop_reason", resp.StopReason),
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, req.Model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, req.Model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, req.Model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, req.Model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedSandboxProvider ---

// InstrumentedSandboxProvider wraps a sandbox.Provider so every sandbox it
// hands out records command metrics and spans.
type InstrumentedSandboxProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandboxProvider wraps a sandbox provider with observability.
func NewInstrumentedSandboxProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandboxProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandboxProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedSandboxProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedSandboxProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	sbx, err := p.inner.Create(ctx, opts)
	if err != nil {
		p.metrics.RecordResolve(p.inner.Name(), "error")
		return nil, err
	}
	p.metrics.RecordResolve(p.inner.Name(), "created")
	return p.wrap(sbx), nil
}

func (p *InstrumentedSandboxProvider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	sbx, err := p.inner.Connect(ctx, id)
	if err != nil {
		p.metrics.RecordResolve(p.inner.Name(), "error")
		return nil, err
	}
	p.metrics.RecordResolve(p.inner.Name(), "connected")
	return p.wrap(sbx), nil
}

// Reap delegates to the inner provider when it expires sandboxes itself.
func (p *InstrumentedSandboxProvider) Reap(ctx context.Context, now time.Time) (int, error) {
	if r, ok := p.inner.(sandbox.Reaper); ok {
		return r.Reap(ctx, now)
	}
	return 0, nil
}

func (p *InstrumentedSandboxProvider) wrap(sbx sandbox.Sandbox) sandbox.Sandbox {
	return &instrumentedSandbox{
		Sandbox:  sbx,
		provider: p.inner.Name(),
		metrics:  p.metrics,
		tracer:   p.tracer,
	}
}

// instrumentedSandbox records Run calls. File and host operations pass through.
type instrumentedSandbox struct {
	sandbox.Sandbox
	provider string
	metrics  *MetricsCollector
	tracer   trace.Tracer
}

func (s *instrumentedSandbox) Run(ctx context.Context, req sandbox.CommandRequest) (*sandbox.CommandResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.provider", s.provider),
				attribute.String("sandbox.id", s.ID()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.Sandbox.Run(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if span != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxCommandsTotal.WithLabelValues(s.provider, status).Inc()
		s.metrics.SandboxCommandDuration.WithLabelValues(s.provider).Observe(duration)
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider     = (*InstrumentedProvider)(nil)
	_ sandbox.Provider = (*InstrumentedSandboxProvider)(nil)
	_ sandbox.Reaper   = (*InstrumentedSandboxProvider)(nil)
	_ sandbox.Sandbox  = (*instrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
