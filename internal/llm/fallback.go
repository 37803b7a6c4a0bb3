package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoProviders is returned when a fallback chain is built without providers.
var ErrNoProviders = errors.New("llm: no providers configured")

// FallbackProvider sends each request to the primary provider and walks the
// chain on failure. Model overrides are provider specific, so secondaries
// always answer with their own configured model.
type FallbackProvider struct {
	chain  []Provider
	logger *slog.Logger
}

// NewFallbackProvider builds a chain; providers[0] is the primary.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return &FallbackProvider{chain: providers, logger: logger}, nil
}

// SendMessage returns the first successful reply. A canceled context ends
// the chain at once.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	errs := make([]error, 0, len(f.chain))
	for i, p := range f.chain {
		attempt := req
		if i > 0 && req.Model != "" {
			clone := *req
			clone.Model = ""
			attempt = &clone
		}

		resp, err := p.SendMessage(ctx, attempt)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "fallback provider answered",
					slog.String("provider", p.Name()),
					slog.Int("position", i),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if i < len(f.chain)-1 {
			f.logger.WarnContext(ctx, "provider failed, falling back",
				slog.String("provider", p.Name()),
				slog.String("next", f.chain[i+1].Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.chain), errors.Join(errs...))
}

// Name reports the primary provider with a fallback suffix.
func (f *FallbackProvider) Name() string {
	return f.chain[0].Name() + "+fallback"
}
