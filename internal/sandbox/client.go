package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/retry"
)

// Defaults for a build sandbox.
const (
	DefaultTemplate = "kijenzi-nextjs"
	DefaultTimeout  = 30 * time.Minute
	DefaultDomain   = "e2b.app"
)

// PreviewLookup finds the preview URL of a project's latest successful run.
// It returns "" with a nil error when the project has none.
type PreviewLookup interface {
	LatestPreviewURL(ctx context.Context, projectID uuid.UUID) (string, error)
}

// ClientConfig configures sandbox resolution and preview polling.
type ClientConfig struct {
	Template      string
	Timeout       time.Duration
	AllowInternet bool
	// Domain is the preview host suffix used to decode stored preview URLs.
	Domain string
	// PreviewPoll bounds Host polling in PreviewURL.
	PreviewPoll retry.Policy
}

// Client resolves the sandbox a run builds in and its preview URL.
type Client struct {
	provider Provider
	previews PreviewLookup
	cfg      ClientConfig
	logger   *slog.Logger
}

// NewClient creates a sandbox client over the given provider.
func NewClient(provider Provider, previews PreviewLookup, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.PreviewPoll.Attempts <= 0 {
		cfg.PreviewPoll = retry.Fixed(10, 3*time.Second)
	}
	return &Client{
		provider: provider,
		previews: previews,
		cfg:      cfg,
		logger:   logger,
	}
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider { return c.provider }

// Resolve returns the sandbox for a project. The sandbox behind the
// project's latest preview is reused when it can be reconnected; otherwise a
// new one is created. Reconnect failures are never fatal, creation failures are.
func (c *Client) Resolve(ctx context.Context, projectID uuid.UUID) (sbx Sandbox, reused bool, err error) {
	previewURL, err := c.previews.LatestPreviewURL(ctx, projectID)
	if err != nil {
		return nil, false, fmt.Errorf("looking up previous preview: %w", err)
	}

	if previewURL != "" {
		existing, err := c.reconnect(ctx, previewURL)
		if err == nil {
			c.logger.InfoContext(ctx, "reusing sandbox",
				slog.String("project_id", projectID.String()),
				slog.String("sandbox_id", existing.ID()),
			)
			return existing, true, nil
		}
		c.logger.WarnContext(ctx, "sandbox reconnect failed, creating a new one",
			slog.String("project_id", projectID.String()),
			slog.String("preview_url", previewURL),
			slog.String("error", err.Error()),
		)
	}

	sbx, err = c.provider.Create(ctx, CreateOptions{
		Template:      c.cfg.Template,
		Timeout:       c.cfg.Timeout,
		AllowInternet: c.cfg.AllowInternet,
		Metadata:      map[string]string{"project_id": projectID.String()},
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating sandbox: %w", err)
	}
	c.logger.InfoContext(ctx, "sandbox created",
		slog.String("project_id", projectID.String()),
		slog.String("sandbox_id", sbx.ID()),
		slog.String("template", c.cfg.Template),
		slog.String("provider", c.provider.Name()),
	)
	return sbx, false, nil
}

func (c *Client) reconnect(ctx context.Context, previewURL string) (Sandbox, error) {
	id, err := ParseSandboxID(previewURL, c.cfg.Domain)
	if err != nil {
		return nil, err
	}
	return c.provider.Connect(ctx, id)
}

// PreviewURL polls the sandbox until the port has a public host. Exhausting
// the attempts is terminal: the returned error wraps retry.ErrExhausted.
func (c *Client) PreviewURL(ctx context.Context, sbx Sandbox, port int) (string, error) {
	host, err := retry.Do(ctx, c.cfg.PreviewPoll, func(ctx context.Context) (string, error) {
		host, err := sbx.Host(ctx, port)
		if err != nil {
			return "", err
		}
		if host == "" {
			return "", errors.New("no host yet")
		}
		return host, nil
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.DebugContext(ctx, "waiting for preview port",
			slog.String("sandbox_id", sbx.ID()),
			slog.Int("port", port),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.PreviewPoll.Attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return "", fmt.Errorf("sandbox server did not start on port %d: %w", port, err)
	}
	return PreviewURL(host), nil
}
