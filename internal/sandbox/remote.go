package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultRemoteRequestTimeout = 5 * time.Minute

// RemoteConfig configures the hosted sandbox control plane.
type RemoteConfig struct {
	APIURL         string        // e.g. "https://api.sandbox.example.com"
	APIKey         string        // Sent as X-API-Key.
	RequestTimeout time.Duration // Per HTTP request. Zero = 5m.
	HTTPClient     *http.Client  // Optional; overrides RequestTimeout.
}

// RemoteProvider talks to a hosted sandbox control plane over HTTP+JSON.
//
// Endpoints:
//
//	POST /sandboxes                       create
//	POST /sandboxes/{id}/connect          reconnect and extend timeout
//	POST /sandboxes/{id}/commands         run a shell command
//	POST /sandboxes/{id}/files            write a file
//	GET  /sandboxes/{id}/files?path=      read a file
//	GET  /sandboxes/{id}/ports/{port}     public host of a port
type RemoteProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteProvider creates a provider for the hosted control plane.
func NewRemoteProvider(cfg RemoteConfig, logger *slog.Logger) *RemoteProvider {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRemoteRequestTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &RemoteProvider{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		apiKey:     cfg.APIKey,
		httpClient: hc,
		logger:     logger,
	}
}

func (p *RemoteProvider) Name() string { return "remote" }

type remoteCreateRequest struct {
	TemplateID          string            `json:"templateID"`
	TimeoutMS           int64             `json:"timeoutMs,omitempty"`
	AllowInternetAccess bool              `json:"allowInternetAccess"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type remoteSandboxInfo struct {
	SandboxID string    `json:"sandboxID"`
	StartedAt time.Time `json:"startedAt"`
	EndAt     time.Time `json:"endAt"`
}

// Create starts a sandbox from opts.Template.
func (p *RemoteProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	var info remoteSandboxInfo
	err := p.doJSON(ctx, http.MethodPost, "/sandboxes", remoteCreateRequest{
		TemplateID:          opts.Template,
		TimeoutMS:           opts.Timeout.Milliseconds(),
		AllowInternetAccess: opts.AllowInternet,
		Metadata:            opts.Metadata,
	}, &info)
	if err != nil {
		return nil, err
	}
	if info.SandboxID == "" {
		return nil, errors.New("sandbox create response has no sandboxID")
	}
	return &remoteSandbox{provider: p, id: info.SandboxID}, nil
}

// Connect reattaches to a running sandbox. A missing sandbox yields ErrNotFound.
func (p *RemoteProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	var info remoteSandboxInfo
	if err := p.doJSON(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/connect", struct{}{}, &info); err != nil {
		return nil, err
	}
	return &remoteSandbox{provider: p, id: id}, nil
}

// remoteError carries a non-2xx control plane response.
type remoteError struct {
	status int
	body   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("sandbox API error (status %d): %s", e.status, e.body)
}

func (e *remoteError) Is(target error) bool {
	return target == ErrNotFound && e.status == http.StatusNotFound
}

func (p *RemoteProvider) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal sandbox request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	resp, err := p.send(ctx, method, path, body, payload != nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sandbox response: %w", err)
	}
	return nil
}

func (p *RemoteProvider) getBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := p.send(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}
	return data, nil
}

// send performs the request and returns the response only for 2xx statuses.
func (p *RemoteProvider) send(ctx context.Context, method, path string, body io.Reader, isJSON bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build sandbox request: %w", err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &remoteError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return resp, nil
}

// remoteSandbox is a handle on one hosted sandbox.
type remoteSandbox struct {
	provider *RemoteProvider
	id       string
}

func (s *remoteSandbox) ID() string { return s.id }

func (s *remoteSandbox) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(s.id) + suffix
}

type remoteCommandRequest struct {
	Cmd       string            `json:"cmd"`
	Cwd       string            `json:"cwd,omitempty"`
	Envs      map[string]string `json:"envs,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
}

type remoteCommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Run executes the command. Output is delivered to the stream callbacks
// once the command returns.
func (s *remoteSandbox) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	start := time.Now()
	var res remoteCommandResult
	err := s.provider.doJSON(ctx, http.MethodPost, s.path("/commands"), remoteCommandRequest{
		Cmd:       req.Command,
		Cwd:       req.WorkingDir,
		Envs:      req.Env,
		TimeoutMS: req.Timeout.Milliseconds(),
	}, &res)
	if err != nil {
		return nil, err
	}
	if req.OnStdout != nil && res.Stdout != "" {
		req.OnStdout(res.Stdout)
	}
	if req.OnStderr != nil && res.Stderr != "" {
		req.OnStderr(res.Stderr)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("command failed: %s", res.Error)
	}
	return &CommandResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (s *remoteSandbox) WriteFile(ctx context.Context, path, content string) error {
	return s.provider.doJSON(ctx, http.MethodPost, s.path("/files"), map[string]string{
		"path":    path,
		"content": content,
	}, nil)
}

func (s *remoteSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := s.provider.getBytes(ctx, s.path("/files?path="+url.QueryEscape(path)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *remoteSandbox) Host(ctx context.Context, port int) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	if err := s.provider.doJSON(ctx, http.MethodGet, s.path("/ports/"+strconv.Itoa(port)), nil, &out); err != nil {
		return "", err
	}
	return out.Host, nil
}
