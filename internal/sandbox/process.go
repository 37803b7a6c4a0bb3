package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultCommandTimeout = 10 * time.Minute
	metadataFile          = ".kijenzi-sandbox.json"
)

// ResourceLimits constrains local sandbox commands. Zero = unlimited.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// ProcessConfig configures the local process provider.
type ProcessConfig struct {
	// Root holds one directory per sandbox.
	Root string
	// TemplateDir, when set, is copied into every new sandbox.
	TemplateDir string
	// Domain suffixes preview hosts. Default "localhost".
	Domain         string
	DefaultTimeout time.Duration
	Limits         ResourceLimits
}

// ProcessProvider runs sandboxes as directories on the local host, for
// development without a hosted control plane. Every command runs through
// /bin/sh in its own process group with a minimal environment; the
// sandbox directory acts as the home directory.
type ProcessProvider struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu sync.Mutex
	// groups tracks process groups that may outlive their command
	// (background servers), keyed by sandbox ID.
	groups map[string][]int
}

// NewProcessProvider creates a local provider rooted at cfg.Root.
func NewProcessProvider(cfg ProcessConfig, logger *slog.Logger) (*ProcessProvider, error) {
	if cfg.Root == "" {
		return nil, errors.New("process sandbox root is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCommandTimeout
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &ProcessProvider{
		cfg:    cfg,
		logger: logger,
		groups: make(map[string][]int),
	}, nil
}

func (p *ProcessProvider) Name() string { return "process" }

// processMeta is persisted next to the sandbox files so sandboxes survive restarts.
type processMeta struct {
	ID        string        `json:"id"`
	Template  string        `json:"template"`
	Timeout   time.Duration `json:"timeout"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Create makes a new sandbox directory, seeded from TemplateDir.
func (p *ProcessProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	id, err := newSandboxID()
	if err != nil {
		return nil, fmt.Errorf("generating sandbox id: %w", err)
	}
	dir := filepath.Join(p.cfg.Root, id)
	if p.cfg.TemplateDir != "" {
		if err := os.CopyFS(dir, os.DirFS(p.cfg.TemplateDir)); err != nil {
			return nil, fmt.Errorf("copying template: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := time.Now().UTC()
	meta := processMeta{ID: id, Template: opts.Template, Timeout: timeout, CreatedAt: now, ExpiresAt: now.Add(timeout)}
	if err := writeMeta(dir, meta); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "process sandbox created",
		slog.String("sandbox_id", id),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)
	return &processSandbox{provider: p, id: id, dir: dir}, nil
}

// Connect reattaches to an unexpired sandbox and extends its lifetime.
func (p *ProcessProvider) Connect(_ context.Context, id string) (Sandbox, error) {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	dir := filepath.Join(p.cfg.Root, id)
	meta, err := readMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	now := time.Now().UTC()
	if now.After(meta.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrNotFound, id, meta.ExpiresAt.Format(time.RFC3339))
	}
	meta.ExpiresAt = now.Add(meta.Timeout)
	if err := writeMeta(dir, meta); err != nil {
		return nil, err
	}
	return &processSandbox{provider: p, id: id, dir: dir}, nil
}

// Reap kills the processes of expired sandboxes and removes their directories.
func (p *ProcessProvider) Reap(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(p.cfg.Root)
	if err != nil {
		return 0, fmt.Errorf("listing sandboxes: %w", err)
	}
	reaped := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(p.cfg.Root, e.Name())
		meta, err := readMeta(dir)
		if err != nil || now.Before(meta.ExpiresAt) {
			continue
		}
		p.killGroups(e.Name())
		if err := os.RemoveAll(dir); err != nil {
			p.logger.WarnContext(ctx, "failed to remove expired sandbox",
				slog.String("sandbox_id", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (p *ProcessProvider) trackGroup(id string, pgid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[id] = append(p.groups[id], pgid)
}

func (p *ProcessProvider) killGroups(id string) {
	p.mu.Lock()
	groups := p.groups[id]
	delete(p.groups, id)
	p.mu.Unlock()
	for _, pgid := range groups {
		// Negative PID = the entire process group.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func writeMeta(dir string, meta processMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding sandbox metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o640); err != nil {
		return fmt.Errorf("writing sandbox metadata: %w", err)
	}
	return nil
}

func readMeta(dir string) (processMeta, error) {
	var meta processMeta
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decoding sandbox metadata: %w", err)
	}
	return meta, nil
}

// newSandboxID returns 16 lowercase hex characters.
func newSandboxID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// processSandbox is one local sandbox directory.
type processSandbox struct {
	provider *ProcessProvider
	id       string
	dir      string
}

func (s *processSandbox) ID() string { return s.id }

// Run executes the command with sh -c inside the sandbox directory.
func (s *processSandbox) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.provider.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := s.dir
	if req.WorkingDir != "" {
		resolved, err := s.resolve(req.WorkingDir)
		if err != nil {
			return nil, err
		}
		workDir = resolved
	}

	// The command string is passed as a positional parameter, never
	// interpolated into the wrapper script.
	script := limitsScript(s.provider.cfg.Limits) + `exec /bin/sh -c "$1"`
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script, "_", req.Command)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = s.buildEnv(req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = streamWriter(&stdoutBuf, req.OnStdout)
	cmd.Stderr = streamWriter(&stderrBuf, req.OnStderr)

	s.provider.logger.DebugContext(ctx, "process sandbox executing",
		slog.String("sandbox_id", s.id),
		slog.String("command", req.Command),
		slog.String("dir", workDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	// Background children (nohup ... &) stay in this group after sh exits.
	s.provider.trackGroup(s.id, cmd.Process.Pid)
	runErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (s *processSandbox) WriteFile(_ context.Context, path, content string) error {
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *processSandbox) ReadFile(_ context.Context, path string) (string, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// Host reports the preview host once something listens on the port.
func (s *processSandbox) Host(ctx context.Context, port int) (string, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("port %d not listening: %w", port, err)
	}
	_ = conn.Close()
	return FormatHost(port, s.id, s.provider.cfg.Domain) + ":" + strconv.Itoa(port), nil
}

// resolve maps a sandbox path (relative, or absolute under HomeDir) to a
// host path inside the sandbox directory, rejecting traversal and symlink
// escapes.
func (s *processSandbox) resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	rel := raw
	if filepath.IsAbs(raw) {
		if raw != HomeDir && !strings.HasPrefix(raw, HomeDir+"/") {
			return "", fmt.Errorf("path %q is outside the sandbox home", raw)
		}
		rel = strings.TrimPrefix(strings.TrimPrefix(raw, HomeDir), "/")
	}
	joined := filepath.Join(s.dir, rel)

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// Not created yet (write case): resolve the nearest parent.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(joined))
		if perr != nil {
			parent = filepath.Dir(joined)
		}
		resolved = filepath.Join(parent, filepath.Base(joined))
	}
	root, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox dir: %w", err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", raw)
	}
	return resolved, nil
}

// buildEnv constructs a minimal environment. Only PATH is taken from the
// host so node and npm resolve; credentials never leak into commands.
func (s *processSandbox) buildEnv(extra map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + s.dir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func limitsScript(l ResourceLimits) string {
	var b strings.Builder
	if l.MaxMemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", l.MaxMemoryMB*1024)
	}
	if l.MaxCPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", l.MaxCPUSeconds)
	}
	return b.String()
}

func streamWriter(buf *bytes.Buffer, fn func(string)) io.Writer {
	w := &limitedWriter{w: buf, remaining: maxOutputBytes}
	if fn == nil {
		return w
	}
	return io.MultiWriter(w, callbackWriter(fn))
}

// callbackWriter forwards every chunk to a stream callback.
type callbackWriter func(string)

func (f callbackWriter) Write(p []byte) (int, error) {
	f(string(p))
	return len(p), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
