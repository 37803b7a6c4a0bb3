package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 512
	defaultDockerCPUCores  = 2.0
	defaultDockerMemoryMB  = 2048
	defaultDockerImage     = "kijenzi/nextjs-sandbox:latest"

	containerPrefix = "kijenzi-sbx-"
	labelSandbox    = "kijenzi.sandbox"
	labelExpires    = "kijenzi.expires"
)

// DockerConfig configures the Docker-backed provider.
type DockerConfig struct {
	// Image is used when CreateOptions.Template is empty.
	Image          string
	DefaultTimeout time.Duration // Per command.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
	// Ports are published on 127.0.0.1 with ephemeral host ports.
	Ports []int
	// Domain suffixes preview hosts. Default "localhost".
	Domain string
}

// DockerProvider runs each sandbox as a long-lived container. Commands and
// file operations go through docker exec, so the provider needs nothing
// but the docker CLI on the host.
//
// Containers drop all capabilities, block privilege escalation and are
// memory, CPU and PID limited. Network access follows
// CreateOptions.AllowInternet.
type DockerProvider struct {
	cfg    DockerConfig
	logger *slog.Logger

	mu sync.Mutex
	// expires overrides the creation label after Connect extends a sandbox.
	expires map[string]time.Time
	timeout map[string]time.Duration
}

// NewDockerProvider creates a Docker-backed provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCommandTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{3000}
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	return &DockerProvider{
		cfg:     cfg,
		logger:  logger,
		expires: make(map[string]time.Time),
		timeout: make(map[string]time.Duration),
	}
}

func (p *DockerProvider) Name() string { return "docker" }

// Create starts a detached container that idles until commands arrive.
func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	id, err := newSandboxID()
	if err != nil {
		return nil, fmt.Errorf("generating sandbox id: %w", err)
	}
	image := opts.Template
	if image == "" || image == DefaultTemplate {
		image = p.cfg.Image
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	expiresAt := time.Now().Add(timeout)

	args := p.buildRunArgs(containerPrefix+id, image, expiresAt, opts)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}

	p.mu.Lock()
	p.expires[id] = expiresAt
	p.timeout[id] = timeout
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "docker sandbox created",
		slog.String("sandbox_id", id),
		slog.String("image", image),
		slog.Int("memory_mb", p.cfg.MemoryMB),
		slog.Float64("cpu_cores", p.cfg.CPUCores),
		slog.Bool("network", opts.AllowInternet),
	)
	return &dockerSandbox{provider: p, id: id}, nil
}

// buildRunArgs constructs the docker run argument list with all hardening flags.
func (p *DockerProvider) buildRunArgs(name, image string, expiresAt time.Time, opts CreateOptions) []string {
	memoryFlag := strconv.Itoa(p.cfg.MemoryMB) + "m"
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelSandbox + "=1",
		"--label", labelExpires + "=" + strconv.FormatInt(expiresAt.Unix(), 10),

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(p.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),

		"--workdir", HomeDir,
		"--env", "HOME=" + HomeDir,
		"--env", "TERM=dumb",
	}
	if opts.AllowInternet {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	for _, port := range p.cfg.Ports {
		args = append(args, "--publish", "127.0.0.1::"+strconv.Itoa(port))
	}
	for k, v := range opts.Metadata {
		args = append(args, "--label", "kijenzi."+k+"="+v)
	}
	return append(args, "--entrypoint", "sleep", image, "infinity")
}

// Connect reattaches to a running container and extends its lifetime.
func (p *DockerProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect",
		"--format", `{{.State.Running}}`, containerPrefix+id).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, id, strings.TrimSpace(string(out)))
	}
	if strings.TrimSpace(string(out)) != "true" {
		return nil, fmt.Errorf("%w: %s is not running", ErrNotFound, id)
	}

	p.mu.Lock()
	timeout, ok := p.timeout[id]
	if !ok {
		timeout = DefaultTimeout
		p.timeout[id] = timeout
	}
	p.expires[id] = time.Now().Add(timeout)
	p.mu.Unlock()

	return &dockerSandbox{provider: p, id: id}, nil
}

// Reap force-removes containers past their expiry.
func (p *DockerProvider) Reap(ctx context.Context, now time.Time) (int, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label="+labelSandbox,
		"--format", `{{.Names}} {{.Label "`+labelExpires+`"}}`).Output()
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	reaped := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name, label, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || !strings.HasPrefix(name, containerPrefix) {
			continue
		}
		id := strings.TrimPrefix(name, containerPrefix)
		if !p.expired(id, label, now) {
			continue
		}
		p.forceRemoveContainer(name)
		p.mu.Lock()
		delete(p.expires, id)
		delete(p.timeout, id)
		p.mu.Unlock()
		reaped++
	}
	return reaped, nil
}

func (p *DockerProvider) expired(id, label string, now time.Time) bool {
	p.mu.Lock()
	at, ok := p.expires[id]
	p.mu.Unlock()
	if !ok {
		unix, err := strconv.ParseInt(label, 10, 64)
		if err != nil {
			return false
		}
		at = time.Unix(unix, 0)
	}
	return now.After(at)
}

// forceRemoveContainer removes a container by name. Errors are logged,
// never returned.
func (p *DockerProvider) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		p.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// dockerSandbox is a handle on one container.
type dockerSandbox struct {
	provider *DockerProvider
	id       string
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) container() string { return containerPrefix + s.id }

// Run executes the command with docker exec ... sh -c.
func (s *dockerSandbox) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.provider.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := HomeDir
	if req.WorkingDir != "" {
		workDir = req.WorkingDir
	}
	args := []string{"exec", "--workdir", workDir}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, s.container(), "sh", "-c", req.Command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = streamWriter(&stdoutBuf, req.OnStdout)
	cmd.Stderr = streamWriter(&stderrBuf, req.OnStderr)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
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

// WriteFile streams content through stdin so nothing is shell-interpolated.
func (s *dockerSandbox) WriteFile(ctx context.Context, path, content string) error {
	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", "--workdir", HomeDir, s.container(),
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "_", path)
	cmd.Stdin = strings.NewReader(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("writing %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *dockerSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "exec", "--workdir", HomeDir, s.container(), "cat", "--", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("reading %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Host resolves the published host port and reports it once an HTTP
// server answers there.
func (s *dockerSandbox) Host(ctx context.Context, port int) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", s.container(), strconv.Itoa(port)+"/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("port %d is not published: %w", port, err)
	}
	published, err := parsePublishedPort(string(out))
	if err != nil {
		return "", err
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "http://127.0.0.1:"+published, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("port %d not answering: %w", port, err)
	}
	_ = resp.Body.Close()

	return FormatHost(port, s.id, s.provider.cfg.Domain) + ":" + published, nil
}

// parsePublishedPort extracts the host port from `docker port` output
// such as "127.0.0.1:49153".
func parsePublishedPort(out string) (string, error) {
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(out), "\n")[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx == len(line)-1 {
		return "", fmt.Errorf("unexpected docker port output %q", out)
	}
	port := line[idx+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("unexpected docker port output %q", out)
	}
	return port, nil
}
