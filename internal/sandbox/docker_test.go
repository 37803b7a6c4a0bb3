package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// testImage is the image used for Docker integration tests.
const testImage = "node:20-alpine"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func newTestDockerSandbox(t *testing.T) (*DockerProvider, Sandbox) {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	p := NewDockerProvider(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       256,
		CPUCores:       0.5,
		PIDsLimit:      64,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sbx, err := p.Create(context.Background(), CreateOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { p.forceRemoveContainer(containerPrefix + sbx.ID()) })
	return p, sbx
}

func TestDockerSandbox_RunAndFiles(t *testing.T) {
	_, sbx := newTestDockerSandbox(t)
	ctx := context.Background()

	if err := sbx.WriteFile(ctx, "app/page.tsx", "export default function Page() {}\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sbx.ReadFile(ctx, "app/page.tsx")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "export default function Page() {}\n" {
		t.Errorf("content = %q", got)
	}

	res, err := sbx.Run(ctx, CommandRequest{Command: "ls app && exit 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "page.tsx" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestDockerProvider_ConnectAndReap(t *testing.T) {
	p, sbx := newTestDockerSandbox(t)
	ctx := context.Background()

	if _, err := p.Connect(ctx, sbx.ID()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := p.Connect(ctx, "doesnotexist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect(missing) = %v, want ErrNotFound", err)
	}

	n, err := p.Reap(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n < 1 {
		t.Errorf("reaped %d, want at least 1", n)
	}
	if _, err := p.Connect(ctx, sbx.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect after reap = %v, want ErrNotFound", err)
	}
}

func TestParsePublishedPort(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:49153\n", "49153", false},
		{"0.0.0.0:32768\n[::]:32768\n", "32768", false},
		{"", "", true},
		{"127.0.0.1:", "", true},
	}
	for _, tt := range tests {
		got, err := parsePublishedPort(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePublishedPort(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePublishedPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildRunArgs_Hardening(t *testing.T) {
	p := NewDockerProvider(DockerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	args := p.buildRunArgs("kijenzi-sbx-abc", "img", time.Unix(100, 0), CreateOptions{})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--network=none",
		"--label kijenzi.expires=100",
		"--publish 127.0.0.1::3000",
		"--entrypoint sleep img infinity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}
