package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/kijenzi/internal/retry"
	"github.com/jkaninda/kijenzi/internal/sandbox"
)

const (
	devServerCheck   = `pgrep -f "next dev" || echo "not_running"`
	devServerStopped = "not_running"
	devServerStart   = "nohup npm run dev > /tmp/next.log 2>&1 &"

	// listFiles prints source files of the project directories, relative to the sandbox home.
	listFiles = `find app lib components -type f \( -name "*.tsx" -o -name "*.ts" -o -name "*.jsx" -o -name "*.js" \) 2>/dev/null || true`

	shortCommandTimeout = 30 * time.Second
	probeTimeout        = 5 * time.Second
)

// excludedFragments drop build output, caches and dependencies from the
// fallback scan.
var excludedFragments = []string{"node_modules", ".next", ".npm", "dist", "build", ".cache"}

func freePortCommand(port int) string {
	return fmt.Sprintf("lsof -ti:%d | xargs kill -9 2>/dev/null || true", port)
}

func probeCommand(port int) string {
	return fmt.Sprintf("curl -s -o /dev/null --max-time 2 http://localhost:%d", port)
}

// extractFiles lists and reads the project files of the sandbox. Listing
// failures yield no files; unreadable files are skipped.
func (f *Finalizer) extractFiles(ctx context.Context, in *Input) map[string]string {
	res, err := in.Sandbox.Run(ctx, sandbox.CommandRequest{
		Command:    listFiles,
		WorkingDir: sandbox.HomeDir,
		Timeout:    shortCommandTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		attrs := []any{slog.String("correlation_id", in.CorrelationID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else {
			attrs = append(attrs, slog.Int("exit_code", res.ExitCode))
		}
		f.logger.WarnContext(ctx, "fallback file scan failed", attrs...)
		return nil
	}

	files := make(map[string]string)
	for _, path := range scanPaths(res.Stdout) {
		content, err := in.Sandbox.ReadFile(ctx, path)
		if err != nil {
			f.logger.DebugContext(ctx, "skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		files[path] = content
	}
	if len(files) > 0 {
		f.logger.InfoContext(ctx, "recovered files from sandbox",
			slog.Int("files", len(files)),
			slog.String("correlation_id", in.CorrelationID),
		)
	}
	return files
}

// scanPaths turns find output into relative project paths, dropping excluded
// and hidden entries.
func scanPaths(output string) []string {
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		path := strings.TrimPrefix(strings.TrimSpace(line), "./")
		if path == "" || strings.HasPrefix(path, ".") || excluded(path) {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func excluded(path string) bool {
	for _, fragment := range excludedFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}

// ensureDevServer starts the dev server when it is not running and waits for
// it to answer. Every failure here is logged only; the preview URL lookup
// decides whether the run fails.
func (f *Finalizer) ensureDevServer(ctx context.Context, in *Input) {
	logger := f.logger.With(
		slog.String("sandbox_id", in.Sandbox.ID()),
		slog.String("correlation_id", in.CorrelationID),
	)

	res, err := in.Sandbox.Run(ctx, sandbox.CommandRequest{Command: devServerCheck, Timeout: shortCommandTimeout})
	switch {
	case err != nil:
		logger.WarnContext(ctx, "dev server check failed, restarting", slog.String("error", err.Error()))
	case !strings.Contains(res.Stdout, devServerStopped):
		logger.DebugContext(ctx, "dev server already running")
		return
	default:
		logger.InfoContext(ctx, "dev server not running, starting")
	}

	for _, cmd := range []string{freePortCommand(f.cfg.Port), devServerStart} {
		if _, err := in.Sandbox.Run(ctx, sandbox.CommandRequest{Command: cmd, Timeout: shortCommandTimeout}); err != nil {
			logger.WarnContext(ctx, "dev server command failed",
				slog.String("command", cmd),
				slog.String("error", err.Error()),
			)
		}
	}

	probe := probeCommand(f.cfg.Port)
	err = retry.Until(ctx, f.cfg.Warmup, func(ctx context.Context) (bool, error) {
		res, err := in.Sandbox.Run(ctx, sandbox.CommandRequest{Command: probe, Timeout: probeTimeout})
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.DebugContext(ctx, "waiting for dev server",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
		)
	})
	if err != nil {
		logger.WarnContext(ctx, "dev server did not become ready", slog.String("error", err.Error()))
		return
	}
	logger.InfoContext(ctx, "dev server ready", slog.Int("port", f.cfg.Port))
}
