// Package file implements the sandbox file tools: createOrUpdateFiles and
// readFiles.
//
// Paths are cleaned relative to the sandbox home before any I/O, and
// written content passes through the directive normalizer first.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/jkaninda/kijenzi/internal/directive"
	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/tools"
)

// Tool names.
const (
	WriteToolName = "createOrUpdateFiles"
	ReadToolName  = "readFiles"
)

// Config configures file tool limits.
type Config struct {
	MaxFileSizeBytes int64 // Maximum size per file. 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20 // 10 MB

func maxSize(cfg Config) int64 {
	if cfg.MaxFileSizeBytes > 0 {
		return cfg.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// ---- WriteTool ----

// WriteTool creates or fully replaces files in the sandbox.
type WriteTool struct {
	sandbox sandbox.Sandbox
	config  Config
	logger  *slog.Logger
}

// NewWriteTool creates the createOrUpdateFiles tool.
func NewWriteTool(sbx sandbox.Sandbox, cfg Config, logger *slog.Logger) *WriteTool {
	return &WriteTool{sandbox: sbx, config: cfg, logger: logger}
}

func (t *WriteTool) Name() string { return WriteToolName }
func (t *WriteTool) Description() string {
	return "Create or update sandbox files. YOU MUST USE THIS TOOL to create all files."
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"files": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "Relative path, e.g. app/page.tsx"},
						"content": map[string]any{"type": "string", "description": "Full file content"},
					},
					"required": []string{"path", "content"},
				},
			},
		},
		"required": []string{"files"},
	}
}

// Validate checks every entry has a usable path and string content.
func (t *WriteTool) Validate(params map[string]any) error {
	_, err := t.entries(params)
	return err
}

func (t *WriteTool) entries(params map[string]any) ([]domain.FileEntry, error) {
	raw, err := tools.RequireArray(params, "files")
	if err != nil {
		return nil, err
	}
	entries := make([]domain.FileEntry, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[%d] must be an object, got %T", i, item)
		}
		rawPath, err := tools.RequireString(obj, "path")
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		path, err := tools.CleanPath(rawPath)
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, fmt.Errorf("files[%d]: parameter content must be a string, got %T", i, obj["content"])
		}
		if int64(len(content)) > maxSize(t.config) {
			return nil, fmt.Errorf("files[%d]: %s exceeds %d bytes", i, path, maxSize(t.config))
		}
		entries = append(entries, domain.FileEntry{Path: path, Content: content})
	}
	return entries, nil
}

// Execute normalizes and writes every file. State is updated only after
// the whole batch is written; the payload is the run's updated file map.
func (t *WriteTool) Execute(ctx context.Context, state *domain.RunState, params map[string]any) tools.Result {
	entries, err := t.entries(params)
	if err != nil {
		return tools.Failf("Failed to create/update files: %s", err.Error())
	}

	batch := make(map[string]string, len(entries))
	for _, e := range entries {
		normalized := directive.Normalize(e.Path, e.Content)
		if err := t.sandbox.WriteFile(ctx, e.Path, normalized); err != nil {
			t.logger.WarnContext(ctx, "file write failed",
				slog.String("sandbox_id", t.sandbox.ID()),
				slog.String("path", e.Path),
				slog.String("error", err.Error()),
			)
			return tools.Failf("Failed to create/update files: %s", err.Error())
		}
		batch[e.Path] = normalized
	}

	state.MergeFiles(batch)
	t.logger.InfoContext(ctx, "files written",
		slog.String("sandbox_id", t.sandbox.ID()),
		slog.Int("count", len(batch)),
		slog.Int("total", len(state.Files)),
	)
	return tools.Succeed(maps.Clone(state.Files))
}

// ---- ReadTool ----

// ReadTool reads files from the sandbox.
type ReadTool struct {
	sandbox sandbox.Sandbox
	config  Config
	logger  *slog.Logger
}

// NewReadTool creates the readFiles tool.
func NewReadTool(sbx sandbox.Sandbox, cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{sandbox: sbx, config: cfg, logger: logger}
}

func (t *ReadTool) Name() string        { return ReadToolName }
func (t *ReadTool) Description() string { return "Read files from sandbox" }
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"files": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Relative paths to read",
			},
		},
		"required": []string{"files"},
	}
}

// Validate checks the path list.
func (t *ReadTool) Validate(params map[string]any) error {
	_, err := paths(params)
	return err
}

func paths(params map[string]any) ([]string, error) {
	raw, err := tools.RequireArray(params, "files")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("files[%d] must be a string, got %T", i, item)
		}
		p, err := tools.CleanPath(s)
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Execute reads every path. Any failing path fails the whole call.
func (t *ReadTool) Execute(ctx context.Context, _ *domain.RunState, params map[string]any) tools.Result {
	list, err := paths(params)
	if err != nil {
		return tools.Failf("Failed to read files: %s", err.Error())
	}

	out := make([]domain.FileEntry, 0, len(list))
	for _, p := range list {
		content, err := t.sandbox.ReadFile(ctx, p)
		if err != nil {
			return tools.Failf("Failed to read %s: %s", p, err.Error()).With("path", p)
		}
		if int64(len(content)) > maxSize(t.config) {
			return tools.Failf("Failed to read %s: file exceeds %d bytes", p, maxSize(t.config)).With("path", p)
		}
		out = append(out, domain.FileEntry{Path: p, Content: content})
	}
	return tools.Succeed(out)
}
