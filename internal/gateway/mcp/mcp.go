// Package mcp exposes the build pipeline as an MCP (Model Context Protocol)
// server over stdio, so MCP clients can ask Kijenzi to build an app and get
// back the preview URL.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/storage"
)

// ToolBuildApp is the name of the build tool.
const ToolBuildApp = "build_app"

// RunExecutor performs one run synchronously. runner.Runner implements it.
type RunExecutor interface {
	Execute(ctx context.Context, ev domain.RunEvent) (*domain.Message, error)
}

// Server is the MCP stdio gateway.
type Server struct {
	mcp      *server.MCPServer
	projects storage.ProjectStore
	messages storage.MessageStore
	runs     RunExecutor
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
}

// NewServer creates an MCP server that reads requests from in and writes responses to out.
func NewServer(version string, projects storage.ProjectStore, messages storage.MessageStore, runs RunExecutor, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	s := &Server{
		mcp:      server.NewMCPServer("kijenzi", version, server.WithToolCapabilities(false)),
		projects: projects,
		messages: messages,
		runs:     runs,
		in:       in,
		out:      out,
		logger:   logger,
	}
	s.mcp.AddTool(buildAppTool(), s.handleBuildApp)
	return s
}

func buildAppTool() mcp.Tool {
	return mcp.NewTool(ToolBuildApp,
		mcp.WithDescription("Build or modify a Next.js web app from a natural-language instruction. "+
			"Returns the preview URL, the generated file paths and a short summary. "+
			"Pass project_id to iterate on a previous build."),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("What to build or change"),
		),
		mcp.WithString("project_id",
			mcp.Description("Existing project ID (UUID). Omit to start a new project."),
		),
	)
}

// Start serves MCP requests until ctx is canceled or the input closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, s.in, s.out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop is a no-op; Start returns when its context is canceled.
func (s *Server) Stop(_ context.Context) error {
	return nil
}

func (s *Server) handleBuildApp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil || strings.TrimSpace(prompt) == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	prompt = strings.TrimSpace(prompt)

	projectID, err := s.resolveProject(ctx, req.GetString("project_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if _, err := s.messages.AppendUserMessage(ctx, projectID, prompt); err != nil {
		return nil, fmt.Errorf("storing instruction: %w", err)
	}

	s.logger.InfoContext(ctx, "mcp build requested", slog.String("project_id", projectID.String()))

	msg, err := s.runs.Execute(ctx, domain.RunEvent{
		ID:        uuid.NewString(),
		Value:     prompt,
		ProjectID: projectID,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "mcp build failed",
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError("build failed: " + err.Error()), nil
	}
	if msg.Kind == domain.KindError {
		return mcp.NewToolResultError(msg.Content), nil
	}
	return mcp.NewToolResultText(formatResult(projectID, msg)), nil
}

// resolveProject returns the given project, or creates one when raw is empty.
func (s *Server) resolveProject(ctx context.Context, raw string) (uuid.UUID, error) {
	if raw == "" {
		p, err := s.projects.Create(ctx, "mcp-"+uuid.NewString()[:8])
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating project: %w", err)
		}
		return p.ID, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project_id %q", raw)
	}
	if _, err := s.projects.Get(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("project %s not found", id)
		}
		return uuid.Nil, err
	}
	return id, nil
}

func formatResult(projectID uuid.UUID, msg *domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "project_id: %s\n", projectID)
	if f := msg.Fragment; f != nil {
		fmt.Fprintf(&b, "title: %s\n", f.Title)
		fmt.Fprintf(&b, "preview_url: %s\n", f.SandboxURL)
		if len(f.Files) > 0 {
			b.WriteString("files:\n")
			paths := make([]string, 0, len(f.Files))
			for p := range f.Files {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			for _, p := range paths {
				fmt.Fprintf(&b, "  - %s\n", p)
			}
		}
	}
	b.WriteString("\n")
	b.WriteString(msg.Content)
	return b.String()
}
