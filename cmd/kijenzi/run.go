package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kijenzi/internal/config"
	"github.com/jkaninda/kijenzi/internal/domain"
)

var (
	runConfigPath string
	runProject    string
	runPrompt     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single build in the foreground and print the outcome",
	Example: `  kijenzi run --prompt "build a todo app"
  kijenzi run --project 4f6c... --prompt "make the header blue"`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runProject, "project", "", "existing project ID (default: create a new project)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "instruction for the build")
	_ = runCmd.MarkFlagRequired("prompt")
}

// runOnce stores the instruction, runs the pipeline synchronously and prints the result.
func runOnce(_ *cobra.Command, _ []string) error {
	prompt := strings.TrimSpace(runPrompt)
	if prompt == "" {
		return errors.New("--prompt must not be empty")
	}

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	// Human-readable logs for interactive use.
	cfg.Log.Format = "text"
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	projectID, err := resolveRunProject(ctx, sc, runProject)
	if err != nil {
		return err
	}
	if _, err := sc.Store.Messages().AppendUserMessage(ctx, projectID, prompt); err != nil {
		return fmt.Errorf("storing instruction: %w", err)
	}

	msg, err := sc.Runner.Execute(ctx, domain.RunEvent{
		ID:        uuid.NewString(),
		Value:     prompt,
		ProjectID: projectID,
	})
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	printOutcome(projectID, msg)
	if msg.Kind == domain.KindError {
		return errors.New("build finished with an error")
	}
	return nil
}

func resolveRunProject(ctx context.Context, sc *SharedComponents, raw string) (uuid.UUID, error) {
	if raw == "" {
		p, err := sc.Store.Projects().Create(ctx, "cli-"+uuid.NewString()[:8])
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating project: %w", err)
		}
		return p.ID, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project ID %q: %w", raw, err)
	}
	if _, err := sc.Store.Projects().Get(ctx, id); err != nil {
		return uuid.Nil, fmt.Errorf("loading project %s: %w", id, err)
	}
	return id, nil
}

func printOutcome(projectID uuid.UUID, msg *domain.Message) {
	fmt.Printf("Project:  %s\n", projectID)
	if f := msg.Fragment; f != nil {
		fmt.Printf("Title:    %s\n", f.Title)
		fmt.Printf("Preview:  %s\n", f.SandboxURL)
		paths := make([]string, 0, len(f.Files))
		for p := range f.Files {
			paths = append(paths, p)
		}
		slices.Sort(paths)
		for _, p := range paths {
			fmt.Printf("  %s\n", p)
		}
	}
	fmt.Printf("\n%s\n", msg.Content)
}
