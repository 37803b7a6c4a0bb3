package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kijenzi/internal/config"
	mcpgw "github.com/jkaninda/kijenzi/internal/gateway/mcp"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the build_app tool to MCP clients over stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// runMCP serves MCP over stdin/stdout. Logs go to stderr so they never
// corrupt the protocol stream.
func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpgw.NewServer(version, sc.Store.Projects(), sc.Store.Messages(), sc.Runner, os.Stdin, os.Stdout, logger)
	return srv.Start(ctx)
}
