package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/kijenzi/internal/config"
	"github.com/jkaninda/kijenzi/internal/gateway"
	"github.com/jkaninda/kijenzi/internal/gateway/httpapi"
	"github.com/jkaninda/kijenzi/internal/gateway/ws"
	"github.com/jkaninda/kijenzi/internal/ratelimit"
	"github.com/jkaninda/kijenzi/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, run workers and housekeeping jobs",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kijenzi --config path` and `kijenzi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Kijenzi in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gateways := []gateway.Gateway{newHTTPGateway(cfg, sc)}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(sc.Reaper, sc.Store.Events(), scheduler.Config{
			ReapSchedule:   cfg.Scheduler.ReapSchedule,
			PruneSchedule:  cfg.Scheduler.PruneSchedule,
			EventRetention: time.Duration(cfg.Scheduler.EventRetentionDays) * 24 * time.Hour,
		}, scheduler.NewMetrics(registryOrNil(sc)), logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
	}

	logger.Info("kijenzi starting",
		slog.String("version", version),
		slog.String("addr", cfg.Server.ListenAddr),
		slog.String("storage", sc.Store.Driver()),
		slog.String("sandbox", cfg.Sandbox.Provider),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range gateways {
		g.Go(func() error {
			if err := gw.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway exited: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return sc.Runner.Start(gctx)
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Graceful shutdown with deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(gateways) - 1; i >= 0; i-- {
			if err := gateways[i].Stop(shutdownCtx); err != nil {
				logger.Error("stopping gateway", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("kijenzi stopped")
	return nil
}

// newHTTPGateway builds the HTTP API with the SSE and websocket event streams.
func newHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	apiKeys := make(map[string]string, len(cfg.Server.APIKeys))
	for i, key := range cfg.Server.APIKeys {
		apiKeys[key] = fmt.Sprintf("key-%d", i+1)
	}

	var rl *ratelimit.Limiter
	if cfg.Server.RateLimit.RequestsPerMinute > 0 {
		rl = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
			MaxKeys:           cfg.Server.RateLimit.MaxKeys,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		EnableDocs:      cfg.Server.EnableDocs,
		APIKeys:         apiKeys,
		MaxRequestSize:  cfg.Server.MaxRequestSizeBytes,
		ProxyTimeout:    time.Duration(cfg.Server.ProxyTimeoutSeconds) * time.Second,
		ProxyHostSuffix: cfg.Sandbox.Domain,
		HealthChecker:   sc.Obs.Health,
		Metrics:         sc.Obs.MetricsOrNil(),
		Tracer:          sc.Obs.TracerOrNil(),
	}
	if reg := registryOrNil(sc); reg != nil {
		gwCfg.MetricsRegistry = reg
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Store.Projects(), sc.Store.Messages(), sc.Runner, rl, sc.Logger).
		WithEvents(sc.Broker)

	wsServer := ws.NewServer(sc.Broker, sc.Store.Projects(), ws.Config{
		Authorize: gw.ValidKey,
	}, sc.Logger)
	return gw.WithHandler("/v1/projects/{id}/events", wsServer.Handler())
}
