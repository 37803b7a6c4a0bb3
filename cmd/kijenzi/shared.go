package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kijenzi/internal/agent"
	"github.com/jkaninda/kijenzi/internal/config"
	"github.com/jkaninda/kijenzi/internal/events"
	"github.com/jkaninda/kijenzi/internal/finalize"
	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/llm/anthropic"
	"github.com/jkaninda/kijenzi/internal/llm/openai"
	"github.com/jkaninda/kijenzi/internal/observability"
	"github.com/jkaninda/kijenzi/internal/retry"
	"github.com/jkaninda/kijenzi/internal/runner"
	"github.com/jkaninda/kijenzi/internal/sandbox"
	"github.com/jkaninda/kijenzi/internal/storage"
	pgstore "github.com/jkaninda/kijenzi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kijenzi/internal/storage/sqlite"
	"github.com/jkaninda/kijenzi/internal/tools"
	"github.com/jkaninda/kijenzi/internal/tools/file"
	"github.com/jkaninda/kijenzi/internal/tools/shell"
)

// SharedComponents holds all initialized subsystems that the serve, run and
// mcp commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).

	Obs         *observability.Observability
	LLMProvider llm.Provider
	Sandboxes   *sandbox.Client
	Reaper      sandbox.Reaper // nil when the provider expires sandboxes itself.
	Broker      *events.Broker
	Runner      *runner.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig loads the config file. KIJENZI_CONFIG overrides the flag default.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("KIJENZI_CONFIG", path))
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// initShared performs all common initialization.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	// LLM provider.
	llmProvider, err := newLLMProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", llmProvider.Name()))
	if obs.Metrics != nil || obs.Tracer != nil {
		llmProvider = observability.NewInstrumentedProvider(llmProvider, obs.Metrics, obs.Tracer)
	}
	sc.LLMProvider = llmProvider

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	obs.Health.AddCheck("database", store.Ping)

	// Sandbox provider.
	provider, err := initSandboxProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox provider: %w", err)
	}
	if reaper, ok := provider.(sandbox.Reaper); ok {
		sc.Reaper = reaper
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		provider = observability.NewInstrumentedSandboxProvider(provider, obs.Metrics, obs.Tracer)
	}
	sc.Sandboxes = sandbox.NewClient(provider, store.Messages(), sandbox.ClientConfig{
		Template:      cfg.Sandbox.Template,
		Timeout:       cfg.Sandbox.Timeout(),
		AllowInternet: cfg.Sandbox.InternetAllowed(),
		Domain:        cfg.Sandbox.Domain,
		PreviewPoll:   retry.Fixed(cfg.Sandbox.PreviewPoll.Attempts, cfg.Sandbox.PreviewPoll.Interval()),
	}, logger)
	logger.Debug("sandbox provider initialized",
		slog.String("provider", provider.Name()),
		slog.String("template", cfg.Sandbox.Template),
	)

	// Agent loop, finalizer and run service.
	loop := agent.NewLoop(llmProvider, logger).
		WithObservability(obs).
		WithModel(cfg.Models.Agent).
		WithMaxIterations(cfg.Agent.MaxIterations).
		WithMaxTokens(cfg.Agent.MaxTokens).
		WithConvergeOnAnyText(cfg.Agent.ConvergeOnAnyText)

	finalizer := finalize.New(llmProvider, sc.Sandboxes, store.Messages(), finalize.Config{
		Port:          cfg.Sandbox.Port,
		Warmup:        retry.Fixed(cfg.Finalizer.Warmup.Attempts, cfg.Finalizer.Warmup.Interval()),
		TitleModel:    cfg.Models.Title,
		ResponseModel: cfg.Models.Response,
	}, logger).WithObservability(obs)

	sc.Broker = events.NewBroker(events.DefaultBuffer, logger)
	sc.Runner = runner.New(runner.Deps{
		Messages:  store.Messages(),
		Events:    store.Events(),
		Sandboxes: sc.Sandboxes,
		Tools:     newToolset(cfg, logger),
		Agent:     loop,
		Finalizer: finalizer,
		Broker:    sc.Broker,
		Obs:       obs,
	}, runner.Config{
		Workers:    cfg.Runner.Workers,
		QueueSize:  cfg.Runner.QueueSize,
		RunTimeout: cfg.Runner.RunTimeout(),
	}, logger)
	loop.WithTurnObserver(sc.Runner.ObserveTurn)
	obs.Health.AddOptionalCheck("run_queue", sc.Runner.CheckQueue)

	return sc, nil
}

// newToolset returns the factory binding the agent tools to a run's sandbox.
func newToolset(cfg *config.Config, logger *slog.Logger) runner.ToolsetFactory {
	timeout := time.Duration(cfg.Agent.CommandTimeoutSeconds) * time.Second
	fileCfg := file.Config{MaxFileSizeBytes: cfg.Agent.MaxFileSizeBytes}
	return func(sbx sandbox.Sandbox) *tools.Registry {
		return tools.NewRegistry(
			shell.NewTool(sbx, timeout, logger),
			file.NewWriteTool(sbx, fileCfg, logger),
			file.NewReadTool(sbx, fileCfg, logger),
		)
	}
}

// initSandboxProvider creates the configured sandbox provider.
func initSandboxProvider(cfg *config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	timeout := time.Duration(cfg.Agent.CommandTimeoutSeconds) * time.Second

	switch cfg.Sandbox.Provider {
	case "remote":
		return sandbox.NewRemoteProvider(sandbox.RemoteConfig{
			APIURL: cfg.Sandbox.Remote.APIURL,
			APIKey: cfg.Sandbox.Remote.APIKey,
		}, logger), nil
	case "process":
		return sandbox.NewProcessProvider(sandbox.ProcessConfig{
			Root:           cfg.Sandbox.Process.Root,
			TemplateDir:    cfg.Sandbox.Process.TemplateDir,
			Domain:         cfg.Sandbox.Domain,
			DefaultTimeout: timeout,
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.Process.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.Process.MaxMemoryMB,
			},
		}, logger)
	case "docker":
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			DefaultTimeout: timeout,
			MemoryMB:       cfg.Sandbox.Docker.MemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      cfg.Sandbox.Docker.PIDsLimit,
			Ports:          []int{cfg.Sandbox.Port},
			Domain:         cfg.Sandbox.Domain,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider: %q", cfg.Sandbox.Provider)
	}
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KIJENZI_DATABASE_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newLLMProvider creates the default provider, wrapped in a fallback chain
// when fallbacks are configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger)
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// registryOrNil returns the Prometheus registry, or nil when metrics are disabled.
func registryOrNil(sc *SharedComponents) *prometheus.Registry {
	if m := sc.Obs.MetricsOrNil(); m != nil {
		return m.Registry
	}
	return nil
}
