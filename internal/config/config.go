// Package config handles loading and validating Kijenzi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kijenzi.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.kijenzi. Override: KIJENZI_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Models        ModelsConfig         `json:"models" yaml:"models"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Finalizer     FinalizerConfig      `json:"finalizer" yaml:"finalizer"`
	Runner        RunnerConfig         `json:"runner" yaml:"runner"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = housekeeping enabled with defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Log           LogConfig            `json:"log" yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Override: KIJENZI_API_KEYS (comma separated). Empty = no auth.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	ProxyTimeoutSeconds int             `json:"proxy_timeout_seconds" yaml:"proxy_timeout_seconds"` // Default: 30
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
	MaxKeys           int `json:"max_keys" yaml:"max_keys"` // Tracked keys. Default: 10000
}

// ProvidersConfig selects and configures LLM backends.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai" (default), "anthropic" or "ollama".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY.
	Model  string `json:"model" yaml:"model"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// ModelsConfig overrides the provider model per role. Empty = provider model.
type ModelsConfig struct {
	Agent    string `json:"agent" yaml:"agent"`
	Title    string `json:"title" yaml:"title"`
	Response string `json:"response" yaml:"response"`
}

// AgentConfig configures the agent run loop.
type AgentConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"` // Default: 10
	MaxTokens     int `json:"max_tokens" yaml:"max_tokens"`         // 0 = provider default
	// ConvergeOnAnyText treats any non-empty final text as the summary,
	// instead of requiring the <task_summary> marker.
	ConvergeOnAnyText     bool  `json:"converge_on_any_text" yaml:"converge_on_any_text"`
	CommandTimeoutSeconds int   `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // 0 = sandbox default
	MaxFileSizeBytes      int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`         // 0 = 10 MB
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	Provider       string         `json:"provider" yaml:"provider"` // "remote" (default), "process" or "docker".
	Template       string         `json:"template" yaml:"template"` // Default: "kijenzi-nextjs"
	TimeoutMinutes int            `json:"timeout_minutes" yaml:"timeout_minutes"`
	AllowInternet  *bool          `json:"allow_internet,omitempty" yaml:"allow_internet,omitempty"` // Default: true
	Domain         string         `json:"domain" yaml:"domain"`                                     // Preview host suffix. Default depends on provider.
	Port           int            `json:"port" yaml:"port"`                                         // Dev server port. Default: 3000
	PreviewPoll    PollConfig     `json:"preview_poll" yaml:"preview_poll"`                         // Default: 10 x 3s
	Remote         RemoteSandbox  `json:"remote" yaml:"remote"`
	Process        ProcessSandbox `json:"process" yaml:"process"`
	Docker         DockerSandbox  `json:"docker" yaml:"docker"`
}

// PollConfig bounds a retry loop.
type PollConfig struct {
	Attempts        int     `json:"attempts" yaml:"attempts"`
	IntervalSeconds float64 `json:"interval_seconds" yaml:"interval_seconds"`
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds * float64(time.Second))
}

type RemoteSandbox struct {
	APIURL string `json:"api_url" yaml:"api_url"`
	APIKey string `json:"api_key" yaml:"api_key"` // Override: KIJENZI_SANDBOX_API_KEY.
}

type ProcessSandbox struct {
	Root          string `json:"root" yaml:"root"` // Default: <data_dir>/sandboxes
	TemplateDir   string `json:"template_dir" yaml:"template_dir"`
	MaxCPUSeconds int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB   int    `json:"max_memory_mb" yaml:"max_memory_mb"`
}

type DockerSandbox struct {
	Image     string  `json:"image" yaml:"image"`
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb"`
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"`
}

// Timeout returns the sandbox lifetime.
func (s *SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// InternetAllowed reports whether sandboxes get network access.
func (s *SandboxConfig) InternetAllowed() bool {
	return s.AllowInternet == nil || *s.AllowInternet
}

// FinalizerConfig configures post-run finalization.
type FinalizerConfig struct {
	// Warmup bounds dev server readiness probing after a (re)start.
	Warmup PollConfig `json:"warmup" yaml:"warmup"` // Default: 15 x 2s
}

// RunnerConfig configures the run service.
type RunnerConfig struct {
	Workers           int `json:"workers" yaml:"workers"`                         // Default: 4
	QueueSize         int `json:"queue_size" yaml:"queue_size"`                   // Default: 64
	RunTimeoutMinutes int `json:"run_timeout_minutes" yaml:"run_timeout_minutes"` // Default: 30
}

// RunTimeout returns the deadline of a single run.
func (r *RunnerConfig) RunTimeout() time.Duration {
	return time.Duration(r.RunTimeoutMinutes) * time.Minute
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/kijenzi.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KIJENZI_DATABASE_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SchedulerConfig configures housekeeping jobs.
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	ReapSchedule       string `json:"reap_schedule" yaml:"reap_schedule"`               // Default: "@every 5m"
	PruneSchedule      string `json:"prune_schedule" yaml:"prune_schedule"`             // Default: "@daily"
	EventRetentionDays int    `json:"event_retention_days" yaml:"event_retention_days"` // Default: 7
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kijenzi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error"
	Format string `json:"format" yaml:"format"` // "json" (default) or "text"
}

// DefaultConfigPath returns the default config file path (~/.kijenzi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kijenzi.yaml"
	}
	return filepath.Join(home, ".kijenzi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the file or through environment
// variables; environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("KIJENZI_SANDBOX_API_KEY"); v != "" {
		c.Sandbox.Remote.APIKey = v
	}
	if v := os.Getenv("KIJENZI_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIJENZI_API_KEYS"); v != "" {
		c.Server.APIKeys = c.Server.APIKeys[:0]
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if v := os.Getenv("KIJENZI_DATABASE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".kijenzi")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxRequestSizeBytes <= 0 {
		c.Server.MaxRequestSizeBytes = 1 << 20
	}
	if c.Server.ProxyTimeoutSeconds <= 0 {
		c.Server.ProxyTimeoutSeconds = 30
	}
	if c.Server.RateLimit.MaxKeys <= 0 {
		c.Server.RateLimit.MaxKeys = 10000
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}

	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = "remote"
	}
	if c.Sandbox.Template == "" {
		c.Sandbox.Template = "kijenzi-nextjs"
	}
	if c.Sandbox.TimeoutMinutes <= 0 {
		c.Sandbox.TimeoutMinutes = 30
	}
	if c.Sandbox.Domain == "" {
		if c.Sandbox.Provider == "remote" {
			c.Sandbox.Domain = "e2b.app"
		} else {
			c.Sandbox.Domain = "localhost"
		}
	}
	if c.Sandbox.Port <= 0 {
		c.Sandbox.Port = 3000
	}
	if c.Sandbox.PreviewPoll.Attempts <= 0 {
		c.Sandbox.PreviewPoll = PollConfig{Attempts: 10, IntervalSeconds: 3}
	}
	if c.Sandbox.Process.Root == "" {
		c.Sandbox.Process.Root = filepath.Join(c.DataDir, "sandboxes")
	}
	if c.Finalizer.Warmup.Attempts <= 0 {
		c.Finalizer.Warmup = PollConfig{Attempts: 15, IntervalSeconds: 2}
	}

	if c.Runner.Workers <= 0 {
		c.Runner.Workers = 4
	}
	if c.Runner.QueueSize <= 0 {
		c.Runner.QueueSize = 64
	}
	if c.Runner.RunTimeoutMinutes <= 0 {
		c.Runner.RunTimeoutMinutes = 30
	}

	if c.Scheduler == nil {
		c.Scheduler = &SchedulerConfig{Enabled: true}
	}
	if c.Scheduler.ReapSchedule == "" {
		c.Scheduler.ReapSchedule = "@every 5m"
	}
	if c.Scheduler.PruneSchedule == "" {
		c.Scheduler.PruneSchedule = "@daily"
	}
	if c.Scheduler.EventRetentionDays <= 0 {
		c.Scheduler.EventRetentionDays = 7
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kijenzi.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback must not repeat the default provider %q", name)
		}
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback: %w", err)
		}
	}

	switch c.Sandbox.Provider {
	case "remote":
		if c.Sandbox.Remote.APIURL == "" {
			return fmt.Errorf("sandbox.remote.api_url is required for the remote provider")
		}
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.provider %q is not supported (use remote, process or docker)", c.Sandbox.Provider)
	}
	if c.Sandbox.Port > 65535 {
		return fmt.Errorf("sandbox.port %d is out of range", c.Sandbox.Port)
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set KIJENZI_DATABASE_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" && c.Providers.OpenAI.BaseURL == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use openai, anthropic or ollama)", name)
	}
	return nil
}
