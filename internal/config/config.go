// File: internal/config/config.go
// Description: Central configuration for the traverser. A single Config is
// built once at process start (viper defaults -> file -> env -> flags) and
// passed by reference into every component constructor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Oracle provider identifiers, selected via oracle.provider.
const (
	OracleGemini   = "gemini"
	OracleScripted = "scripted"
)

// Process backend identifiers, selected via supervisor.backend.
const (
	BackendSubprocess = "subprocess"
	BackendSupervised = "supervised"
)

// Config is the root configuration object.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Crawl      CrawlConfig      `mapstructure:"crawl" yaml:"crawl"`
	Oracle     OracleConfig     `mapstructure:"oracle" yaml:"oracle"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// LoggerConfig controls the zap logger and its rotating file sink.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig describes the remote automation endpoint and the resilience
// parameters of the client that talks to it.
type ServerConfig struct {
	BaseURL        string          `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout" yaml:"request_timeout"`
	HealthTimeout  time.Duration   `mapstructure:"health_timeout" yaml:"health_timeout"`
	MaxAttempts    int             `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffCap     time.Duration   `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	JitterMax      time.Duration   `mapstructure:"jitter_max" yaml:"jitter_max"`
	Breaker        BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// BreakerConfig parameterizes the circuit breaker guarding automation calls.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
}

// RateLimitConfig paces outgoing automation calls when enabled.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// CrawlConfig parameterizes the step loop.
type CrawlConfig struct {
	AppPackage           string        `mapstructure:"app_package" yaml:"app_package"`
	StartActivity        string        `mapstructure:"start_activity" yaml:"start_activity"`
	Continue             bool          `mapstructure:"continue" yaml:"continue"`
	MaxSteps             int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxDuration          time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	ThrottleAfterAction  time.Duration `mapstructure:"throttle_after_action" yaml:"throttle_after_action"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ForegroundRetryDelay time.Duration `mapstructure:"foreground_retry_delay" yaml:"foreground_retry_delay"`
	MaxOracleFailures    int           `mapstructure:"max_oracle_failures" yaml:"max_oracle_failures"`
	MaxExecutionFailures int           `mapstructure:"max_execution_failures" yaml:"max_execution_failures"`
	MaxContextFailures   int           `mapstructure:"max_context_failures" yaml:"max_context_failures"`
	ActionHistoryLimit   int           `mapstructure:"action_history_limit" yaml:"action_history_limit"`
	SimilarityThreshold  int           `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	StuckVisitThreshold  int           `mapstructure:"stuck_visit_threshold" yaml:"stuck_visit_threshold"`
	AllowedPackages      []string      `mapstructure:"allowed_packages" yaml:"allowed_packages"`
	MaxTreeChars         int           `mapstructure:"max_tree_chars" yaml:"max_tree_chars"`
	KeepXML              bool          `mapstructure:"keep_xml" yaml:"keep_xml"`
}

// OracleConfig selects and parameterizes the decision oracle provider.
type OracleConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	APIKey          string        `mapstructure:"api_key" yaml:"-"`
	Temperature     float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ScriptedActions []string      `mapstructure:"scripted_actions" yaml:"scripted_actions"`
}

// StoreConfig locates the relational log.
type StoreConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// OutputConfig anchors every run artifact (screenshots, logs, control files)
// under one base directory.
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ScreenshotsDir is where discovered screens are written.
func (o OutputConfig) ScreenshotsDir() string { return filepath.Join(o.BaseDir, "screenshots") }

// LogsDir holds the rotating crawl process logs.
func (o OutputConfig) LogsDir() string { return filepath.Join(o.BaseDir, "logs") }

// ControlDir holds flag files, the PID file and the runtime state file.
func (o OutputConfig) ControlDir() string { return filepath.Join(o.BaseDir, "control") }

func (o OutputConfig) ShutdownFlagPath() string { return filepath.Join(o.ControlDir(), "shutdown.flag") }
func (o OutputConfig) PauseFlagPath() string    { return filepath.Join(o.ControlDir(), "pause.flag") }
func (o OutputConfig) PIDFilePath() string      { return filepath.Join(o.ControlDir(), "crawler.pid") }
func (o OutputConfig) RunStateFilePath() string { return filepath.Join(o.ControlDir(), "runstate.json") }
func (o OutputConfig) CrawlLogPath() string     { return filepath.Join(o.LogsDir(), "crawl.log") }

// SupervisorConfig selects the process backend and its termination behavior.
type SupervisorConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "traverser")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Automation server --
	v.SetDefault("server.base_url", "http://127.0.0.1:8000")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.health_timeout", "5s")
	v.SetDefault("server.max_attempts", 3)
	v.SetDefault("server.backoff_cap", "10s")
	v.SetDefault("server.jitter_max", "1s")
	v.SetDefault("server.breaker.failure_threshold", 5)
	v.SetDefault("server.breaker.recovery_timeout", "60s")
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_second", 4.0)
	v.SetDefault("server.rate_limit.burst", 2)

	// -- Crawl loop --
	v.SetDefault("crawl.max_steps", 50)
	v.SetDefault("crawl.max_duration", "0s")
	v.SetDefault("crawl.throttle_after_action", "2s")
	v.SetDefault("crawl.poll_interval", "500ms")
	v.SetDefault("crawl.foreground_retry_delay", "2s")
	v.SetDefault("crawl.max_oracle_failures", 3)
	v.SetDefault("crawl.max_execution_failures", 5)
	v.SetDefault("crawl.max_context_failures", 3)
	v.SetDefault("crawl.action_history_limit", 20)
	v.SetDefault("crawl.similarity_threshold", 5)
	v.SetDefault("crawl.stuck_visit_threshold", 5)
	v.SetDefault("crawl.allowed_packages", []string{})
	v.SetDefault("crawl.max_tree_chars", 30000)
	v.SetDefault("crawl.keep_xml", true)

	// -- Oracle --
	v.SetDefault("oracle.provider", OracleGemini)
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_output_tokens", 1024)
	v.SetDefault("oracle.request_timeout", "60s")
	v.SetDefault("oracle.scripted_actions", []string{})

	// -- Store --
	v.SetDefault("store.path", "traverser_output/crawl.db")
	v.SetDefault("store.busy_timeout", "5s")

	// -- Output --
	v.SetDefault("output.base_dir", "traverser_output")

	// -- Supervisor --
	v.SetDefault("supervisor.backend", BackendSubprocess)
	v.SetDefault("supervisor.grace_period", "5s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("oracle.api_key", "TRAVERSER_ORACLE_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the raw environment if Unmarshal didn't pick the key up.
	if cfg.Oracle.APIKey == "" {
		if key := os.Getenv("TRAVERSER_ORACLE_API_KEY"); key != "" {
			cfg.Oracle.APIKey = key
		} else {
			cfg.Oracle.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in user-supplied locations so every component
// downstream can treat them as plain absolute-or-relative paths.
func (c *Config) expandPaths() error {
	expanded, err := homedir.Expand(c.Output.BaseDir)
	if err != nil {
		return fmt.Errorf("expanding output.base_dir: %w", err)
	}
	c.Output.BaseDir = expanded

	expanded, err = homedir.Expand(c.Store.Path)
	if err != nil {
		return fmt.Errorf("expanding store.path: %w", err)
	}
	c.Store.Path = expanded
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	if err := c.Crawl.Validate(); err != nil {
		return fmt.Errorf("crawl configuration invalid: %w", err)
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor configuration invalid: %w", err)
	}
	if c.Output.BaseDir == "" {
		return fmt.Errorf("output.base_dir must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}

// Validate checks the automation server settings.
func (s *ServerConfig) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("server.base_url must not be empty")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("server.max_attempts must be a positive integer")
	}
	if s.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("server.breaker.failure_threshold must be a positive integer")
	}
	if s.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("server.breaker.recovery_timeout must be a positive duration")
	}
	if s.RateLimit.Enabled && s.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be positive when rate limiting is enabled")
	}
	return nil
}

// Validate checks the crawl loop settings.
func (c *CrawlConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("crawl.max_steps must be a positive integer")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("crawl.poll_interval must be a positive duration")
	}
	if c.ActionHistoryLimit <= 0 {
		return fmt.Errorf("crawl.action_history_limit must be a positive integer")
	}
	if c.MaxOracleFailures <= 0 || c.MaxExecutionFailures <= 0 || c.MaxContextFailures <= 0 {
		return fmt.Errorf("crawl failure thresholds must be positive integers")
	}
	return nil
}

// Validate checks the oracle provider settings. The API key requirement is
// provider-specific and enforced at provider construction, not here, so that
// non-networked providers stay usable without credentials.
func (o *OracleConfig) Validate() error {
	switch o.Provider {
	case OracleGemini, OracleScripted:
	default:
		return fmt.Errorf("unknown oracle provider %q", o.Provider)
	}
	if o.Provider == OracleGemini && o.Model == "" {
		return fmt.Errorf("oracle.model must not be empty for the gemini provider")
	}
	return nil
}

// Validate checks the supervisor settings.
func (s *SupervisorConfig) Validate() error {
	switch s.Backend {
	case BackendSubprocess, BackendSupervised:
	default:
		return fmt.Errorf("unknown supervisor backend %q", s.Backend)
	}
	if s.GracePeriod <= 0 {
		return fmt.Errorf("supervisor.grace_period must be a positive duration")
	}
	return nil
}
