// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logging() LoggingConfig
	LLM() LLMRouterConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Memory() MemoryConfig
	Run() RunConfig
	SetRunConfig(rc RunConfig)

	// Engine Setters
	SetEngineConcurrency(int)
	SetEngineConfirmationTimeout(d time.Duration)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration. Field access goes
// through the Interface getters so components never reach into the struct.
type Config struct {
	LoggingCfg LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	LLMCfg     LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	EngineCfg  EngineConfig    `mapstructure:"engine" yaml:"engine"`
	BrowserCfg BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	MemoryCfg  MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	// RunCfg gets its marching orders from CLI flags, not the config file.
	RunCfg RunConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logging() LoggingConfig    { return c.LoggingCfg }
func (c *Config) LLM() LLMRouterConfig      { return c.LLMCfg }
func (c *Config) Engine() EngineConfig      { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig    { return c.BrowserCfg }
func (c *Config) Memory() MemoryConfig      { return c.MemoryCfg }
func (c *Config) Run() RunConfig            { return c.RunCfg }
func (c *Config) SetRunConfig(rc RunConfig) { c.RunCfg = rc }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineConcurrency(n int) { c.EngineCfg.Concurrency = n }
func (c *Config) SetEngineConfirmationTimeout(d time.Duration) {
	c.EngineCfg.ConfirmationTimeout = d
}
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// LoggingConfig holds all the configuration for the logger.
type LoggingConfig struct {
	Level      string      `mapstructure:"level" yaml:"level"`
	Format     string      `mapstructure:"format" yaml:"format"`
	LogFile    string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int         `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool        `mapstructure:"compress" yaml:"compress"`
	Colors     ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig holds the policy knobs of the execution engine. The retry
// budgets and the iteration ceiling encode a cost/latency versus resilience
// tradeoff, so they are configuration rather than constants.
type EngineConfig struct {
	// MaxIterations is the hard ceiling on step-loop iterations per
	// request. It guarantees termination even under pathological
	// replanning.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// MaxStepRetries bounds re-analysis retry rounds for a single step
	// before escalating to guided repair.
	MaxStepRetries int `mapstructure:"max_step_retries" yaml:"max_step_retries"`
	// MaxCandidateElements caps how many ranked candidates an element
	// re-match attempt will try.
	MaxCandidateElements int `mapstructure:"max_candidate_elements" yaml:"max_candidate_elements"`
	// MaxTaskFailures is the per-tool failure count after which the
	// engine stops auto-retrying that tool for the rest of the run.
	MaxTaskFailures int `mapstructure:"max_task_failures" yaml:"max_task_failures"`
	// GuidedAttempts is the number of user-guided retries after the
	// automatic budget is exhausted.
	GuidedAttempts int `mapstructure:"guided_attempts" yaml:"guided_attempts"`
	// ConfirmationTimeout bounds the wait for a confirmation or guidance
	// response. Expiry is treated as a decline.
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
	// GoalCheckEnabled toggles the per-step oracle goal check. Disabling
	// it saves oracle calls at the cost of running plans to exhaustion.
	GoalCheckEnabled bool `mapstructure:"goal_check_enabled" yaml:"goal_check_enabled"`
	// Concurrency is the dispatcher worker count for independent
	// requests. Steps within one request always run sequentially.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// QueueSize is the dispatcher's request channel buffer.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// BrowserConfig holds settings for the headless browser actuator.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// ToolTimeout bounds a single tool action (click, fill, read).
	ToolTimeout time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	// WorkspaceDir is the only directory file-writing tools may touch.
	WorkspaceDir string `mapstructure:"workspace_dir" yaml:"workspace_dir"`
}

// MemoryConfig specifies the best-effort recall store backend.
type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend string `mapstructure:"backend" yaml:"backend"`
	// TTL is how long the in-memory backend keeps entries before the
	// janitor purges them.
	TTL        time.Duration  `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries int            `mapstructure:"max_entries" yaml:"max_entries"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the keyword/value connection string pgx expects.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// RunConfig holds settings populated from CLI flags for a specific run.
type RunConfig struct {
	Tasks    []string
	TargetID string
	Output   string
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	// APIKey is the shared provider credential; a model entry may
	// override it.
	APIKey string `mapstructure:"api_key" yaml:"-"`
	// RequestsPerMinute throttles oracle calls across the whole process.
	// Zero disables throttling.
	RequestsPerMinute float64                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Models            map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// ModelConfig resolves the configuration for a named model. Per-model
// entries from the models map win; missing fields fall back to the router
// level defaults (shared API key, gemini provider, 60s timeout).
func (l LLMRouterConfig) ModelConfig(name string) LLMModelConfig {
	mc := l.Models[name]
	if mc.Model == "" {
		mc.Model = name
	}
	if mc.Provider == "" {
		mc.Provider = ProviderGemini
	}
	if mc.APIKey == "" {
		mc.APIKey = l.APIKey
	}
	if mc.APITimeout <= 0 {
		mc.APITimeout = 60 * time.Second
	}
	return mc
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logging --
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.log_file", "pilot.log")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)

	// -- Engine --
	v.SetDefault("engine.max_iterations", 100)
	v.SetDefault("engine.max_step_retries", 3)
	v.SetDefault("engine.max_candidate_elements", 5)
	v.SetDefault("engine.max_task_failures", 3)
	v.SetDefault("engine.guided_attempts", 1)
	v.SetDefault("engine.confirmation_timeout", "60s")
	v.SetDefault("engine.goal_check_enabled", true)
	v.SetDefault("engine.concurrency", 2)
	v.SetDefault("engine.queue_size", 64)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.tool_timeout", "15s")
	v.SetDefault("browser.workspace_dir", "./workspace")

	// -- Memory --
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.backend", "inmemory")
	v.SetDefault("memory.ttl", "24h")
	v.SetDefault("memory.max_entries", 1000)
	v.SetDefault("memory.postgres.host", "localhost")
	v.SetDefault("memory.postgres.port", 5432)
	v.SetDefault("memory.postgres.user", "postgres")
	v.SetDefault("memory.postgres.password", "") // Should be set via env var
	v.SetDefault("memory.postgres.dbname", "pilot_memory")
	v.SetDefault("memory.postgres.sslmode", "disable")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.requests_per_minute", 60.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "PILOT_LLM_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("memory.postgres.password", "PILOT_MEMORY_PG_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.EngineCfg.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.MemoryCfg.Validate(); err != nil {
		return fmt.Errorf("memory configuration invalid: %w", err)
	}
	if c.BrowserCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if c.BrowserCfg.ToolTimeout <= 0 {
		return fmt.Errorf("browser.tool_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the engine policy knobs.
func (e *EngineConfig) Validate() error {
	if e.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be greater than 0")
	}
	if e.MaxStepRetries <= 0 {
		return fmt.Errorf("max_step_retries must be greater than 0")
	}
	if e.MaxCandidateElements <= 0 {
		return fmt.Errorf("max_candidate_elements must be greater than 0")
	}
	if e.MaxTaskFailures <= 0 {
		return fmt.Errorf("max_task_failures must be greater than 0")
	}
	if e.GuidedAttempts < 0 {
		return fmt.Errorf("guided_attempts must not be negative")
	}
	if e.ConfirmationTimeout <= 0 {
		return fmt.Errorf("confirmation_timeout must be a positive duration")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	return nil
}

// Validate checks the recall store settings.
func (m *MemoryConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	switch m.Backend {
	case "inmemory":
		if m.TTL <= 0 {
			return fmt.Errorf("ttl must be a positive duration")
		}
	case "postgres":
		if m.Postgres.Host == "" || m.Postgres.DBName == "" {
			return fmt.Errorf("postgres.host and postgres.dbname are required")
		}
	default:
		return fmt.Errorf("unknown backend %q (expected inmemory or postgres)", m.Backend)
	}
	return nil
}
