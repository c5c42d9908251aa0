package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Debugger DebuggerConfig `mapstructure:"debugger" yaml:"debugger"`
	Oracle   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
}

// LoggerConfig defines settings for application logging.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserFamily names a supported browser flavor.
type BrowserFamily string

const (
	FamilyChrome BrowserFamily = "chrome"
	FamilyEdge   BrowserFamily = "edge"
)

// BrowserConfig controls how the target browser is launched or attached to.
type BrowserConfig struct {
	Family          BrowserFamily `mapstructure:"family" yaml:"family"`
	ExecutablePath  string        `mapstructure:"executable_path" yaml:"executable_path"`
	DebugPort       int           `mapstructure:"debug_port" yaml:"debug_port"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ProfileDir      string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	ExtraArgs       []string      `mapstructure:"extra_args" yaml:"extra_args"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// DebuggerConfig tunes the pause loop and snapshot extraction.
type DebuggerConfig struct {
	ScopeMaxDepth      int           `mapstructure:"scope_max_depth" yaml:"scope_max_depth"`
	ScopeMaxTotalProps int           `mapstructure:"scope_max_total_props" yaml:"scope_max_total_props"`
	ContextChars       int           `mapstructure:"context_chars" yaml:"context_chars"`
	PerPauseTimeout    time.Duration `mapstructure:"per_pause_timeout" yaml:"per_pause_timeout"`
	SessionDuration    time.Duration `mapstructure:"session_duration" yaml:"session_duration"`
	MaxPayloadBytes    int           `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	HistorySize        int           `mapstructure:"history_size" yaml:"history_size"`
	ScriptCacheSize    int           `mapstructure:"script_cache_size" yaml:"script_cache_size"`
	HooksDir           string        `mapstructure:"hooks_dir" yaml:"hooks_dir"`
	TranscriptDir      string        `mapstructure:"transcript_dir" yaml:"transcript_dir"`
	ReloadOnStart      bool          `mapstructure:"reload_on_start" yaml:"reload_on_start"`
	// MemoryBudgetBytes caps heap use before extraction degrades itself.
	// Zero disables the pressure check.
	MemoryBudgetBytes      uint64  `mapstructure:"memory_budget_bytes" yaml:"memory_budget_bytes"`
	MemoryPressureFraction float64 `mapstructure:"memory_pressure_fraction" yaml:"memory_pressure_fraction"`
}

// OracleProvider defines the supported decision backends.
type OracleProvider string

const (
	ProviderGemini   OracleProvider = "gemini"
	ProviderQwen     OracleProvider = "qwen"
	ProviderDeepSeek OracleProvider = "deepseek"
	ProviderKimi     OracleProvider = "kimi"
	ProviderOpenAI   OracleProvider = "openai"
	ProviderCustom   OracleProvider = "custom"
)

// OracleConfig configures the LLM backing the step oracle.
type OracleConfig struct {
	Provider          OracleProvider `mapstructure:"provider" yaml:"provider"`
	Model             string         `mapstructure:"model" yaml:"model"`
	AnalysisModel     string         `mapstructure:"analysis_model" yaml:"analysis_model"`
	APIKey            string         `mapstructure:"api_key" yaml:"api_key"`
	BaseURL           string         `mapstructure:"base_url" yaml:"base_url"`
	Timeout           time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute float64        `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cryptoscope")
	v.SetDefault("logger.log_file", "cryptoscope.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.family", "chrome")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.debug_port", 0)
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Debugger --
	v.SetDefault("debugger.scope_max_depth", 3)
	v.SetDefault("debugger.scope_max_total_props", 15)
	v.SetDefault("debugger.context_chars", 150)
	v.SetDefault("debugger.per_pause_timeout", "30s")
	v.SetDefault("debugger.session_duration", "10m")
	v.SetDefault("debugger.max_payload_bytes", 60000)
	v.SetDefault("debugger.history_size", 3)
	v.SetDefault("debugger.script_cache_size", 500)
	v.SetDefault("debugger.hooks_dir", "hooks")
	v.SetDefault("debugger.transcript_dir", "result/logs")
	v.SetDefault("debugger.reload_on_start", true)
	v.SetDefault("debugger.memory_budget_bytes", 0)
	v.SetDefault("debugger.memory_pressure_fraction", 0.8)

	// -- Oracle --
	v.SetDefault("oracle.provider", "gemini")
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.analysis_model", "gemini-2.5-pro")
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.requests_per_minute", 30)
}

// NewDefaultConfig creates a configuration populated with default values.
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

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("oracle.api_key", "CRYPTOSCOPE_ORACLE_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Unmarshal does not consult BindEnv for keys absent from the file.
	if cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = os.Getenv("CRYPTOSCOPE_ORACLE_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Family {
	case FamilyChrome, FamilyEdge:
	default:
		return fmt.Errorf("browser.family must be %q or %q", FamilyChrome, FamilyEdge)
	}
	if c.Debugger.ScopeMaxDepth <= 0 {
		return fmt.Errorf("debugger.scope_max_depth must be a positive integer")
	}
	if c.Debugger.ScopeMaxTotalProps <= 0 {
		return fmt.Errorf("debugger.scope_max_total_props must be a positive integer")
	}
	if c.Debugger.PerPauseTimeout <= 0 {
		return fmt.Errorf("debugger.per_pause_timeout must be a positive duration")
	}
	if c.Debugger.SessionDuration <= 0 {
		return fmt.Errorf("debugger.session_duration must be a positive duration")
	}
	if f := c.Debugger.MemoryPressureFraction; f < 0.0 || f > 1.0 {
		return fmt.Errorf("debugger.memory_pressure_fraction must be between 0.0 and 1.0")
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the oracle settings.
func (o *OracleConfig) Validate() error {
	switch o.Provider {
	case ProviderGemini, ProviderQwen, ProviderDeepSeek, ProviderKimi, ProviderOpenAI, ProviderCustom:
	case "":
		return fmt.Errorf("oracle.provider is required")
	default:
		return fmt.Errorf("unsupported oracle.provider %q", o.Provider)
	}
	if o.Provider == ProviderCustom && o.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required when oracle.provider is %q", ProviderCustom)
	}
	if o.RequestsPerMinute < 0 {
		return fmt.Errorf("oracle.requests_per_minute must not be negative")
	}
	return nil
}
