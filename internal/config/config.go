package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Providers    ProvidersConfig    `mapstructure:"providers" yaml:"providers"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Gate         GateConfig         `mapstructure:"gate" yaml:"gate"`
	Tools        ToolsConfig        `mapstructure:"tools" yaml:"tools"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Voice        VoiceConfig        `mapstructure:"voice" yaml:"voice"`
}

// LoggerConfig holds all the configuration for the logger.
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
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the session-store connection details. The store is
// optional; without a URL, sessions are not durable across restarts.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ProvidersConfig configures the AI backends and the router's failover policy.
type ProvidersConfig struct {
	// Backends is the full ranked set of providers across capability classes.
	Backends []schemas.ProviderConfig `mapstructure:"backends" yaml:"backends"`
	// FailureThreshold is the number of consecutive transient failures from
	// one provider before the router fails over.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long a degraded provider stays out of rotation.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// RequestsPerSecond paces calls to any single provider.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// PhasePolicy tunes one assessment phase.
type PhasePolicy struct {
	// PreferredClass selects which provider class drives the phase.
	PreferredClass schemas.CapabilityClass `mapstructure:"preferred_class" yaml:"preferred_class"`
	// ActionBudget caps the number of actions before the phase is forced to
	// complete. Zero means unlimited.
	ActionBudget int `mapstructure:"action_budget" yaml:"action_budget"`
	// GateAll forces every tool action through the human gate, not only
	// destructive ones.
	GateAll bool `mapstructure:"gate_all" yaml:"gate_all"`
}

// OrchestratorConfig tunes the phase loop.
type OrchestratorConfig struct {
	Phases map[string]PhasePolicy `mapstructure:"phases" yaml:"phases"`
	// CancelGrace bounds how long an in-flight tool invocation may run after
	// a session is cancelled before it is forcibly terminated.
	CancelGrace time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	// ProviderFailureFatal moves the session to Failed when a whole provider
	// class is exhausted; when false the phase is skipped instead.
	ProviderFailureFatal bool `mapstructure:"provider_failure_fatal" yaml:"provider_failure_fatal"`
}

// PolicyFor returns the phase policy, falling back to sane class defaults
// when the phase is not configured.
func (o OrchestratorConfig) PolicyFor(phase schemas.Phase) PhasePolicy {
	if p, ok := o.Phases[string(phase)]; ok && p.PreferredClass != "" {
		return p
	}
	switch phase {
	case schemas.PhaseRecon:
		return PhasePolicy{PreferredClass: schemas.ClassFast, ActionBudget: 10}
	case schemas.PhaseExploitation:
		return PhasePolicy{PreferredClass: schemas.ClassCode, ActionBudget: 5}
	default:
		return PhasePolicy{PreferredClass: schemas.ClassDeep, ActionBudget: 10}
	}
}

// GateConfig tunes the human confirmation gate.
type GateConfig struct {
	// ConfirmationTimeout is the window an operator has to resolve a pending
	// destructive action before it is denied.
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
}

// ToolsConfig tunes the tool adapter.
type ToolsConfig struct {
	// DefaultTimeout bounds a single tool invocation.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	// AllowedBinaries restricts which executables the exec binding will
	// spawn. Empty means any binary on PATH.
	AllowedBinaries []string          `mapstructure:"allowed_binaries" yaml:"allowed_binaries"`
	Browser         BrowserToolConfig `mapstructure:"browser" yaml:"browser"`
}

// BrowserToolConfig holds settings for the headless browser binding.
type BrowserToolConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	Headless        bool `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// ServerConfig holds settings for the HTTP API surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// VoiceConfig configures the optional TTS observer.
type VoiceConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	VoiceID  string `mapstructure:"voice_id" yaml:"voice_id"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing to unmarshal them is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "greyhat")
	v.SetDefault("logger.log_file", "greyhat.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Providers --
	v.SetDefault("providers.failure_threshold", 3)
	v.SetDefault("providers.cooldown", "5m")
	v.SetDefault("providers.requests_per_second", 2.0)

	// -- Orchestrator --
	v.SetDefault("orchestrator.cancel_grace", "10s")
	v.SetDefault("orchestrator.provider_failure_fatal", true)
	v.SetDefault("orchestrator.phases.recon.preferred_class", "fast")
	v.SetDefault("orchestrator.phases.recon.action_budget", 10)
	v.SetDefault("orchestrator.phases.analysis.preferred_class", "deep")
	v.SetDefault("orchestrator.phases.analysis.action_budget", 10)
	v.SetDefault("orchestrator.phases.exploitation.preferred_class", "code")
	v.SetDefault("orchestrator.phases.exploitation.action_budget", 5)
	v.SetDefault("orchestrator.phases.exploitation.gate_all", true)
	v.SetDefault("orchestrator.phases.reporting.preferred_class", "deep")
	v.SetDefault("orchestrator.phases.reporting.action_budget", 3)

	// -- Gate --
	v.SetDefault("gate.confirmation_timeout", "120s")

	// -- Tools --
	v.SetDefault("tools.default_timeout", "5m")
	v.SetDefault("tools.browser.enabled", true)
	v.SetDefault("tools.browser.headless", true)
	v.SetDefault("tools.browser.ignore_tls_errors", true)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Voice --
	v.SetDefault("voice.enabled", false)
	v.SetDefault("voice.voice_id", "21m00Tcm4TlvDq8ikWAM")
	v.SetDefault("voice.endpoint", "https://api.elevenlabs.io/v1/text-to-speech")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("database.url", "GREYHAT_DATABASE_URL")
	_ = v.BindEnv("voice.api_key", "GREYHAT_ELEVENLABS_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Provider keys come from the environment when the config file leaves
	// them blank: GREYHAT_<NAME>_API_KEY.
	for i := range cfg.Providers.Backends {
		b := &cfg.Providers.Backends[i]
		if b.APIKey == "" {
			b.APIKey = os.Getenv(fmt.Sprintf("GREYHAT_%s_API_KEY", upperSnake(b.Name)))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Providers.FailureThreshold <= 0 {
		return fmt.Errorf("providers.failure_threshold must be a positive integer")
	}
	if c.Providers.Cooldown <= 0 {
		return fmt.Errorf("providers.cooldown must be a positive duration")
	}
	if c.Gate.ConfirmationTimeout <= 0 {
		return fmt.Errorf("gate.confirmation_timeout must be a positive duration")
	}
	if c.Tools.DefaultTimeout <= 0 {
		return fmt.Errorf("tools.default_timeout must be a positive duration")
	}
	if c.Orchestrator.CancelGrace <= 0 {
		return fmt.Errorf("orchestrator.cancel_grace must be a positive duration")
	}
	seen := make(map[string]struct{}, len(c.Providers.Backends))
	for _, b := range c.Providers.Backends {
		if b.Name == "" {
			return fmt.Errorf("providers.backends entries require a name")
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate provider backend %q", b.Name)
		}
		seen[b.Name] = struct{}{}
		switch b.Class {
		case schemas.ClassFast, schemas.ClassDeep, schemas.ClassCode:
		default:
			return fmt.Errorf("provider %q has unknown capability class %q", b.Name, b.Class)
		}
	}
	return nil
}

func upperSnake(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
