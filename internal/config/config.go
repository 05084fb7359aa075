// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.kompose/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Security: sensitive values (the database password, the cookie secret)
// are masked in MarshalJSON so a logged config never leaks them.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is.
var (
	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingCookieSecret indicates the cookie secret is not set.
	ErrMissingCookieSecret = errors.New("missing cookie secret")

	// ErrInvalidCookieSecret indicates the cookie secret is too short.
	ErrInvalidCookieSecret = errors.New("invalid cookie secret")

	// ErrInvalidMaxSteps indicates the turn step budget is out of range.
	ErrInvalidMaxSteps = errors.New("invalid max steps")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider  string `mapstructure:"provider" json:"provider"`
	ModelName string `mapstructure:"model_name" json:"model_name"`

	// Turn loop configuration
	MaxSteps      int     `mapstructure:"max_steps" json:"max_steps"`
	SystemPrompt  string  `mapstructure:"system_prompt" json:"system_prompt"`
	ProviderRate  float64 `mapstructure:"provider_rate" json:"provider_rate"`
	ProviderBurst int     `mapstructure:"provider_burst" json:"provider_burst"`

	// Stream replay configuration
	StreamGraceSeconds int `mapstructure:"stream_grace_seconds" json:"stream_grace_seconds"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server configuration
	CookieSecret string   `mapstructure:"cookie_secret" json:"cookie_secret"` // SENSITIVE: masked in MarshalJSON
	CORSOrigins  []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy   bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst    int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Observability configuration
	Otel OtelConfig `mapstructure:"otel" json:"otel"`
}

// OtelConfig holds OpenTelemetry trace export configuration. Traces go to
// a local OTLP HTTP collector; an empty endpoint disables export.
type OtelConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".kompose")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")

	viper.SetDefault("max_steps", 20)
	viper.SetDefault("system_prompt",
		"You are the Kompose assistant. You help the user manage their calendar and tasks.")
	viper.SetDefault("provider_rate", 0)
	viper.SetDefault("provider_burst", 0)
	viper.SetDefault("stream_grace_seconds", 30)

	// PostgreSQL defaults (local dev database)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "kompose")
	viper.SetDefault("postgres_password", "kompose_dev_password")
	viper.SetDefault("postgres_db_name", "kompose")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// CORS defaults (web client dev server)
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 0)

	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.environment", "dev")
	viper.SetDefault("otel.service_name", "kompose-chatd")
}

// bindEnvVariables binds environment overrides explicitly. The provider
// API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read directly by the
// Genkit plugins, not through viper.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("cookie_secret", "KOMPOSE_COOKIE_SECRET")
	mustBind("cors_origins", "KOMPOSE_CORS_ORIGINS")
	mustBind("trust_proxy", "KOMPOSE_TRUST_PROXY")
	mustBind("rate_burst", "KOMPOSE_RATE_BURST")

	mustBind("provider", "KOMPOSE_PROVIDER")
	mustBind("model_name", "KOMPOSE_MODEL_NAME")
	mustBind("max_steps", "KOMPOSE_MAX_STEPS")
	mustBind("system_prompt", "KOMPOSE_SYSTEM_PROMPT")

	mustBind("otel.endpoint", "KOMPOSE_OTEL_ENDPOINT")
	mustBind("otel.environment", "KOMPOSE_OTEL_ENV")
	mustBind("otel.service_name", "KOMPOSE_OTEL_SERVICE")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are
// fully masked; longer ones keep the first and last two characters for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.CookieSecret = maskSecret(a.CookieSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3",
// "openai/gpt-4o". A ModelName already containing "/" is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
