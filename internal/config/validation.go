package config

import (
	"fmt"
	"log/slog"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	validProviders := []string{ProviderGemini, ProviderGoogleAI, ProviderOllama, ProviderOpenAI}
	if !slices.Contains(validProviders, c.Provider) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidProvider, c.Provider, validProviders)
	}

	if c.MaxSteps < 1 || c.MaxSteps > 200 {
		return fmt.Errorf("%w: must be between 1 and 200, got %d", ErrInvalidMaxSteps, c.MaxSteps)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "kompose_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// Modern SSL modes only; allow/prefer are deprecated and MITM
	// vulnerable. See https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

// ValidateServe applies the additional checks serve mode needs: the
// cookie secret must be present and long enough to sign owner cookies.
func (c *Config) ValidateServe() error {
	if c.CookieSecret == "" {
		return fmt.Errorf("%w: set KOMPOSE_COOKIE_SECRET or cookie_secret in config.yaml",
			ErrMissingCookieSecret)
	}
	if len(c.CookieSecret) < 32 {
		return fmt.Errorf("%w: must be at least 32 bytes, got %d",
			ErrInvalidCookieSecret, len(c.CookieSecret))
	}
	return nil
}
