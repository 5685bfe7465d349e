package shared

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	OAuth      OAuthConfig      `toml:"oauth"`
	API        APIConfig        `toml:"api"`
	Queue      QueueConfig      `toml:"queue"`
	Tokens     TokensConfig     `toml:"tokens"`
	Sessions   SessionsConfig   `toml:"sessions"`
	ExternalID ExternalIDConfig `toml:"external_id"`
	Database   DatabaseConfig   `toml:"database"`
	Vault      VaultConfig      `toml:"vault"`
}

// OAuthConfig contains the connected app credentials used for token refresh.
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	LoginURL     string `toml:"login_url"`
}

// TokenURL returns the refresh endpoint derived from the login URL.
func (c OAuthConfig) TokenURL() string {
	return strings.TrimRight(c.LoginURL, "/") + "/services/oauth2/token"
}

// APIConfig contains REST API settings.
type APIConfig struct {
	Version          string `toml:"version"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// RequestTimeout is the per-request timeout applied by the REST client.
func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// QueueConfig configures the rate-limited execution queue built for every session.
type QueueConfig struct {
	MaxRequestsPerSecond float64 `toml:"max_requests_per_second"`
	MaxConcurrent        int     `toml:"max_concurrent"`
	RetryAttempts        int     `toml:"retry_attempts"`
	RetryDelayMS         int     `toml:"retry_delay_ms"`
}

// RetryDelay is the base delay for the queue's exponential backoff.
func (c QueueConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// TokensConfig controls token refresh timing.
type TokensConfig struct {
	RefreshWindowMinutes      int `toml:"refresh_window_minutes"`
	TokenLifetimeMinutes      int `toml:"token_lifetime_minutes"`
	BackgroundIntervalMinutes int `toml:"background_interval_minutes"`
}

func (c TokensConfig) RefreshWindow() time.Duration {
	return time.Duration(c.RefreshWindowMinutes) * time.Minute
}

func (c TokensConfig) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeMinutes) * time.Minute
}

func (c TokensConfig) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalMinutes) * time.Minute
}

// SessionsConfig controls the org session registry.
type SessionsConfig struct {
	IdleTimeoutMinutes   int     `toml:"idle_timeout_minutes"`
	SweepIntervalMinutes int     `toml:"sweep_interval_minutes"`
	QuotaWarningPercent  float64 `toml:"quota_warning_percent"`
}

func (c SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// ExternalIDConfig names the package namespace and fields used for cross-org correlation.
type ExternalIDConfig struct {
	Namespace    string   `toml:"namespace"`
	FieldName    string   `toml:"field_name"`
	LegacyFields []string `toml:"legacy_fields"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// VaultConfig holds the key used to seal token material at rest.
type VaultConfig struct {
	Key string `toml:"key"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults. Secrets are then overridden from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyEnv()
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// ApplyEnv loads a .env file when present and overrides secrets from ORGSYNC_* variables.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("ORGSYNC_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("ORGSYNC_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("ORGSYNC_VAULT_KEY"); v != "" {
		c.Vault.Key = v
	}
	if v := os.Getenv("ORGSYNC_DATABASE"); v != "" {
		c.Database.Path = v
	}
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if c.Queue.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("%w: queue.max_requests_per_second must be positive", ErrInvalidConfig)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: queue.max_concurrent must be positive", ErrInvalidConfig)
	}
	if c.Queue.RetryAttempts < 0 {
		return fmt.Errorf("%w: queue.retry_attempts cannot be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ExternalID.FieldName) == "" {
		return fmt.Errorf("%w: external_id.field_name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.API.Version) == "" {
		return fmt.Errorf("%w: api.version is required", ErrInvalidConfig)
	}
	return nil
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveConfig writes the configuration back to path as TOML.
func SaveConfig(path string, config *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
