// Package config has the configuration file for the app
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	EnvDevelopment = "dev"
	EnvStaging     = "staging"
	EnvProduction  = "prod"
	EnvTest        = "test"
)

// Config holds all application configuration
type Config struct {
	// Export
	OutputRoot         string `env:"OUTPUT_ROOT" envDefault:"./parcellations/Julich-Brain"`
	CoordinateSpace    string `env:"COORDINATE_SPACE" envDefault:"mni152"`
	ParcellationPrefix string `env:"PARCELLATION_PREFIX" envDefault:"JULICH"`
	AtlasName          string `env:"ATLAS_NAME" envDefault:"human"`

	// Atlas service
	SiibraAPIURL      string        `env:"SIIBRA_API_URL" envDefault:"https://siibra-api-stable.apps.hbp.eu/v3_0"`
	RequestTimeout    time.Duration `env:"ATLAS_REQUEST_TIMEOUT" envDefault:"10m"`
	RequestsPerSecond float64       `env:"ATLAS_REQUESTS_PER_SECOND" envDefault:"2"`
	MetricsTextfile   string        `env:"METRICS_TEXTFILE"`
	LedgerPath        string        `env:"LEDGER_PATH"`
	VerifyExports     bool          `env:"VERIFY_EXPORTS" envDefault:"false"`
	SyncCron          string        `env:"SYNC_CRON"`
	OtelEndpoint      string        `env:"OTEL_ENDPOINT"`
	OtelEnabled       bool          `env:"OTEL_ENABLED" envDefault:"true"`

	// Process
	Port              string `env:"PORT" envDefault:"8000"`
	Address           string `env:"ADDRESS" envDefault:"127.0.0.1"`
	Env               string `env:"ENV" envDefault:"dev"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogDir            string `env:"LOG_DIR" envDefault:"logs"`
	LogRetentionWeeks int    `env:"LOG_RETENTION_WEEKS" envDefault:"4"`       // Number of weeks to keep log files
	MaxLogFileSize    int64  `env:"MAX_LOG_FILE_SIZE" envDefault:"104857600"` // Maximum log file size in bytes
}

// Scheduled reports whether the exporter should run on a cron schedule
// instead of once.
func (c *Config) Scheduled() bool {
	return strings.TrimSpace(c.SyncCron) != ""
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Env = strings.ToLower(cfg.Env)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validateConfig validates all configuration values
func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.OutputRoot) == "" {
		return fmt.Errorf("invalid OUTPUT_ROOT: cannot be empty")
	}
	if strings.TrimSpace(cfg.CoordinateSpace) == "" {
		return fmt.Errorf("invalid COORDINATE_SPACE: cannot be empty")
	}
	if strings.TrimSpace(cfg.ParcellationPrefix) == "" {
		return fmt.Errorf("invalid PARCELLATION_PREFIX: cannot be empty")
	}
	if strings.TrimSpace(cfg.AtlasName) == "" {
		return fmt.Errorf("invalid ATLAS_NAME: cannot be empty")
	}

	if err := validateServiceURL(cfg.SiibraAPIURL); err != nil {
		return fmt.Errorf("invalid SIIBRA_API_URL: %w", err)
	}

	if err := validateRequestTimeout(cfg.RequestTimeout); err != nil {
		return fmt.Errorf("invalid ATLAS_REQUEST_TIMEOUT: %w", err)
	}

	if cfg.RequestsPerSecond <= 0 {
		return fmt.Errorf("invalid ATLAS_REQUESTS_PER_SECOND: must be positive, got: %g", cfg.RequestsPerSecond)
	}

	// Only checked when the status server will be started
	if cfg.Scheduled() {
		if err := validatePort(cfg.Port); err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		if err := validateAddress(cfg.Address); err != nil {
			return fmt.Errorf("invalid ADDRESS: %w", err)
		}
	}

	if err := validateEnv(cfg.Env); err != nil {
		return fmt.Errorf("invalid ENV: %w", err)
	}

	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := validateLogRetentionWeeks(cfg.LogRetentionWeeks); err != nil {
		return fmt.Errorf("invalid LOG_RETENTION_WEEKS: %w", err)
	}

	if err := validateMaxLogFileSize(cfg.MaxLogFileSize); err != nil {
		return fmt.Errorf("invalid MAX_LOG_FILE_SIZE: %w", err)
	}

	if cfg.OtelEnabled && cfg.OtelEndpoint != "" {
		if err := validateServiceURL(cfg.OtelEndpoint); err != nil {
			return fmt.Errorf("invalid OTEL_ENDPOINT: %w", err)
		}
	}

	return nil
}

// validateServiceURL requires an absolute http(s) URL
func validateServiceURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("URL must be valid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host, got: %s", raw)
	}
	return nil
}

func validateRequestTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("must be positive, got: %s", d)
	}
	if d > 2*time.Hour {
		return fmt.Errorf("is too large (max 2h), got: %s", d)
	}
	return nil
}

// validatePort validates the PORT environment variable
func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid number: %w", err)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if portNum < 1024 {
		return fmt.Errorf("PORT %d is privileged (less than 1024), use ports 1024-65535", portNum)
	}

	return nil
}

// validateAddress validates the ADDRESS environment variable
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("ADDRESS cannot be empty")
	}

	if address == "127.0.0.1" || address == "::1" || address == "localhost" {
		return nil
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("ADDRESS must be a valid IP address or 'localhost', got: %s", address)
	}

	// The status server exposes run state; keep it off public interfaces
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("ADDRESS %s is a public IP, consider using private network ranges for security", address)
	}

	return nil
}

// validateEnv validates the ENV environment variable
func validateEnv(env string) error {
	if env == "" {
		return fmt.Errorf("ENV cannot be empty")
	}

	validEnvs := []string{EnvDevelopment, EnvStaging, EnvProduction, EnvTest}
	for _, validEnv := range validEnvs {
		if env == validEnv {
			return nil
		}
	}

	return fmt.Errorf("ENV must be one of: %v, got: %s", validEnvs, env)
}

// validateLogLevel validates the LOG_LEVEL environment variable
func validateLogLevel(logLevel string) error {
	if logLevel == "" {
		return fmt.Errorf("LOG_LEVEL cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	logLevel = strings.ToLower(logLevel)

	for _, level := range validLevels {
		if logLevel == level {
			return nil
		}
	}

	return fmt.Errorf("LOG_LEVEL must be one of: %v, got: %s", validLevels, logLevel)
}

// validateLogRetentionWeeks validates the LOG_RETENTION_WEEKS environment variable
func validateLogRetentionWeeks(weeks int) error {
	if weeks <= 0 {
		return fmt.Errorf("LOG_RETENTION_WEEKS must be positive, got: %d", weeks)
	}

	if weeks > 52 {
		return fmt.Errorf("LOG_RETENTION_WEEKS is too large (max 52 weeks), got: %d", weeks)
	}

	return nil
}

// validateMaxLogFileSize validates the MAX_LOG_FILE_SIZE environment variable
func validateMaxLogFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE must be positive, got: %d", size)
	}

	// Minimum 1MB, maximum 1GB
	if size < 1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too small (min 1MB), got: %d bytes", size)
	}

	if size > 1024*1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too large (max 1GB), got: %d bytes", size)
	}

	return nil
}
