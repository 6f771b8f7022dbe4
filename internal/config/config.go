package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Registry RegistryConfig `yaml:"registry" envconfig:"REGISTRY"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Notify   NotifyConfig   `yaml:"notify" envconfig:"NOTIFY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// LicenseConfig contains the license engine policy knobs.
// Everything here is host-owned configuration; nothing is baked into the binary.
type LicenseConfig struct {
	HardwareThreshold  float64       `yaml:"hardware_threshold" envconfig:"HARDWARE_THRESHOLD" default:"0.60"`
	GraceDays          int           `yaml:"grace_days" envconfig:"GRACE_DAYS" default:"7"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" envconfig:"CLOCK_SKEW_TOLERANCE" default:"5m"`
	ManualChecksPerDay int           `yaml:"manual_checks_per_day" envconfig:"MANUAL_CHECKS_PER_DAY" default:"3"`
	// ReferenceTimezone anchors the manual-check daily reset. A single
	// canonical zone is used so the limit survives OS timezone changes.
	ReferenceTimezone  string        `yaml:"reference_timezone" envconfig:"REFERENCE_TIMEZONE" default:"UTC"`
	BackgroundInterval time.Duration `yaml:"background_interval" envconfig:"BACKGROUND_INTERVAL" default:"6h"`
}

// RegistryConfig contains the remote license registry client configuration
type RegistryConfig struct {
	BaseURL      string        `yaml:"base_url" envconfig:"BASE_URL"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryDelay   time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY" default:"2s"`
	RequestsPerS float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" default:"1"`
}

// StoreConfig contains local record store configuration
type StoreConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	DBFile  string `yaml:"db_file" envconfig:"DB_FILE" default:"license.db"`
}

// NotifyConfig contains outbound notification configuration.
// Credentials are supplied here at boot time, never embedded in the binary.
type NotifyConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	SMTPHost  string `yaml:"smtp_host" envconfig:"SMTP_HOST"`
	SMTPPort  int    `yaml:"smtp_port" envconfig:"SMTP_PORT" default:"587"`
	Username  string `yaml:"username" envconfig:"USERNAME"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	FromAddr  string `yaml:"from_addr" envconfig:"FROM_ADDR"`
	AlertAddr string `yaml:"alert_addr" envconfig:"ALERT_ADDR"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("AQUA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// getConfigFilePath returns the config file path, honoring AQUA_CONFIG_FILE
func getConfigFilePath() string {
	if path := os.Getenv("AQUA_CONFIG_FILE"); path != "" {
		return path
	}
	return "config.yaml"
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// fileOverride applies a file-supplied value unless the matching environment
// variable is actually present. envconfig fills struct defaults during
// Process, so variable presence is the only reliable signal that the env
// side was set deliberately. Zero file values mean the key was absent from
// the YAML and leave the env/default value untouched.
func fileOverride[T comparable](envVar string, dst *T, fileVal T) {
	var zero T
	if fileVal == zero {
		return
	}
	if _, ok := os.LookupEnv(envVar); !ok {
		*dst = fileVal
	}
}

// mergeConfigs merges file configuration over env-derived configuration,
// field by field across every section.
func mergeConfigs(file, env Config) Config {
	merged := env

	fileOverride("AQUA_SERVER_PORT", &merged.Server.Port, file.Server.Port)
	fileOverride("AQUA_SERVER_READ_TIMEOUT", &merged.Server.ReadTimeout, file.Server.ReadTimeout)
	fileOverride("AQUA_SERVER_WRITE_TIMEOUT", &merged.Server.WriteTimeout, file.Server.WriteTimeout)
	fileOverride("AQUA_SERVER_IDLE_TIMEOUT", &merged.Server.IdleTimeout, file.Server.IdleTimeout)
	fileOverride("AQUA_SERVER_SHUTDOWN_TIMEOUT", &merged.Server.ShutdownTimeout, file.Server.ShutdownTimeout)

	fileOverride("AQUA_LOGGING_LEVEL", &merged.Logging.Level, file.Logging.Level)
	fileOverride("AQUA_LOGGING_FORMAT", &merged.Logging.Format, file.Logging.Format)
	fileOverride("AQUA_LOGGING_OUTPUT", &merged.Logging.Output, file.Logging.Output)
	fileOverride("AQUA_LOGGING_FILE_PATH", &merged.Logging.FilePath, file.Logging.FilePath)

	fileOverride("AQUA_LICENSE_HARDWARE_THRESHOLD", &merged.License.HardwareThreshold, file.License.HardwareThreshold)
	fileOverride("AQUA_LICENSE_GRACE_DAYS", &merged.License.GraceDays, file.License.GraceDays)
	fileOverride("AQUA_LICENSE_CLOCK_SKEW_TOLERANCE", &merged.License.ClockSkewTolerance, file.License.ClockSkewTolerance)
	fileOverride("AQUA_LICENSE_MANUAL_CHECKS_PER_DAY", &merged.License.ManualChecksPerDay, file.License.ManualChecksPerDay)
	fileOverride("AQUA_LICENSE_REFERENCE_TIMEZONE", &merged.License.ReferenceTimezone, file.License.ReferenceTimezone)
	fileOverride("AQUA_LICENSE_BACKGROUND_INTERVAL", &merged.License.BackgroundInterval, file.License.BackgroundInterval)

	fileOverride("AQUA_REGISTRY_BASE_URL", &merged.Registry.BaseURL, file.Registry.BaseURL)
	fileOverride("AQUA_REGISTRY_API_KEY", &merged.Registry.APIKey, file.Registry.APIKey)
	fileOverride("AQUA_REGISTRY_TIMEOUT", &merged.Registry.Timeout, file.Registry.Timeout)
	fileOverride("AQUA_REGISTRY_MAX_ATTEMPTS", &merged.Registry.MaxAttempts, file.Registry.MaxAttempts)
	fileOverride("AQUA_REGISTRY_RETRY_DELAY", &merged.Registry.RetryDelay, file.Registry.RetryDelay)
	fileOverride("AQUA_REGISTRY_REQUESTS_PER_SECOND", &merged.Registry.RequestsPerS, file.Registry.RequestsPerS)

	fileOverride("AQUA_STORE_DATA_DIR", &merged.Store.DataDir, file.Store.DataDir)
	fileOverride("AQUA_STORE_DB_FILE", &merged.Store.DBFile, file.Store.DBFile)

	fileOverride("AQUA_NOTIFY_ENABLED", &merged.Notify.Enabled, file.Notify.Enabled)
	fileOverride("AQUA_NOTIFY_SMTP_HOST", &merged.Notify.SMTPHost, file.Notify.SMTPHost)
	fileOverride("AQUA_NOTIFY_SMTP_PORT", &merged.Notify.SMTPPort, file.Notify.SMTPPort)
	fileOverride("AQUA_NOTIFY_USERNAME", &merged.Notify.Username, file.Notify.Username)
	fileOverride("AQUA_NOTIFY_PASSWORD", &merged.Notify.Password, file.Notify.Password)
	fileOverride("AQUA_NOTIFY_FROM_ADDR", &merged.Notify.FromAddr, file.Notify.FromAddr)
	fileOverride("AQUA_NOTIFY_ALERT_ADDR", &merged.Notify.AlertAddr, file.Notify.AlertAddr)

	return merged
}

// DBPath returns the resolved path of the local license database
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, c.Store.DBFile)
}

// EnsureDataDir creates the data directory if it does not exist
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", c.Store.DataDir, err)
	}
	return nil
}

// ReferenceLocation resolves the configured reference timezone.
// Load has already validated it, so failures fall back to UTC.
func (c *Config) ReferenceLocation() *time.Location {
	loc, err := time.LoadLocation(c.License.ReferenceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.HardwareThreshold <= 0 || c.License.HardwareThreshold > 1 {
		return fmt.Errorf("hardware threshold must be in (0,1], got %f", c.License.HardwareThreshold)
	}
	if c.License.GraceDays < 0 {
		return fmt.Errorf("grace days must be >= 0, got %d", c.License.GraceDays)
	}
	if c.License.ManualChecksPerDay < 1 {
		return fmt.Errorf("manual checks per day must be >= 1, got %d", c.License.ManualChecksPerDay)
	}
	if _, err := time.LoadLocation(c.License.ReferenceTimezone); err != nil {
		return fmt.Errorf("invalid reference timezone %q: %w", c.License.ReferenceTimezone, err)
	}
	if c.Registry.MaxAttempts < 1 {
		return fmt.Errorf("registry max attempts must be >= 1, got %d", c.Registry.MaxAttempts)
	}
	if c.Notify.Enabled && c.Notify.SMTPHost == "" {
		return fmt.Errorf("notify enabled but smtp_host is empty")
	}
	return nil
}
