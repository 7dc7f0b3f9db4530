// Package config loads worker configuration from the process environment
// with an optional per-environment env file as fallback.
//
// Sources in order of precedence:
//  1. Environment variables (highest)
//  2. resources/env/<ENV>.env file, when present
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures everything the worker needs for one invocation.
type Config struct {
	Env string `mapstructure:"env"`

	Database   DatabaseConfig   `mapstructure:",squash"`
	SFTP       SFTPConfig       `mapstructure:",squash"`
	Paths      PathsConfig      `mapstructure:",squash"`
	Downstream DownstreamConfig `mapstructure:",squash"`
	Logging    LoggingConfig    `mapstructure:",squash"`
	Batch      BatchConfig      `mapstructure:",squash"`
	Metrics    MetricsConfig    `mapstructure:",squash"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"db_host"     validate:"required"`
	Port     int    `mapstructure:"db_port"     validate:"gt=0,lte=65535"`
	Name     string `mapstructure:"db_name"     validate:"required"`
	User     string `mapstructure:"db_user"     validate:"required"`
	Password string `mapstructure:"db_password"`
	PoolMin  int32  `mapstructure:"db_pool_min" validate:"gte=1"`
	PoolMax  int32  `mapstructure:"db_pool_max" validate:"gte=1,gtefield=PoolMin"`
}

// ConnString renders a pgx-compatible connection string.
func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// SFTPConfig holds the file-transfer endpoint credentials.
type SFTPConfig struct {
	Host     string `mapstructure:"sftp_host" validate:"required"`
	Port     int    `mapstructure:"sftp_port" validate:"gt=0,lte=65535"`
	User     string `mapstructure:"sftp_user" validate:"required"`
	Password string `mapstructure:"sftp_password"`
}

// PathsConfig holds the remote input directory and local output layout.
type PathsConfig struct {
	InputDir  string `mapstructure:"input_dir"  validate:"required"`
	OutputDir string `mapstructure:"output_dir" validate:"required"`
	MaskedDir string `mapstructure:"masked_dir"`
}

// DownstreamConfig holds the masking service endpoint.
type DownstreamConfig struct {
	BaseURL        string `mapstructure:"downstream_api_base_url" validate:"required,url"`
	TimeoutSeconds int    `mapstructure:"downstream_api_timeout"`
}

// Timeout returns the per-attempt HTTP timeout. The configured value is
// authoritative; 30s is only the fallback when it is absent or invalid.
func (c DownstreamConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig mirrors internal/logger.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"log_level"`
	Format string `mapstructure:"log_format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"log_output"`
}

// MetricsConfig controls the optional Prometheus endpoint. Metrics are
// off by default since most deployments run the worker as a short
// batch job.
type MetricsConfig struct {
	Enabled bool `mapstructure:"metrics_enabled"`
	Port    int  `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`
}

// BatchConfig tunes the drain loop and the columnar writer.
type BatchConfig struct {
	StreamBatchSize int `mapstructure:"stream_batch_size" validate:"gt=0"`
	Size            int `mapstructure:"batch_size"        validate:"gt=0"`
	StaleHours      int `mapstructure:"stale_task_hours"  validate:"gt=0"`
}

// Load reads configuration for the environment named by ENV (defaulting
// to "local"). envFileDir points at the directory holding <env>.env
// files; pass "" for the conventional resources/env location.
func Load(envFileDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()

	env := v.GetString("env")
	if envFileDir == "" {
		envFileDir = filepath.Join("resources", "env")
	}
	envFile := filepath.Join(envFileDir, env+".env")
	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// Environment variables still win: AutomaticEnv sits above the
		// config file in viper's precedence order.
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints on a loaded configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid configuration: field %s failed %q validation", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
