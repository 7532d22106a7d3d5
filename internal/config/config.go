// Package config loads tool configuration through viper and validates it,
// following the same defaults-then-file-then-environment layering the rest
// of the stack expects.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the tool-wide configuration.
type Config struct {
	// ConfidenceThreshold marks candidates recoverable at or above it.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`

	// OutputDir is the default recovery destination.
	OutputDir string `mapstructure:"output_dir" validate:"required"`

	// SessionStorePath is the badger directory for persisted sessions.
	SessionStorePath string `mapstructure:"session_store_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Forensics ForensicsConfig `mapstructure:"forensics"`
}

// ForensicsConfig mirrors the writer's forensic feature switches.
type ForensicsConfig struct {
	EnableAudit          bool   `mapstructure:"enable_audit"`
	EnableHashing        bool   `mapstructure:"enable_hashing"`
	HashAlgorithm        string `mapstructure:"hash_algorithm" validate:"oneof=SHA256 SHA512"`
	PartialRecovery      bool   `mapstructure:"partial_recovery"`
	ExtentReconstruction bool   `mapstructure:"extent_reconstruction"`
}

// Load reads ghostfs-config.(yaml|json|toml) from the usual locations and
// overlays GHOSTFS_* environment variables. A missing file falls back to
// defaults; an invalid file is an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("ghostfs-config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.ghostfs")
	v.AddConfigPath("/etc/ghostfs")

	v.SetDefault("confidence_threshold", 0.5)
	v.SetDefault("output_dir", "./recovered")
	v.SetDefault("session_store_path", "./ghostfs-sessions")
	v.SetDefault("log_level", "info")
	v.SetDefault("forensics.hash_algorithm", "SHA256")

	v.SetEnvPrefix("GHOSTFS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
