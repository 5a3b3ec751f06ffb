/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the secret manager
	EnvPrefix = "APIP_SM_"

	// DefaultGlobalAccountID is the account whose configs act as the tenant-wide fallback
	DefaultGlobalAccountID = "__GLOBAL_ACCOUNT_ID__"
)

// Config holds all configuration for the secret manager
type Config struct {
	SecretManager SecretManager `koanf:"secret_manager"`
}

// SecretManager holds the secret manager process configuration
type SecretManager struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Storage    StorageConfig    `koanf:"storage"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Accounts   AccountsConfig   `koanf:"accounts"`
	Migration  MigrationConfig  `koanf:"migration"`
	Renewal    RenewalConfig    `koanf:"renewal"`
	Bootstrap  BootstrapConfig  `koanf:"bootstrap"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig holds process lifecycle configuration
type ServerConfig struct {
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" (default) or "text"
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type     string         `koanf:"type"`     // "sqlite", "postgres", or "memory"
	SQLite   SQLiteConfig   `koanf:"sqlite"`   // SQLite-specific configuration
	Postgres PostgresConfig `koanf:"postgres"` // PostgreSQL-specific configuration
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `koanf:"path"` // Path to SQLite database file
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	Database     string `koanf:"database"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	SSLMode      string `koanf:"sslmode"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// EncryptionConfig holds encryption backend configuration
type EncryptionConfig struct {
	Local   LocalEncryptionConfig `koanf:"local"`
	Backend BackendCallConfig     `koanf:"backend"`
}

// LocalEncryptionConfig lists the master keys of the local backend; the first key is primary
type LocalEncryptionConfig struct {
	Keys []KeyConfig `koanf:"keys"`
}

// KeyConfig holds configuration for a single master key
type KeyConfig struct {
	Version  string `koanf:"version"`
	FilePath string `koanf:"file_path"`
}

// BackendCallConfig bounds calls to external backends
type BackendCallConfig struct {
	CallTimeout        time.Duration `koanf:"call_timeout"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// AccountsConfig holds account entitlement settings
type AccountsConfig struct {
	GlobalAccountID               string   `koanf:"global_account_id"`
	SecretManagementEnabledForAll bool     `koanf:"secret_management_enabled_for_all"`
	EnabledAccounts               []string `koanf:"enabled_accounts"`
	LocalFallbackEnabled          bool     `koanf:"local_fallback_enabled"`
}

// MigrationConfig holds migration worker settings
type MigrationConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Workers         int           `koanf:"workers"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	BatchSize       int           `koanf:"batch_size"`
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialBackoff  time.Duration `koanf:"initial_backoff"`
	MaxBackoff      time.Duration `koanf:"max_backoff"`
	LeaseTimeout    time.Duration `koanf:"lease_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RenewalConfig holds the credential renewal loop settings
type RenewalConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// BootstrapConfig points at the seed file of global secret manager configs
type BootstrapConfig struct {
	ConfigsPath string `koanf:"configs_path"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	// Enabled indicates whether the metrics server should be started
	Enabled bool `koanf:"enabled"`

	// Port is the port for the metrics HTTP server
	Port int `koanf:"port"`
}

// LoadConfig loads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load environment variables with prefix
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct with DecodeHook for duration strings
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps an environment variable to a koanf key
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	// Shortcuts for commonly overridden settings
	switch s {
	case "log_level":
		return "secret_manager.logging.level"
	case "storage_type":
		return "secret_manager.storage.type"
	case "db_password":
		return "secret_manager.storage.postgres.password"
	case "enabled_accounts":
		return "secret_manager.accounts.enabled_accounts"
	default:
		// Double underscore is a literal "_", single underscore is a key separator
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}
}

// defaultConfig returns a Config struct with default configuration values
func defaultConfig() *Config {
	return &Config{
		SecretManager: SecretManager{
			Server: ServerConfig{
				ShutdownTimeout: 15 * time.Second,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Storage: StorageConfig{
				Type: "sqlite",
				SQLite: SQLiteConfig{
					Path: "./data/secret-manager.db",
				},
				Postgres: PostgresConfig{
					Port:         5432,
					SSLMode:      "disable",
					MaxOpenConns: 10,
				},
			},
			Encryption: EncryptionConfig{
				Local: LocalEncryptionConfig{
					Keys: []KeyConfig{{Version: "v1", FilePath: "./data/keys/master-v1.key"}},
				},
				Backend: BackendCallConfig{
					CallTimeout:        10 * time.Second,
					BreakerMaxFailures: 5,
					BreakerOpenTimeout: 30 * time.Second,
				},
			},
			Accounts: AccountsConfig{
				GlobalAccountID:               DefaultGlobalAccountID,
				SecretManagementEnabledForAll: true,
				LocalFallbackEnabled:          true,
			},
			Migration: MigrationConfig{
				Enabled:         true,
				Workers:         1,
				PollInterval:    2 * time.Second,
				BatchSize:       20,
				MaxAttempts:     5,
				InitialBackoff:  5 * time.Second,
				MaxBackoff:      5 * time.Minute,
				LeaseTimeout:    2 * time.Minute,
				ShutdownTimeout: 30 * time.Second,
			},
			Renewal: RenewalConfig{
				Enabled:  true,
				Interval: time.Minute,
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9091,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	sm := &c.SecretManager

	validStorageTypes := []string{"sqlite", "postgres", "memory"}
	if !slices.Contains(validStorageTypes, sm.Storage.Type) {
		return fmt.Errorf("storage.type must be one of: sqlite, postgres, memory, got: %s", sm.Storage.Type)
	}
	if sm.Storage.Type == "sqlite" && sm.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required when storage.type is 'sqlite'")
	}
	if sm.Storage.Type == "postgres" {
		if sm.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required when storage.type is 'postgres'")
		}
		if sm.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required when storage.type is 'postgres'")
		}
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(sm.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", sm.Logging.Level)
	}
	if sm.Logging.Format != "json" && sm.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be either 'json' or 'text', got: %s", sm.Logging.Format)
	}

	if err := c.validateEncryptionConfig(); err != nil {
		return err
	}

	if sm.Accounts.GlobalAccountID == "" {
		return fmt.Errorf("accounts.global_account_id is required")
	}

	if err := c.validateMigrationConfig(); err != nil {
		return err
	}

	if sm.Renewal.Enabled && sm.Renewal.Interval <= 0 {
		return fmt.Errorf("renewal.interval must be positive when renewal is enabled")
	}

	if sm.Metrics.Enabled && (sm.Metrics.Port < 1 || sm.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", sm.Metrics.Port)
	}

	return nil
}

func (c *Config) validateEncryptionConfig() error {
	enc := &c.SecretManager.Encryption
	if len(enc.Local.Keys) == 0 {
		return fmt.Errorf("encryption.local.keys must contain at least one key")
	}
	seen := make(map[string]bool, len(enc.Local.Keys))
	for i, k := range enc.Local.Keys {
		if k.Version == "" {
			return fmt.Errorf("encryption.local.keys[%d].version is required", i)
		}
		if strings.Contains(k.Version, ":") {
			return fmt.Errorf("encryption.local.keys[%d].version must not contain ':'", i)
		}
		if k.FilePath == "" {
			return fmt.Errorf("encryption.local.keys[%d].file_path is required", i)
		}
		if seen[k.Version] {
			return fmt.Errorf("encryption.local.keys has duplicate version: %s", k.Version)
		}
		seen[k.Version] = true
	}
	if enc.Backend.CallTimeout <= 0 {
		return fmt.Errorf("encryption.backend.call_timeout must be positive")
	}
	if enc.Backend.BreakerMaxFailures == 0 {
		return fmt.Errorf("encryption.backend.breaker_max_failures must be at least 1")
	}
	return nil
}

func (c *Config) validateMigrationConfig() error {
	m := &c.SecretManager.Migration
	if !m.Enabled {
		return nil
	}
	if m.Workers < 1 {
		return fmt.Errorf("migration.workers must be at least 1, got: %d", m.Workers)
	}
	if m.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be at least 1, got: %d", m.BatchSize)
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("migration.max_attempts must be at least 1, got: %d", m.MaxAttempts)
	}
	if m.PollInterval <= 0 {
		return fmt.Errorf("migration.poll_interval must be positive")
	}
	if m.InitialBackoff <= 0 || m.MaxBackoff < m.InitialBackoff {
		return fmt.Errorf("migration.initial_backoff must be positive and not exceed migration.max_backoff")
	}
	if m.LeaseTimeout <= 0 {
		return fmt.Errorf("migration.lease_timeout must be positive")
	}
	return nil
}

// IsMemoryOnlyMode returns true if storage type is memory
func (c *Config) IsMemoryOnlyMode() bool {
	return c.SecretManager.Storage.Type == "memory"
}
