package config

import (
	"errors"
	"fmt"
	"os"

	"imigrate/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig            `yaml:"app"`
	Database     DatabaseConfig       `yaml:"database"`
	Redis        RedisConfig          `yaml:"redis"`
	Vault        VaultConfig          `yaml:"vault"`
	Migration    MigrationConfig      `yaml:"migration"`
	Backup       BackupConfig         `yaml:"backup"`
	Monitoring   MonitoringConfig     `yaml:"monitoring"`
	Logging      LoggingConfig        `yaml:"logging"`
	API          APIConfig            `yaml:"api"`
	Exports      ExportConfig         `yaml:"exports"`
	Environments []models.Environment `yaml:"environments"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type VaultConfig struct {
	// MasterPassword enables encrypted persistence of environment passwords.
	// Usually injected via ${IMIGRATE_MASTER_PASSWORD} in the yaml.
	MasterPassword string `yaml:"master_password"`
	// KeySalt feeds master-key derivation. Must stay stable across restarts.
	KeySalt  string `yaml:"key_salt"`
	TokenTTL int    `yaml:"token_ttl_seconds"`
}

type MigrationConfig struct {
	PageSize          int `yaml:"page_size"`
	QueryConcurrency  int `yaml:"query_concurrency"`
	InsertConcurrency int `yaml:"insert_concurrency"`
	RequestTimeout    int `yaml:"request_timeout_seconds"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables already exported win either way.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expanded, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis.address is required when redis is enabled")
	}
	if c.Vault.MasterPassword != "" && c.Vault.KeySalt == "" {
		return errors.New("vault.key_salt is required when a master password is set")
	}
	if c.Migration.PageSize > models.MaxPageSize {
		return fmt.Errorf("migration.page_size must not exceed %d", models.MaxPageSize)
	}
	return ValidateEnvironments(c.Environments)
}

// ValidateEnvironments rejects duplicate or malformed environment seeds.
func ValidateEnvironments(envs []models.Environment) error {
	ids := make(map[int64]bool, len(envs))
	for _, env := range envs {
		if env.ID == 0 {
			return fmt.Errorf("environment %q has invalid ID 0", env.Name)
		}
		if ids[env.ID] {
			return fmt.Errorf("duplicate environment ID found: %d", env.ID)
		}
		ids[env.ID] = true
		if env.BaseURL == "" {
			return fmt.Errorf("environment %q has no base_url", env.Name)
		}
		if env.Username == "" {
			return fmt.Errorf("environment %q has no username", env.Name)
		}
		switch env.APIVersion {
		case models.APIVersionV1, models.APIVersionV2:
		default:
			return fmt.Errorf("environment %q has unknown api_version %q", env.Name, env.APIVersion)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Migration.PageSize == 0 {
		c.Migration.PageSize = models.MaxPageSize
	}
	if c.Migration.QueryConcurrency == 0 {
		c.Migration.QueryConcurrency = models.DefaultQueryConcurrency
	}
	if c.Migration.InsertConcurrency == 0 {
		c.Migration.InsertConcurrency = models.DefaultInsertConcurrency
	}
	if c.Migration.RequestTimeout == 0 {
		c.Migration.RequestTimeout = 30
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}

	for i := range c.Environments {
		if c.Environments[i].QueryConcurrency == 0 {
			c.Environments[i].QueryConcurrency = c.Migration.QueryConcurrency
		}
		if c.Environments[i].InsertConcurrency == 0 {
			c.Environments[i].InsertConcurrency = c.Migration.InsertConcurrency
		}
	}
}
