// Package config loads server configuration from file, environment, and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration tree.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	CRM          CRMConfig          `mapstructure:"crm"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	ID           IDConfig           `mapstructure:"id"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type OrchestratorConfig struct {
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type CRMConfig struct {
	LeadCacheSize int `mapstructure:"lead_cache_size"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type IDConfig struct {
	// Strategy is "ksuid" or "uuidv7".
	Strategy string `mapstructure:"strategy"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("orchestrator.run_timeout", "5m")
	v.SetDefault("orchestrator.reap_interval", "10s")
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("crm.lead_cache_size", 512)
	v.SetDefault("logging.level", "info")
	v.SetDefault("id.strategy", "ksuid")
}

// Load reads leadflow.yaml (or .json/.toml) from the given path, the working
// directory, or ~/.leadflow, then applies LEADFLOW_* environment overrides.
// A missing config file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("leadflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.leadflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Orchestrator.RunTimeout <= 0 {
		return fmt.Errorf("orchestrator.run_timeout must be positive")
	}
	if c.CRM.LeadCacheSize <= 0 {
		return fmt.Errorf("crm.lead_cache_size must be positive")
	}
	switch c.ID.Strategy {
	case "", "ksuid", "uuidv7":
	default:
		return fmt.Errorf("unknown id.strategy %q", c.ID.Strategy)
	}
	return nil
}
