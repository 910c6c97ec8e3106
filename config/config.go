package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"

	"github.com/preslavrachev/datastore/core"
)

// EnvPrefix prefixes every environment override, e.g. DATASTORE_DATABASE_DSN
const EnvPrefix = "DATASTORE"

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Store    core.Config    `mapstructure:"store"`
}

// DatabaseConfig selects the database/sql driver and connection
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

// Load reads configuration from path, or from datastore.yaml in the working
// directory when path is empty. The file is optional in the latter case.
// DATASTORE_* environment variables override file values; a .env file is
// loaded via the autoload import.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("datastore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Debug {
		log.Printf("[config] SQL debug logging enabled (driver %s)", cfg.Database.Driver)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := core.DefaultConfig()
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:datastore.db?_foreign_keys=on")
	v.SetDefault("database.debug", false)
	v.SetDefault("store.max_limit", defaults.MaxLimit)
	v.SetDefault("store.default_page_size", defaults.DefaultPageSize)
	v.SetDefault("store.cache_enabled", defaults.CacheEnabled)
	v.SetDefault("store.cache_size", defaults.CacheSize)
	v.SetDefault("store.auto_reconnect", defaults.AutoReconnect)
	v.SetDefault("store.string_id", defaults.StringID)
}

// Validate checks the option ranges
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Driver) == "" {
		return errors.New("config: database.driver is required")
	}
	if c.Store.MaxLimit == 0 || c.Store.MaxLimit < core.Unbounded {
		return fmt.Errorf("config: store.max_limit must be positive or %d, got %d", core.Unbounded, c.Store.MaxLimit)
	}
	if c.Store.DefaultPageSize <= 0 {
		return fmt.Errorf("config: store.default_page_size must be positive, got %d", c.Store.DefaultPageSize)
	}
	if c.Store.CacheEnabled && c.Store.CacheSize <= 0 {
		return fmt.Errorf("config: store.cache_size must be positive when the cache is enabled, got %d", c.Store.CacheSize)
	}
	return nil
}
