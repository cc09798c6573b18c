// Package config loads service configuration from file, environment and flags
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the full service configuration
type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Index  IndexConfig  `mapstructure:"index"`
	Search SearchConfig `mapstructure:"search"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// StoreConfig contains primary store settings
type StoreConfig struct {
	Path     string `mapstructure:"path"`
	PoolSize int    `mapstructure:"pool_size"`
}

// IndexConfig contains secondary index settings
type IndexConfig struct {
	Path            string `mapstructure:"path"` // Empty keeps the index in memory
	BatchSize       int    `mapstructure:"batch_size"`
	MaxResultWindow int    `mapstructure:"max_result_window"`
}

// SearchConfig contains query defaults and limits
type SearchConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
	FacetSize       int `mapstructure:"facet_size"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "issuesearch.db")
	v.SetDefault("store.pool_size", 4)
	v.SetDefault("index.path", "")
	v.SetDefault("index.batch_size", 500)
	v.SetDefault("index.max_result_window", 10000)
	v.SetDefault("search.default_page_size", 100)
	v.SetDefault("search.max_page_size", 500)
	v.SetDefault("search.facet_size", 15)
	v.SetDefault("server.port", 50051)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := Load(v)
	return cfg
}

// New returns a viper instance with defaults and ISSUESEARCH_* environment
// overrides bound. A non-empty file is read as the config file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("ISSUESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load unmarshals v into a Config
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.PoolSize < 1 {
		return fmt.Errorf("store.pool_size must be at least 1")
	}
	if c.Index.BatchSize < 1 {
		return fmt.Errorf("index.batch_size must be at least 1")
	}
	if c.Index.MaxResultWindow < 1 {
		return fmt.Errorf("index.max_result_window must be at least 1")
	}
	if c.Search.MaxPageSize < 1 {
		return fmt.Errorf("search.max_page_size must be at least 1")
	}
	if c.Search.DefaultPageSize < 1 || c.Search.DefaultPageSize > c.Search.MaxPageSize {
		return fmt.Errorf("search.default_page_size must be between 1 and %d", c.Search.MaxPageSize)
	}
	if c.Search.FacetSize < 1 {
		return fmt.Errorf("search.facet_size must be at least 1")
	}
	if c.Server.Port < 1 || c.Server.MetricsPort < 1 {
		return fmt.Errorf("server.port and server.metrics_port must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "disabled": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	return nil
}
