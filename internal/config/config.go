package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PIISWAP"

// envKeys are the settings most often supplied through the environment
var envKeys = []string{
	"pipeline.output_dir",
	"pipeline.declarations_dir",
	"pipeline.dummy_pool",
	"pipeline.source",
	"pipeline.text_dir",
	"pipeline.pdf_path",
	"pipeline.workers",
	"store.backend",
	"store.file_path",
	"store.redis.url",
	"store.database.url",
	"server.port",
	"logging.level",
	"logging.format",
}

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from .env, the config file and environment variables
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("piiswap")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("$HOME/.piiswap/")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Pipeline.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d (must be at least 1)", config.Pipeline.Workers)
	}

	if config.Pipeline.Source != "text" && config.Pipeline.Source != "pdf" {
		return fmt.Errorf("invalid pipeline source: %s (must be text or pdf)", config.Pipeline.Source)
	}

	switch config.Store.Backend {
	case "memory", "file", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, file, redis, postgres, or sqlite)", config.Store.Backend)
	}

	if (config.Store.Backend == "postgres" || config.Store.Backend == "sqlite") && config.Store.Database.URL == "" {
		return fmt.Errorf("store backend %s requires store.database.url", config.Store.Backend)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit.Enabled && (config.Server.RateLimit.RequestsPerSec <= 0 || config.Server.RateLimit.Burst < 1) {
		return fmt.Errorf("invalid rate limit: %.2f req/s burst %d", config.Server.RateLimit.RequestsPerSec, config.Server.RateLimit.Burst)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the loaded configuration file for changes. Invalid
// edits are reported through onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := current
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
