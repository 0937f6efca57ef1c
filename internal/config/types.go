package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// PipelineConfig controls the page-by-page sanitization run
type PipelineConfig struct {
	// OutputDir holds per-page artifacts and the master mapping
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	// DeclarationsDir holds pii_page_N.json files; empty means OutputDir
	DeclarationsDir string `yaml:"declarations_dir" mapstructure:"declarations_dir"`
	DummyPool       string `yaml:"dummy_pool" mapstructure:"dummy_pool"`
	Source          string `yaml:"source" mapstructure:"source"` // text or pdf
	// TextDir holds page_N.txt extractions when Source is text
	TextDir string `yaml:"text_dir" mapstructure:"text_dir"`
	PDFPath string `yaml:"pdf_path" mapstructure:"pdf_path"`
	// CompareDir holds a second extraction (page_N.txt) scored against the primary one
	CompareDir string `yaml:"compare_dir" mapstructure:"compare_dir"`
	Workers    int    `yaml:"workers" mapstructure:"workers"`
	CleanText  bool   `yaml:"clean_text" mapstructure:"clean_text"`
}

// StoreConfig selects and configures the master mapping backend
type StoreConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // memory, file, redis, postgres, sqlite
	// FilePath is the JSON snapshot for the file backend; empty means <output_dir>/master_pii.json
	FilePath string         `yaml:"file_path" mapstructure:"file_path"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	PoolSize  int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// DatabaseConfig contains SQL database settings
type DatabaseConfig struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int             `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes int64           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-client rate limiting settings
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// WebSocketConfig contains event stream configuration
type WebSocketConfig struct {
	Enabled          bool     `yaml:"enabled" mapstructure:"enabled"`
	Path             string   `yaml:"path" mapstructure:"path"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	BroadcastPages   bool     `yaml:"broadcast_pages" mapstructure:"broadcast_pages"`
	BroadcastSummary bool     `yaml:"broadcast_summary" mapstructure:"broadcast_summary"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Pipeline: PipelineConfig{
			OutputDir: "output",
			DummyPool: "dummy.json",
			Source:    "text",
			TextDir:   "output/text",
			Workers:   1,
			CleanText: true,
		},
		Store: StoreConfig{
			Backend: "file",
			Redis: RedisConfig{
				URL:       "redis://localhost:6379/0",
				KeyPrefix: "piiswap",
				PoolSize:  10,
			},
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 4 << 20,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerSec: 10,
				Burst:          20,
			},
		},
		WebSocket: WebSocketConfig{
			Enabled:          true,
			Path:             "/ws",
			AllowedOrigins:   []string{"*"},
			BroadcastPages:   true,
			BroadcastSummary: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Logging.File.Path = "logs/piiswap.log"
	return cfg
}
