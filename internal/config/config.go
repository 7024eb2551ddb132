// Package config loads and validates collector configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// NETCOLLECTOR_COLLECTOR_IDLE_TIMEOUT=2s.
const EnvPrefix = "NETCOLLECTOR"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	EnvFile   string          `mapstructure:"env_file"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Collector CollectorConfig `mapstructure:"collector"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// CollectorConfig governs quiescence detection and body collection.
type CollectorConfig struct {
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout         time.Duration `mapstructure:"absolute_timeout"`
	CollectBodies           bool          `mapstructure:"collect_bodies"`
	LongStringInitialLength int           `mapstructure:"long_string_initial_length"`
}

// BrowserConfig describes how the remote target is reached.
type BrowserConfig struct {
	RemoteURL          string        `mapstructure:"remote_url"`
	Headless           bool          `mapstructure:"headless"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	MaxParallelFetches int           `mapstructure:"max_parallel_fetches"`
	FetchQPS           float64       `mapstructure:"fetch_qps"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseDir      string `mapstructure:"base_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// DBConfig controls access to the relational database. An empty DSN
// disables the snapshot index and session history.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for snapshot notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional .env file, the environment and an
// optional config file at path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := loadEnvFile(v.GetString("env_file")); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFile populates the process environment from a dotenv file. Values
// already set in the environment win; a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_file", ".env")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("collector.idle_timeout", "1s")
	v.SetDefault("collector.absolute_timeout", "0s")
	v.SetDefault("collector.collect_bodies", true)
	v.SetDefault("collector.long_string_initial_length", 10000)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.max_parallel_fetches", 8)
	v.SetDefault("browser.fetch_qps", 0)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.base_dir", "data/snapshots")
	v.SetDefault("storage.prefix", "netcollector")
	v.SetDefault("db.table", "snapshots")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "netcollector")
	// Registered so AutomaticEnv can see keys that have no default.
	for _, key := range []string{
		"logging.file",
		"browser.remote_url",
		"browser.user_agent",
		"storage.gcs_bucket",
		"storage.cache_control",
		"db.dsn",
		"pubsub.project_id",
		"pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Collector.IdleTimeout < 0 {
		return fmt.Errorf("collector.idle_timeout must be >= 0")
	}
	if c.Collector.AbsoluteTimeout < 0 {
		return fmt.Errorf("collector.absolute_timeout must be >= 0")
	}
	if c.Collector.LongStringInitialLength <= 0 {
		return fmt.Errorf("collector.long_string_initial_length must be > 0")
	}
	if c.Browser.MaxParallelFetches <= 0 {
		return fmt.Errorf("browser.max_parallel_fetches must be > 0")
	}
	if c.Browser.FetchQPS < 0 {
		return fmt.Errorf("browser.fetch_qps must be >= 0")
	}
	switch c.Storage.Provider {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs (got %q)", c.Storage.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
