// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is built once at startup
// and passed into each component; nothing reads it as ambient global state.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

// ServerConfig holds the inbound webhook HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DiscordConfig holds the Discord bot credentials.
type DiscordConfig struct {
	Token string `mapstructure:"token"`
}

// RelayConfig holds turn-tracking and sweep policy.
type RelayConfig struct {
	// GameLimit caps the number of games one endpoint may own.
	GameLimit int `mapstructure:"game_limit"`
	// DefaultMinTurns and DefaultNotifyInterval seed new endpoints;
	// a zero interval disables re-pings.
	DefaultMinTurns       int           `mapstructure:"default_min_turns"`
	DefaultNotifyInterval time.Duration `mapstructure:"default_notify_interval"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepLimit    int           `mapstructure:"sweep_limit"`

	StaleAfter      time.Duration `mapstructure:"stale_after"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupLimit    int           `mapstructure:"cleanup_limit"`

	// DispatchTimeout bounds each Discord send so a hung call cannot
	// stall a sweep batch.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`

	IngestMaxRetries   int           `mapstructure:"ingest_max_retries"`
	IngestRetryBackoff time.Duration `mapstructure:"ingest_retry_backoff"`
	IngestLockTimeout  time.Duration `mapstructure:"ingest_lock_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Enable environment variable override
	// Environment variables use underscore separator and uppercase
	// e.g., DISCORD_TOKEN, DATABASE_HOST, RELAY_SWEEP_INTERVAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - env vars can provide all config)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - we can use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "turnrelay")
	v.SetDefault("database.name", "turnrelay")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Relay defaults
	v.SetDefault("relay.game_limit", 25)
	v.SetDefault("relay.default_min_turns", 0)
	v.SetDefault("relay.default_notify_interval", "0s")
	v.SetDefault("relay.sweep_interval", "30s")
	v.SetDefault("relay.sweep_limit", 100)
	v.SetDefault("relay.stale_after", "720h")
	v.SetDefault("relay.cleanup_interval", "1h")
	v.SetDefault("relay.cleanup_limit", 100)
	v.SetDefault("relay.dispatch_timeout", "10s")
	v.SetDefault("relay.ingest_max_retries", 3)
	v.SetDefault("relay.ingest_retry_backoff", "50ms")
	v.SetDefault("relay.ingest_lock_timeout", "5s")
}
