// Package config provides configuration loading for the nsigner daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Log        LogConfig        `mapstructure:"log"`
	IPC        ServerConfig     `mapstructure:"ipc"`
	Control    ServerConfig     `mapstructure:"control"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Permission PermissionConfig `mapstructure:"permission"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Security   SecurityConfig   `mapstructure:"security"`
	Bunker     BunkerConfig     `mapstructure:"bunker"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// ServerConfig holds an HTTP listener configuration. Address is host:port
// or unix:/path/to.sock.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// VaultConfig holds key vault configuration.
type VaultConfig struct {
	Path       string `mapstructure:"path"`
	KDFTime    uint32 `mapstructure:"kdf_time"`
	KDFMemory  uint32 `mapstructure:"kdf_memory"` // KiB
	KDFThreads uint8  `mapstructure:"kdf_threads"`
}

// PermissionConfig holds grant storage and rate limit configuration.
type PermissionConfig struct {
	Store            string        `mapstructure:"store"` // file, postgres
	GrantsPath       string        `mapstructure:"grants_path"`
	RateBackend      string        `mapstructure:"rate_backend"` // memory, redis
	RateWindow       time.Duration `mapstructure:"rate_window"`
	MaxAutoApprovals int           `mapstructure:"max_auto_approvals"`
	PruneInterval    time.Duration `mapstructure:"prune_interval"`
}

// ApprovalConfig holds user approval configuration.
type ApprovalConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SecurityConfig holds idle lock configuration. Zero disables auto-lock.
type SecurityConfig struct {
	LockAfter time.Duration `mapstructure:"lock_after"`
}

// BunkerConfig holds remote signing configuration.
type BunkerConfig struct {
	Relays         []string      `mapstructure:"relays"`
	Secret         string        `mapstructure:"secret"`
	AutoStart      bool          `mapstructure:"auto_start"`
	DedupSize      int           `mapstructure:"dedup_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL used by migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// New returns a viper instance with defaults, config search paths and
// NSIGNER_ environment overrides applied. file, when set, replaces the
// search paths.
func New(file string) *viper.Viper {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "nsigner"))
		}
		v.AddConfigPath("/etc/nsigner")
	}

	v.SetEnvPrefix("NSIGNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads the config file (optional) and unmarshals v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths derives unset file locations from DataDir.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.DataDir, "vault.json")
	}
	if c.Permission.GrantsPath == "" {
		c.Permission.GrantsPath = filepath.Join(c.DataDir, "grants.json")
	}
	if c.IPC.Address == "" {
		c.IPC.Address = "unix:" + filepath.Join(c.DataDir, "nsigner.sock")
	}
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Permission.Store {
	case "file", "postgres":
	default:
		return fmt.Errorf("config: permission.store must be file or postgres, got %q", c.Permission.Store)
	}
	switch c.Permission.RateBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: permission.rate_backend must be memory or redis, got %q", c.Permission.RateBackend)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("config: approval.timeout must be positive")
	}
	if c.Control.Address == "" {
		return fmt.Errorf("config: control.address is required")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "nsigner")
	}
	return ".nsigner"
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Listener defaults
	v.SetDefault("ipc.address", "")
	v.SetDefault("ipc.read_timeout", "30s")
	v.SetDefault("ipc.write_timeout", "90s") // covers approval.timeout
	v.SetDefault("control.address", "127.0.0.1:7447")
	v.SetDefault("control.read_timeout", "30s")
	v.SetDefault("control.write_timeout", "30s")

	// Vault defaults
	v.SetDefault("vault.path", "")
	v.SetDefault("vault.kdf_time", 3)
	v.SetDefault("vault.kdf_memory", 64*1024)
	v.SetDefault("vault.kdf_threads", 4)

	// Permission defaults
	v.SetDefault("permission.store", "file")
	v.SetDefault("permission.grants_path", "")
	v.SetDefault("permission.rate_backend", "memory")
	v.SetDefault("permission.rate_window", "1m")
	v.SetDefault("permission.max_auto_approvals", 10)
	v.SetDefault("permission.prune_interval", "1m")

	// Approval defaults
	v.SetDefault("approval.timeout", "60s")
	v.SetDefault("approval.retention", "5m")
	v.SetDefault("approval.sweep_interval", "1s")

	// Security defaults
	v.SetDefault("security.lock_after", "15m")

	// Bunker defaults
	v.SetDefault("bunker.relays", []string{"wss://relay.nsec.app", "wss://relay.damus.io"})
	v.SetDefault("bunker.secret", "")
	v.SetDefault("bunker.auto_start", false)
	v.SetDefault("bunker.dedup_size", 1024)
	v.SetDefault("bunker.connect_timeout", "10s")
	v.SetDefault("bunker.reconnect_min", "1s")
	v.SetDefault("bunker.reconnect_max", "1m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "nsigner")
	v.SetDefault("database.password", "nsigner")
	v.SetDefault("database.database", "nsigner")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
}
