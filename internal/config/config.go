// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ORGSVC_ prefix (e.g.,
// ORGSVC_MONGO_URI overrides mongo.uri in the YAML), so the same binary runs
// with a config.yaml locally and with pure environment variables in containers.
//
// The token signing secret is not part of this struct. It is read from
// ORGSVC_JWT_SECRET by the auth package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Partitions PartitionsConfig `mapstructure:"partitions"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// APIPrefix is the path every organization and admin route is mounted under
	APIPrefix       string        `mapstructure:"api_prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MongoConfig holds the connection to the document store holding the
// tenant partitions and the master metadata collection
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	AppName        string        `mapstructure:"app_name"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection used by the postgres registry backend
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RegistryConfig selects where organization records live
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
}

// PartitionsConfig controls the partition store and the retry policy of
// lifecycle operations against it
type PartitionsConfig struct {
	Backend       string `mapstructure:"backend"`
	CopyBatchSize int    `mapstructure:"copy_batch_size"`
	// OpTimeout bounds every single store call
	OpTimeout            time.Duration `mapstructure:"op_timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

// RedisConfig holds the redis connection shared by the lease and the rate limiter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LeaseConfig controls per-organization mutual exclusion
type LeaseConfig struct {
	Backend string `mapstructure:"backend"`
	// WaitTimeout is how long an operation waits for a held lease before
	// failing with busy; zero fails immediately
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// TTL is the expiry of a redis lease that is no longer kept alive
	TTL time.Duration `mapstructure:"ttl"`
}

// AuthConfig holds credential and token settings
type AuthConfig struct {
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Issuer     string        `mapstructure:"issuer"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration for the login endpoint
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	Backend           string `mapstructure:"backend"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ReconcileConfig controls the background sweep repairing registry/partition drift
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuditConfig selects where lifecycle and login audit records are shipped
type AuditConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig appends JSON lines to a local file with size-based rotation
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditWebhookConfig posts each record to an HTTP endpoint
type AuditWebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.api_prefix",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Mongo
		"mongo.uri",
		"mongo.database",
		"mongo.app_name",
		"mongo.connect_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Registry and partitions
		"registry.backend",
		"partitions.backend",
		"partitions.copy_batch_size",
		"partitions.op_timeout",
		"partitions.max_retries",
		"partitions.retry_initial_interval",
		"partitions.retry_max_interval",

		// Redis and lease
		"redis.addr",
		"redis.password",
		"redis.db",
		"lease.backend",
		"lease.wait_timeout",
		"lease.ttl",

		// Auth
		"auth.token_ttl",
		"auth.issuer",
		"auth.bcrypt_cost",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.backend",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Reconcile
		"reconcile.enabled",
		"reconcile.interval",

		// Audit
		"audit.enabled",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.file.max_backups",
		"audit.webhook.url",
		"audit.webhook.timeout",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// ErrNoConfigFile is returned by Watch when no config file was found to watch.
var ErrNoConfigFile = errors.New("no config file to watch")

// Watch reloads the configuration whenever the config file changes and hands
// every valid result to onChange. Edits that fail to parse or validate are
// logged and ignored, so the previous configuration stays in effect.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/org-service")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("ORGSVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Mongo.URI = expandEnv(cfg.Mongo.URI)
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Audit.Webhook.URL = expandEnv(cfg.Audit.Webhook.URL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.api_prefix", "/api/v1")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Mongo defaults
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "master_metadata")
	v.SetDefault("mongo.app_name", "org-service")
	v.SetDefault("mongo.connect_timeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "org_service")
	v.SetDefault("database.user", "orgsvc")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Registry and partition defaults
	v.SetDefault("registry.backend", "mongo")
	v.SetDefault("partitions.backend", "mongo")
	v.SetDefault("partitions.copy_batch_size", 500)
	v.SetDefault("partitions.op_timeout", "30s")
	v.SetDefault("partitions.max_retries", 3)
	v.SetDefault("partitions.retry_initial_interval", "200ms")
	v.SetDefault("partitions.retry_max_interval", "5s")

	// Redis and lease defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lease.backend", "memory")
	v.SetDefault("lease.wait_timeout", "2s")
	v.SetDefault("lease.ttl", "30s")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "30m")
	v.SetDefault("auth.issuer", "org-service")
	v.SetDefault("auth.bcrypt_cost", 10)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 10)
	v.SetDefault("security.rate_limiting.burst", 5)
	v.SetDefault("security.rate_limiting.backend", "memory")
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "org-service")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Reconcile defaults
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "10m")

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.file.max_size_mb", 100)
	v.SetDefault("audit.file.max_backups", 5)
	v.SetDefault("audit.webhook.timeout", "10s")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("server.api_prefix must start with '/': %q", c.Server.APIPrefix)
	}

	validRegistries := map[string]bool{"mongo": true, "postgres": true, "memory": true}
	if !validRegistries[c.Registry.Backend] {
		return fmt.Errorf("invalid registry backend: %s (must be mongo, postgres, or memory)", c.Registry.Backend)
	}
	validPartitions := map[string]bool{"mongo": true, "memory": true}
	if !validPartitions[c.Partitions.Backend] {
		return fmt.Errorf("invalid partitions backend: %s (must be mongo or memory)", c.Partitions.Backend)
	}

	if c.UsesMongo() {
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri is required when a mongo backend is selected")
		}
		if c.Mongo.Database == "" {
			return fmt.Errorf("mongo.database is required when a mongo backend is selected")
		}
	}

	if c.Registry.Backend == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when using the postgres registry")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when using the postgres registry")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when using the postgres registry")
		}
	}

	if c.Partitions.CopyBatchSize < 1 {
		return fmt.Errorf("partitions.copy_batch_size must be positive: %d", c.Partitions.CopyBatchSize)
	}
	if c.Partitions.OpTimeout <= 0 {
		return fmt.Errorf("partitions.op_timeout must be positive")
	}
	if c.Partitions.MaxRetries < 0 {
		return fmt.Errorf("partitions.max_retries must not be negative: %d", c.Partitions.MaxRetries)
	}

	validLeases := map[string]bool{"memory": true, "redis": true}
	if !validLeases[c.Lease.Backend] {
		return fmt.Errorf("invalid lease backend: %s (must be memory or redis)", c.Lease.Backend)
	}
	if c.Lease.WaitTimeout < 0 {
		return fmt.Errorf("lease.wait_timeout must not be negative")
	}
	if c.Lease.Backend == "redis" && c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive when using the redis lease")
	}

	validLimiters := map[string]bool{"memory": true, "redis": true}
	if c.Security.RateLimiting.Enabled && !validLimiters[c.Security.RateLimiting.Backend] {
		return fmt.Errorf("invalid rate limiting backend: %s (must be memory or redis)", c.Security.RateLimiting.Backend)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("invalid auth.bcrypt_cost: %d (must be between 4 and 31)", c.Auth.BcryptCost)
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive when reconciliation is enabled")
	}

	if c.Audit.Enabled && c.Audit.File.Path == "" && c.Audit.Webhook.URL == "" {
		return fmt.Errorf("audit.file.path or audit.webhook.url is required when auditing is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// UsesMongo reports whether any selected backend needs the mongo connection
func (c *Config) UsesMongo() bool {
	return c.Registry.Backend == "mongo" || c.Partitions.Backend == "mongo"
}

// UsesRedis reports whether any selected backend needs the redis connection
func (c *Config) UsesRedis() bool {
	return c.Lease.Backend == "redis" ||
		(c.Security.RateLimiting.Enabled && c.Security.RateLimiting.Backend == "redis")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
