package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Notifications NotificationConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Directory     DirectoryConfig
	Storage       storage.Config
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the primary Postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	SeedFile        string
}

// CacheConfig controls the permission set cache
type CacheConfig struct {
	Enabled       bool
	Size          int
	TTL           time.Duration
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// AuditConfig controls activity log writing and querying
type AuditConfig struct {
	// Strict makes audit write failures abort the surrounding mutation.
	Strict          bool
	DefaultPageSize int
	MaxPageSize     int
}

// NotificationConfig controls dispatch and the retention sweep
type NotificationConfig struct {
	Retention     time.Duration
	Workers       int
	QueueSize     int
	SweepSchedule string
}

// AuthConfig controls how the acting principal is resolved
type AuthConfig struct {
	// ActorHeader carries the authenticated principal id set by the fronting proxy.
	ActorHeader string
	// DevActorID, when non-zero, is used for requests without the header.
	DevActorID int64
}

// RateLimitConfig limits requests per actor, or per client IP for anonymous
// routes. The window is shared through Redis when CacheConfig.RedisURL is set.
type RateLimitConfig struct {
	Enabled   bool
	PerMinute int
	Burst     int
}

// DirectoryConfig points at the employee directory database. Empty URL means the primary database.
type DirectoryConfig struct {
	URL   string
	Table string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	MetricsPath    string

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from BASTION_* environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("BASTION_HOST", "0.0.0.0"),
			Port:            getEnv("BASTION_PORT", "8080"),
			ReadTimeout:     getEnvDuration("BASTION_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("BASTION_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("BASTION_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("BASTION_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("BASTION_DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("BASTION_DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("BASTION_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("BASTION_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     getEnvBool("BASTION_DATABASE_AUTO_MIGRATE", true),
			SeedFile:        getEnv("BASTION_SEED_FILE", ""),
		},
		Cache: CacheConfig{
			Enabled:       getEnvBool("BASTION_CACHE_ENABLED", true),
			Size:          getEnvInt("BASTION_CACHE_SIZE", 1024),
			TTL:           getEnvDuration("BASTION_CACHE_TTL", 5*time.Minute),
			RedisURL:      getEnv("BASTION_REDIS_URL", ""),
			RedisPassword: getEnv("BASTION_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("BASTION_REDIS_DB", 0),
		},
		Audit: AuditConfig{
			Strict:          getEnvBool("BASTION_AUDIT_STRICT", false),
			DefaultPageSize: getEnvInt("BASTION_AUDIT_PAGE_SIZE", 15),
			MaxPageSize:     getEnvInt("BASTION_AUDIT_MAX_PAGE_SIZE", 100),
		},
		Notifications: NotificationConfig{
			Retention:     getEnvDuration("BASTION_NOTIFICATION_RETENTION", 90*24*time.Hour),
			Workers:       getEnvInt("BASTION_NOTIFICATION_WORKERS", 4),
			QueueSize:     getEnvInt("BASTION_NOTIFICATION_QUEUE_SIZE", 256),
			SweepSchedule: getEnv("BASTION_NOTIFICATION_SWEEP_SCHEDULE", "@daily"),
		},
		Auth: AuthConfig{
			ActorHeader: getEnv("BASTION_ACTOR_HEADER", "X-Authenticated-User"),
			DevActorID:  getEnvInt64("BASTION_DEV_ACTOR_ID", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:   getEnvBool("BASTION_RATE_LIMIT_ENABLED", true),
			PerMinute: getEnvInt("BASTION_RATE_LIMIT_PER_MINUTE", 600),
			Burst:     getEnvInt("BASTION_RATE_LIMIT_BURST", 50),
		},
		Directory: DirectoryConfig{
			URL:   getEnv("BASTION_DIRECTORY_URL", ""),
			Table: getEnv("BASTION_DIRECTORY_TABLE", "employees"),
		},
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Type = getEnv("BASTION_STORAGE_TYPE", cfg.Type)
	cfg.FilesystemRoot = getEnv("BASTION_FILESYSTEM_ROOT", cfg.FilesystemRoot)
	cfg.S3Endpoint = getEnv("BASTION_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("BASTION_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("BASTION_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("BASTION_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("BASTION_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("BASTION_S3_USE_PATH_STYLE", false)
	return cfg
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("BASTION_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BASTION_METRICS_ENABLED", true),
		MetricsPath:        getEnv("BASTION_METRICS_PATH", "/metrics"),
		OTelEnabled:        getEnvBool("BASTION_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BASTION_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BASTION_OTEL_SERVICE_NAME", "bastion"),
		OTelServiceVersion: getEnv("BASTION_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("BASTION_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("BASTION_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("BASTION_DATABASE_URL is required"))
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache size must be positive when the cache is enabled"))
	}
	if c.Audit.DefaultPageSize <= 0 || c.Audit.MaxPageSize < c.Audit.DefaultPageSize {
		errs = append(errs, fmt.Errorf("audit page sizes must satisfy 0 < default (%d) <= max (%d)",
			c.Audit.DefaultPageSize, c.Audit.MaxPageSize))
	}
	if c.Notifications.Retention <= 0 {
		errs = append(errs, errors.New("notification retention must be positive"))
	}
	if c.Notifications.Workers <= 0 {
		errs = append(errs, errors.New("notification workers must be positive"))
	}
	if _, err := cron.ParseStandard(c.Notifications.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid sweep schedule %q: %w", c.Notifications.SweepSchedule, err))
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute <= 0 {
		errs = append(errs, errors.New("rate limit per minute must be positive when rate limiting is enabled"))
	}
	if c.Auth.ActorHeader == "" {
		errs = append(errs, errors.New("actor header name is required"))
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			errs = append(errs, errors.New("BASTION_FILESYSTEM_ROOT is required for filesystem storage"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("BASTION_S3_BUCKET is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		errs = append(errs, errors.New("OTel endpoint is required when OTel is enabled"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations plus a "d" suffix for whole days (e.g. "90d").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
