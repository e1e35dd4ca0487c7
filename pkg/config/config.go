package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/canopyworks/canopy/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (optional, for distributed rate limiting)
	Redis RedisConfig

	// Authentication configuration
	Auth AuthConfig

	// Audit configuration
	Audit AuditConfig

	// Quota configuration
	Quota QuotaConfig

	// Rate limit configuration
	RateLimits RateLimitConfig

	// Observability configuration
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

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string
	MaxConns     int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds the optional redis backend for multi-node rate
// limiting. When Enabled is false every limiter stays in process memory.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds session and credential settings
type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Login attempt limiter
	LoginMaxFailures int
	LoginWindow      time.Duration

	// Initial admin account, created only when no user exists yet
	AdminUsername string
	AdminPassword string

	// Storage quota assigned to self-registered accounts
	DefaultQuotaBytes int64
}

// AuditConfig holds audit chain retention settings
type AuditConfig struct {
	// RetentionDays of 0 keeps events forever
	RetentionDays int
}

// QuotaConfig holds bandwidth accounting settings
type QuotaConfig struct {
	// MonthlyBandwidthBytes of 0 disables the per-user bandwidth cap
	MonthlyBandwidthBytes int64
}

// RateLimitConfig holds per-endpoint-class budgets as "N/period" specs.
// SpecFile optionally points at a YAML file whose entries override the
// env values and are hot-reloaded on change.
type RateLimitConfig struct {
	API      string
	Auth     string
	SpecFile string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Audit:         loadAuditConfig(),
		Quota:         loadQuotaConfig(),
		RateLimits:    loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CANOPY_HOST", "0.0.0.0"),
		Port:            getEnv("CANOPY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CANOPY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CANOPY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CANOPY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CANOPY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CANOPY_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("CANOPY_POSTGRES_URL", ""),
		MaxConns:     getEnvInt("CANOPY_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns: getEnvInt("CANOPY_POSTGRES_MAX_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("CANOPY_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadRedisConfig loads redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("CANOPY_REDIS_ENABLED", false),
		Addr:     getEnv("CANOPY_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("CANOPY_REDIS_PASSWORD", ""),
		DB:       getEnvInt("CANOPY_REDIS_DB", 0),
	}
}

// loadAuthConfig loads authentication configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:         getEnv("CANOPY_JWT_SECRET", ""),
		JWTIssuer:         getEnv("CANOPY_JWT_ISSUER", "canopy"),
		AccessTokenTTL:    getEnvDuration("CANOPY_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   getEnvDuration("CANOPY_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		LoginMaxFailures:  getEnvInt("CANOPY_LOGIN_MAX_FAILURES", 5),
		LoginWindow:       getEnvDuration("CANOPY_LOGIN_WINDOW", 15*time.Minute),
		AdminUsername:     getEnv("CANOPY_ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnv("CANOPY_ADMIN_PASSWORD", ""),
		DefaultQuotaBytes: getEnvInt64("CANOPY_DEFAULT_QUOTA_BYTES", 10<<30),
	}
}

// loadAuditConfig loads audit configuration from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RetentionDays: getEnvInt("CANOPY_AUDIT_RETENTION_DAYS", 0),
	}
}

// loadQuotaConfig loads quota configuration from environment
func loadQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MonthlyBandwidthBytes: getEnvInt64("CANOPY_MONTHLY_BANDWIDTH_LIMIT", 0),
	}
}

// loadRateLimitConfig loads rate limit specs from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		API:      getEnv("CANOPY_RATE_LIMIT_API", "600/minute"),
		Auth:     getEnv("CANOPY_RATE_LIMIT_AUTH", "30/minute"),
		SpecFile: getEnv("CANOPY_RATE_LIMIT_SPEC_FILE", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("CANOPY_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("CANOPY_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token lifetime must exceed access token lifetime")
	}
	if c.Auth.LoginMaxFailures <= 0 {
		return fmt.Errorf("login failure threshold must be positive")
	}

	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days cannot be negative")
	}

	if c.Quota.MonthlyBandwidthBytes < 0 {
		return fmt.Errorf("monthly bandwidth limit cannot be negative")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
