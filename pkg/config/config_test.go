package config

import (
	"os"
	"testing"
	"time"

	"github.com/canopyworks/canopy/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{
			name:         "returns true for 'true'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "true",
			want:         true,
		},
		{
			name:         "returns true for '1'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "1",
			want:         true,
		},
		{
			name:         "returns false for 'false'",
			key:          "TEST_BOOL",
			defaultValue: true,
			envValue:     "false",
			want:         false,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_BOOL_NOT_SET",
			defaultValue: true,
			envValue:     "",
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvBool(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns parsed int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "42",
			want:         42,
		},
		{
			name:         "returns default for invalid int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "invalid",
			want:         10,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOT_SET",
			defaultValue: 10,
			envValue:     "",
			want:         10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns parsed duration",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default for invalid duration",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOT_SET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLoadServerConfig tests the loadServerConfig function
func TestLoadServerConfig(t *testing.T) {
	envVars := []string{
		"CANOPY_HOST",
		"CANOPY_PORT",
		"CANOPY_READ_TIMEOUT",
		"CANOPY_WRITE_TIMEOUT",
		"CANOPY_IDLE_TIMEOUT",
		"CANOPY_SHUTDOWN_TIMEOUT",
		"CANOPY_HEALTH_PORT",
	}
	originalEnv := saveEnv(envVars)
	defer restoreEnv(originalEnv)

	tests := []struct {
		name string
		env  map[string]string
		want ServerConfig
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: ServerConfig{
				Host:            "0.0.0.0",
				Port:            "8080",
				ReadTimeout:     15 * time.Second,
				WriteTimeout:    15 * time.Second,
				IdleTimeout:     60 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				HealthPort:      "9090",
			},
		},
		{
			name: "custom values",
			env: map[string]string{
				"CANOPY_HOST":             "localhost",
				"CANOPY_PORT":             "3000",
				"CANOPY_READ_TIMEOUT":     "30s",
				"CANOPY_WRITE_TIMEOUT":    "30s",
				"CANOPY_IDLE_TIMEOUT":     "120s",
				"CANOPY_SHUTDOWN_TIMEOUT": "60s",
				"CANOPY_HEALTH_PORT":      "9091",
			},
			want: ServerConfig{
				Host:            "localhost",
				Port:            "3000",
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 60 * time.Second,
				HealthPort:      "9091",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(envVars)
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			got := loadServerConfig()
			if got != tt.want {
				t.Errorf("loadServerConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestLoadAuthConfig tests the loadAuthConfig function
func TestLoadAuthConfig(t *testing.T) {
	envVars := []string{
		"CANOPY_JWT_SECRET",
		"CANOPY_JWT_ISSUER",
		"CANOPY_ACCESS_TOKEN_TTL",
		"CANOPY_REFRESH_TOKEN_TTL",
		"CANOPY_LOGIN_MAX_FAILURES",
		"CANOPY_LOGIN_WINDOW",
		"CANOPY_ADMIN_USERNAME",
		"CANOPY_ADMIN_PASSWORD",
		"CANOPY_DEFAULT_QUOTA_BYTES",
	}
	originalEnv := saveEnv(envVars)
	defer restoreEnv(originalEnv)

	t.Run("defaults", func(t *testing.T) {
		clearEnv(envVars)

		cfg := loadAuthConfig()
		if cfg.JWTIssuer != "canopy" {
			t.Errorf("JWTIssuer = %v, want canopy", cfg.JWTIssuer)
		}
		if cfg.AccessTokenTTL != 15*time.Minute {
			t.Errorf("AccessTokenTTL = %v, want 15m", cfg.AccessTokenTTL)
		}
		if cfg.RefreshTokenTTL != 7*24*time.Hour {
			t.Errorf("RefreshTokenTTL = %v, want 168h", cfg.RefreshTokenTTL)
		}
		if cfg.LoginMaxFailures != 5 {
			t.Errorf("LoginMaxFailures = %v, want 5", cfg.LoginMaxFailures)
		}
		if cfg.DefaultQuotaBytes != 10<<30 {
			t.Errorf("DefaultQuotaBytes = %v, want %v", cfg.DefaultQuotaBytes, int64(10<<30))
		}
	})

	t.Run("custom values", func(t *testing.T) {
		clearEnv(envVars)
		os.Setenv("CANOPY_JWT_SECRET", "0123456789abcdef0123456789abcdef")
		os.Setenv("CANOPY_ACCESS_TOKEN_TTL", "5m")
		os.Setenv("CANOPY_LOGIN_MAX_FAILURES", "3")

		cfg := loadAuthConfig()
		if cfg.JWTSecret != "0123456789abcdef0123456789abcdef" {
			t.Errorf("JWTSecret = %v", cfg.JWTSecret)
		}
		if cfg.AccessTokenTTL != 5*time.Minute {
			t.Errorf("AccessTokenTTL = %v, want 5m", cfg.AccessTokenTTL)
		}
		if cfg.LoginMaxFailures != 3 {
			t.Errorf("LoginMaxFailures = %v, want 3", cfg.LoginMaxFailures)
		}
	})
}

// TestLoadObservabilityConfig tests the loadObservabilityConfig function
func TestLoadObservabilityConfig(t *testing.T) {
	envVars := []string{"CANOPY_LOG_LEVEL", "CANOPY_METRICS_ENABLED"}
	originalEnv := saveEnv(envVars)
	defer restoreEnv(originalEnv)

	clearEnv(envVars)
	got := loadObservabilityConfig()
	if got.LogLevel != observability.InfoLevel {
		t.Errorf("LogLevel = %v, want info", got.LogLevel)
	}
	if !got.MetricsEnabled {
		t.Error("MetricsEnabled = false, want true")
	}

	os.Setenv("CANOPY_LOG_LEVEL", "debug")
	os.Setenv("CANOPY_METRICS_ENABLED", "false")
	got = loadObservabilityConfig()
	if got.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", got.LogLevel)
	}
	if got.MetricsEnabled {
		t.Error("MetricsEnabled = true, want false")
	}
}

// TestConfigValidate tests the Config.Validate method
func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: ServerConfig{
				Port:       "8080",
				HealthPort: "9090",
			},
			Database: DatabaseConfig{
				URL: "postgres://localhost/canopy",
			},
			Auth: AuthConfig{
				JWTSecret:        "0123456789abcdef0123456789abcdef",
				AccessTokenTTL:   15 * time.Minute,
				RefreshTokenTTL:  7 * 24 * time.Hour,
				LoginMaxFailures: 5,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing server port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "missing health port",
			mutate:  func(c *Config) { c.Server.HealthPort = "" },
			wantErr: "health port is required",
		},
		{
			name:    "same server and health port",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "server port and health port must be different",
		},
		{
			name:    "missing postgres url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "postgres URL is required",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "JWT secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "too-short" },
			wantErr: "JWT secret must be at least 32 bytes",
		},
		{
			name:    "zero access token ttl",
			mutate:  func(c *Config) { c.Auth.AccessTokenTTL = 0 },
			wantErr: "token lifetimes must be positive",
		},
		{
			name:    "refresh shorter than access",
			mutate:  func(c *Config) { c.Auth.RefreshTokenTTL = time.Minute },
			wantErr: "refresh token lifetime must exceed access token lifetime",
		},
		{
			name:    "zero login failure threshold",
			mutate:  func(c *Config) { c.Auth.LoginMaxFailures = 0 },
			wantErr: "login failure threshold must be positive",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Audit.RetentionDays = -1 },
			wantErr: "audit retention days cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err.Error(), tt.wantErr)
			}
		})
	}
}

// TestLoadConfig tests the LoadConfig function
func TestLoadConfig(t *testing.T) {
	envVars := []string{
		"CANOPY_PORT",
		"CANOPY_HEALTH_PORT",
		"CANOPY_POSTGRES_URL",
		"CANOPY_JWT_SECRET",
	}
	originalEnv := saveEnv(envVars)
	defer restoreEnv(originalEnv)

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "valid config",
			env: map[string]string{
				"CANOPY_POSTGRES_URL": "postgres://localhost/canopy",
				"CANOPY_JWT_SECRET":   "0123456789abcdef0123456789abcdef",
			},
			wantErr: false,
		},
		{
			name: "invalid config - missing secret",
			env: map[string]string{
				"CANOPY_POSTGRES_URL": "postgres://localhost/canopy",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(envVars)
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && cfg == nil {
				t.Error("LoadConfig() returned nil config without error")
			}
		})
	}
}

func saveEnv(keys []string) map[string]string {
	saved := make(map[string]string, len(keys))
	for _, k := range keys {
		saved[k] = os.Getenv(k)
	}
	return saved
}

func restoreEnv(saved map[string]string) {
	for k, v := range saved {
		if v == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, v)
		}
	}
}

func clearEnv(keys []string) {
	for _, k := range keys {
		os.Unsetenv(k)
	}
}
