// Package config loads application configuration from environment
// variables, with an optional YAML rate-limit spec file that is watched
// and hot-reloaded at runtime.
//
// Every variable carries a CANOPY_ prefix and a sane default; only the
// database URL and the JWT secret are mandatory:
//
//	CANOPY_POSTGRES_URL  postgres connection string (required)
//	CANOPY_JWT_SECRET    HMAC secret, at least 32 bytes (required)
//	CANOPY_PORT          API listen port (default 8080)
//	CANOPY_HEALTH_PORT   health/metrics port (default 9090)
//	CANOPY_RATE_LIMIT_SPEC_FILE  optional YAML overrides, hot-reloaded
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
