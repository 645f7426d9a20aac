// Package config loads the control-plane configuration: environment
// variables for process settings and a YAML profile for connectors and
// capabilities. Everything is loaded once at startup into immutable
// values passed by reference to handlers; nothing here mutates at
// runtime.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabasePath  string
	RedisAddr     string
	TokenSecret   string
	TokenAudience string
	OperatorKey   string
	ProfilePath   string
}

// Load reads configuration from environment variables, applying
// defaults suitable for local development.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		DatabasePath:  getenv("DATABASE_PATH", ""),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		TokenSecret:   getenv("TOKEN_SECRET", ""),
		TokenAudience: getenv("TOKEN_AUDIENCE", "monsoonfire.portal"),
		OperatorKey:   getenv("OPERATOR_OVERRIDE_KEY", ""),
		ProfilePath:   getenv("PROFILE_PATH", ""),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
