// Package config loads runtime configuration from the environment and
// policy bundles from disk.
package config

import (
	"os"
	"time"
)

// Config holds platform configuration.
type Config struct {
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	OTLPEndpoint       string
	PolicyBundleDir    string
	MaxDelegationTTL   time.Duration
	MaxChainDepth      int
	AdaptationTTL      time.Duration
	ClaimCacheTTL      time.Duration
	TrustedRootKeyFile string
}

// Load reads configuration from environment variables, applying
// operational defaults.
func Load() *Config {
	cfg := &Config{
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		RedisAddr:          getenv("REDIS_ADDR", ""),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		PolicyBundleDir:    getenv("POLICY_BUNDLE_DIR", "./policies"),
		TrustedRootKeyFile: getenv("TRUSTED_ROOTS_FILE", ""),
		MaxDelegationTTL:   getDuration("MAX_DELEGATION_TTL", 7*24*time.Hour),
		AdaptationTTL:      getDuration("ADAPTATION_TTL", time.Hour),
		ClaimCacheTTL:      getDuration("CLAIM_CACHE_TTL", 5*time.Minute),
		MaxChainDepth:      5,
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
