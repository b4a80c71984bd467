// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/defirisk/internal/logging"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory history if not set)

	// Upstream sources
	DefiLlamaBaseURL string
	IncidentFeedURL  string
	HTTPTimeout      time.Duration
	UpstreamRPS      float64
	RetryAttempts    int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Caching
	DataCacheTTL     time.Duration
	IncidentCacheTTL time.Duration

	// Incident correlation
	MinPartialMatchLen int

	// Inbound API
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultDefiLlamaBaseURL   = "https://api.llama.fi"
	DefaultIncidentFeedURL    = "https://rekt.news/leaderboard/"
	DefaultHTTPTimeout        = 30 * time.Second
	DefaultUpstreamRPS        = 5
	DefaultRetryAttempts      = 3
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
	DefaultDataCacheTTL       = 5 * time.Minute
	DefaultIncidentCacheTTL   = 24 * time.Hour
	DefaultMinPartialMatchLen = 3
	DefaultRateLimitRPM       = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DefiLlamaBaseURL:   getEnv("DEFILLAMA_BASE_URL", DefaultDefiLlamaBaseURL),
		IncidentFeedURL:    getEnv("INCIDENT_FEED_URL", DefaultIncidentFeedURL),
		HTTPTimeout:        getEnvDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		UpstreamRPS:        getEnvFloat("UPSTREAM_RPS", DefaultUpstreamRPS),
		RetryAttempts:      int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		BreakerThreshold:   int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:    getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		DataCacheTTL:       getEnvDuration("DATA_CACHE_TTL", DefaultDataCacheTTL),
		IncidentCacheTTL:   getEnvDuration("INCIDENT_CACHE_TTL", DefaultIncidentCacheTTL),
		MinPartialMatchLen: int(getEnvInt64("MIN_PARTIAL_MATCH_LEN", DefaultMinPartialMatchLen)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json (got %q)", c.LogFormat)
	}

	for name, raw := range map[string]string{
		"DEFILLAMA_BASE_URL": c.DefiLlamaBaseURL,
		"INCIDENT_FEED_URL":  c.IncidentFeedURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL (got %q)", name, raw)
		}
	}

	if c.DataCacheTTL <= 0 || c.IncidentCacheTTL <= 0 {
		return fmt.Errorf("DATA_CACHE_TTL and INCIDENT_CACHE_TTL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.MinPartialMatchLen < 1 {
		return fmt.Errorf("MIN_PARTIAL_MATCH_LEN must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
