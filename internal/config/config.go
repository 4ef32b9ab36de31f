// Package config loads the proxy configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/logging"
	"github.com/Sternrassler/resilient-api-client/pkg/tracing"
)

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig
	API     APIConfig
	Cache   CacheConfig
	Redis   RedisConfig
	Log     LogConfig
	Tracing TracingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             string
	BatchConcurrency int
}

// APIConfig holds the upstream API and dispatcher configuration.
type APIConfig struct {
	BaseURL        string
	Token          string
	Realm          string
	UserAgent      string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimit      float64
	RateBurst      int
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// RedisConfig holds the optional shared rate-limit state backend.
type RedisConfig struct {
	// URL is a redis:// URL. Empty keeps rate-limit state in memory.
	URL    string
	Prefix string
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string
	Pretty bool
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
	Version    string
}

// Load creates a Config from environment variables.
func Load() Config {
	defaults := client.DefaultConfig("", "")

	return Config{
		Server: ServerConfig{
			Port:             getEnv("PORT", "8080"),
			BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 10),
		},
		API: APIConfig{
			BaseURL:        getEnv("API_BASE_URL", ""),
			Token:          getEnv("API_TOKEN", ""),
			Realm:          getEnv("API_REALM", ""),
			UserAgent:      getEnv("USER_AGENT", defaults.UserAgent),
			Timeout:        getEnvDuration("HTTP_TIMEOUT", defaults.Timeout),
			MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", defaults.MaxAttempts),
			RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", defaults.BaseDelay),
			RetryMaxDelay:  getEnvDuration("RETRY_MAX_DELAY", defaults.MaxDelay),
			RateLimit:      getEnvFloat("RATE_LIMIT", 0),
			RateBurst:      getEnvInt("RATE_BURST", 1),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			TTL:     getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:    getEnv("REDIS_URL", ""),
			Prefix: getEnv("REDIS_PREFIX", "apiclient:"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", string(logging.LevelInfo)),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
		Tracing: TracingConfig{
			Enabled:    getEnvBool("OTEL_ENABLED", false),
			Endpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", tracing.DefaultEndpoint),
			SampleRate: getEnvFloat("OTEL_TRACE_SAMPLE_RATE", tracing.DefaultSampleRate),
			Version:    getEnv("SERVICE_VERSION", "dev"),
		},
	}
}

// Validate reports missing credentials and out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if c.API.Token == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.API.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1 (got %d)", c.API.MaxAttempts))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be >= 0 (got %v)", c.API.RateLimit))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive (got %v)", c.Cache.TTL))
	}
	return errors.Join(errs...)
}

// ClientConfig maps the API section onto a dispatcher configuration.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.API.BaseURL, c.API.Token)
	cfg.Realm = c.API.Realm
	cfg.UserAgent = c.API.UserAgent
	cfg.Timeout = c.API.Timeout
	cfg.MaxAttempts = c.API.MaxAttempts
	cfg.BaseDelay = c.API.RetryBaseDelay
	cfg.MaxDelay = c.API.RetryMaxDelay
	cfg.RateLimit = c.API.RateLimit
	cfg.RateBurst = c.API.RateBurst
	return cfg
}

// LoggingConfig maps the log section onto a logger configuration.
func (c Config) LoggingConfig(service string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.Service = service
	return cfg
}

// TracerConfig maps the tracing section onto a tracer configuration.
func (c Config) TracerConfig(service string) tracing.Config {
	return tracing.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    service,
		ServiceVersion: c.Tracing.Version,
		Endpoint:       c.Tracing.Endpoint,
		SampleRate:     c.Tracing.SampleRate,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
