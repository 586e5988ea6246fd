package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings shared by the desktop shell and the CLI
type Config struct {
	APIURL   string
	APIToken string
	Profile  string // saved server profile to use when APIURL is not set

	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	HTTPTimeout      time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int

	// How successive content frames combine: "replace" or "append"
	ReviewMode         string
	StructuredDataMode string

	Database DatabaseConfig
	LogLevel string
}

// DatabaseConfig configures the local snapshot cache
type DatabaseConfig struct {
	URL             string // sqlite://path or postgres://...; empty means the default sqlite file
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Load reads settings from the environment, after loading envFile if it exists
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		APIURL:           strings.TrimRight(getEnv("TAI_API_URL", ""), "/"),
		APIToken:         getEnv("TAI_API_TOKEN", ""),
		Profile:          getEnv("TAI_PROFILE", ""),
		PollInterval:     getEnvDuration("TAI_POLL_INTERVAL", 10*time.Second),
		ReconnectBackoff: getEnvDuration("TAI_RECONNECT_BACKOFF", 5*time.Second),
		HTTPTimeout:      getEnvDuration("TAI_HTTP_TIMEOUT", 30*time.Second),
		RateLimitRPS:     getEnvFloat("TAI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:   getEnvInt("TAI_RATE_LIMIT_BURST", 20),
		ReviewMode:         strings.ToLower(getEnv("TAI_REVIEW_MODE", "replace")),
		StructuredDataMode: strings.ToLower(getEnv("TAI_STRUCTURED_DATA_MODE", "replace")),
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		LogLevel: strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if c.APIURL != "" && !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("TAI_API_URL must start with http:// or https://, got %q", c.APIURL)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("TAI_POLL_INTERVAL must be at least 1s, got %v", c.PollInterval)
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("TAI_RECONNECT_BACKOFF must be positive, got %v", c.ReconnectBackoff)
	}
	for key, mode := range map[string]string{"TAI_REVIEW_MODE": c.ReviewMode, "TAI_STRUCTURED_DATA_MODE": c.StructuredDataMode} {
		if mode != "replace" && mode != "append" {
			return fmt.Errorf("%s must be replace or append, got %q", key, mode)
		}
	}
	return nil
}

// Debug reports whether verbose logging is requested
func (c *Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultValue
}
