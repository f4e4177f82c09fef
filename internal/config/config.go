// Package config provides environment configuration for the chat gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Classifier modes.
const (
	ClassifierMarkers = "markers"
	ClassifierLLM     = "llm"
	ClassifierChain   = "chain"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	StreamMaxAge time.Duration
	HistoryLimit int

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	ClassifierModel string

	// Classification
	ClassifierMode      string
	ClassifyConcurrency int
	ClassifyTimeout     time.Duration

	// Sessions
	MentionLimit      int
	SessionIdleTTL    time.Duration
	HeartbeatInterval time.Duration
	SeedFile          string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		StreamMaxAge: getDurationEnv("STREAM_MAX_AGE", 365*24*time.Hour),
		HistoryLimit: getIntEnv("HISTORY_LIMIT", 500),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		ClassifierModel: getEnv("CLASSIFIER_MODEL", ""),

		// Classification
		ClassifierMode:      strings.ToLower(getEnv("CLASSIFIER", ClassifierChain)),
		ClassifyConcurrency: getIntEnv("CLASSIFY_CONCURRENCY", 4),
		ClassifyTimeout:     getDurationEnv("CLASSIFY_TIMEOUT", 10*time.Second),

		// Sessions
		MentionLimit:      getIntEnv("MENTION_LIMIT", 5),
		SessionIdleTTL:    getDurationEnv("SESSION_IDLE_TTL", 30*time.Minute),
		HeartbeatInterval: getDurationEnv("SSE_HEARTBEAT", 15*time.Second),
		SeedFile:          getEnv("SEED_FILE", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.ClassifierMode {
	case ClassifierMarkers, ClassifierChain:
	case ClassifierLLM:
		if c.LLMAPIKey() == "" {
			errs = append(errs, errors.New("CLASSIFIER=llm requires an API key for DEFAULT_LLM"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CLASSIFIER %q", c.ClassifierMode))
	}
	if c.ClassifyConcurrency <= 0 {
		errs = append(errs, errors.New("CLASSIFY_CONCURRENCY must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("SSE_HEARTBEAT must be positive"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}

	return errors.Join(errs...)
}

// LLMAPIKey returns the API key of DefaultLLM, or "".
func (c *Config) LLMAPIKey() string {
	switch c.DefaultLLM {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	default:
		return ""
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
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
	return out
}
