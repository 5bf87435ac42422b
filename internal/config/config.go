// Package config provides environment configuration for the sync agent.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

const (
	minAPITimeout = 6 * time.Second
	maxAPITimeout = 12 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	// Local API server
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	LocalAPISecret     string

	// Marketplace API
	APIBaseURL   string
	APITimeout   time.Duration
	SessionToken string
	SelfUserID   string

	// NATS
	NATSURL              string
	NATSCAFile           string
	NATSCertFile         string
	NATSKeyFile          string
	NATSToken            string
	ChannelSubjectPrefix string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Local store
	StorePath string

	// Presence
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration

	// Subscription retry
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryJitter         time.Duration
	FeatureDisabledPoll time.Duration

	// Notifications
	SnapshotMinInterval time.Duration
	SnapshotMaxInterval time.Duration
	ToastDebounce       time.Duration
	NameCacheSize       int

	// Outbox
	OutboxBatch int

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from a .env file, if present, and the
// environment.
func Load() *Config {
	_ = godotenv.Load(".env")

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8780"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		LocalAPISecret:     getEnv("LOCAL_API_SECRET", ""),

		// Marketplace API
		APIBaseURL:   getEnv("API_BASE_URL", "http://localhost:8080/api"),
		APITimeout:   clamp(getDurationEnv("API_TIMEOUT", 8*time.Second), minAPITimeout, maxAPITimeout),
		SessionToken: getEnv("SESSION_TOKEN", ""),
		SelfUserID:   getEnv("SELF_USER_ID", ""),

		// NATS
		NATSURL:              getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:           getEnv("NATS_CA_FILE", ""),
		NATSCertFile:         getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:          getEnv("NATS_KEY_FILE", ""),
		NATSToken:            getEnv("NATS_TOKEN", ""),
		ChannelSubjectPrefix: getEnv("CHANNEL_SUBJECT_PREFIX", "chan"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Store
		StorePath: getEnv("STORE_PATH", "data/syncd"),

		// Presence
		HeartbeatEnabled:  getBoolEnv("HEARTBEAT_ENABLED", true),
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),

		// Retry
		RetryBaseDelay:      getDurationEnv("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:       getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),
		RetryJitter:         getDurationEnv("RETRY_JITTER", 500*time.Millisecond),
		FeatureDisabledPoll: getDurationEnv("FEATURE_DISABLED_POLL", 5*time.Minute),

		// Notifications
		SnapshotMinInterval: getDurationEnv("SNAPSHOT_MIN_INTERVAL", 20*time.Second),
		SnapshotMaxInterval: getDurationEnv("SNAPSHOT_MAX_INTERVAL", 45*time.Second),
		ToastDebounce:       getDurationEnv("TOAST_DEBOUNCE", 6*time.Second),
		NameCacheSize:       getIntEnv("NAME_CACHE_SIZE", 256),

		// Outbox
		OutboxBatch: getIntEnv("OUTBOX_BATCH", 20),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if cfg.SelfUserID == "" && cfg.SessionToken != "" {
		if id, err := SelfIDFromToken(cfg.SessionToken); err == nil {
			cfg.SelfUserID = id
		}
	}
	return cfg
}

// SelfIDFromToken returns the subject of a session JWT. The signature is
// not checked; the server remains the authority on the token.
func SelfIDFromToken(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("session token has no subject")
	}
	return claims.Subject, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
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
