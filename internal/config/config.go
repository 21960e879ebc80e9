package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string
	DBMaxConns  int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// WebhookAPIKey authenticates inbound voice-agent webhooks. Empty
	// disables auth outside production.
	WebhookAPIKey string

	// PMS upstream settings. Credentials are per-clinic and come from the
	// clinic store, never from the environment.
	PMSHost          string
	PMSContact       string
	PMSMaxConcurrent int
	PMSMaxRetries    int
	PMSTimeout       time.Duration
	PMSBackoffBase   time.Duration
	PMSBackoffCap    time.Duration
	PMSBudgetPerMin  int

	DefaultTimezone string

	RequestDeadline time.Duration

	AvailabilityTTL   time.Duration
	PatientTTL        time.Duration
	ServiceMatchTTL   time.Duration
	BookingContextTTL time.Duration
	RejectedSlotTTL   time.Duration
	FailedAttemptTTL  time.Duration
	BookingLockTTL    time.Duration

	RefreshInterval time.Duration

	FindNextDefaultDays int
	FindNextMaxDays     int

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 20),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		WebhookAPIKey: getEnv("WEBHOOK_API_KEY", ""),

		PMSHost:          getEnv("PMS_HOST", "cliniko.com"),
		PMSContact:       getEnv("PMS_CONTACT", "support@thechatshop.ai"),
		PMSMaxConcurrent: getEnvInt("PMS_MAX_CONCURRENT", 6),
		PMSMaxRetries:    getEnvInt("PMS_MAX_RETRIES", 3),
		PMSTimeout:       getEnvDuration("PMS_TIMEOUT", 30*time.Second),
		PMSBackoffBase:   getEnvDuration("PMS_BACKOFF_BASE", 500*time.Millisecond),
		PMSBackoffCap:    getEnvDuration("PMS_BACKOFF_CAP", 10*time.Second),
		PMSBudgetPerMin:  getEnvInt("PMS_BUDGET_PER_MIN", 60),

		DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "Australia/Sydney"),

		RequestDeadline: getEnvDuration("REQUEST_DEADLINE", 25*time.Second),

		AvailabilityTTL:   getEnvDuration("AVAILABILITY_TTL", 15*time.Minute),
		PatientTTL:        getEnvDuration("PATIENT_TTL", 24*time.Hour),
		ServiceMatchTTL:   getEnvDuration("SERVICE_MATCH_TTL", 7*24*time.Hour),
		BookingContextTTL: getEnvDuration("BOOKING_CONTEXT_TTL", time.Hour),
		RejectedSlotTTL:   getEnvDuration("REJECTED_SLOT_TTL", time.Hour),
		FailedAttemptTTL:  getEnvDuration("FAILED_ATTEMPT_TTL", 2*time.Hour),
		BookingLockTTL:    getEnvDuration("BOOKING_LOCK_TTL", 2*time.Minute),

		RefreshInterval: getEnvDuration("CACHE_REFRESH_INTERVAL", 5*time.Minute),

		FindNextDefaultDays: getEnvInt("FIND_NEXT_DEFAULT_DAYS", 14),
		FindNextMaxDays:     getEnvInt("FIND_NEXT_MAX_DAYS", 30),

		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 30),
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
