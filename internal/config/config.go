package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort string
	GinMode    string
	LogLevel   string
	LogFormat  string

	// JWTSecret verifies portal-issued session tokens. The engine never
	// issues tokens itself.
	JWTSecret string

	// Attempt service (the remote grading backend).
	AttemptServiceURL     string
	AttemptServiceTimeout time.Duration

	// StateDBPath is the SQLite file holding session snapshots, persisted
	// results and the blocked-tests list.
	StateDBPath string

	// DemoTestsDir contains JSON test definitions (with answer keys) used
	// when no server attempt can be established.
	DemoTestsDir string

	// Session policy.
	PassingScore          int
	MaxViolations         int
	EnforceViolationLimit bool
	DefaultBudget         time.Duration
	TickInterval          time.Duration
	ProbeInterval         time.Duration
	FocusGrace            time.Duration

	// Optional audit pipeline. Empty URLs disable the corresponding piece.
	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string

	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		GinMode:    getEnv("GIN_MODE", "debug"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "pretty"),

		JWTSecret: getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),

		AttemptServiceURL:     getEnv("ATTEMPT_SERVICE_URL", ""),
		AttemptServiceTimeout: time.Duration(getEnvInt("ATTEMPT_SERVICE_TIMEOUT_SECONDS", 15)) * time.Second,

		StateDBPath:  getEnv("STATE_DB_PATH", "./data/sessions.db"),
		DemoTestsDir: getEnv("DEMO_TESTS_DIR", "./testbank"),

		PassingScore:          getEnvInt("PASSING_SCORE", 60),
		MaxViolations:         getEnvInt("MAX_VIOLATIONS", 5),
		EnforceViolationLimit: getEnvBool("ENFORCE_VIOLATION_LIMIT", false),
		DefaultBudget:         time.Duration(getEnvInt("DEFAULT_BUDGET_SECONDS", 1800)) * time.Second,
		TickInterval:          time.Duration(getEnvInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		ProbeInterval:         time.Duration(getEnvInt("PROBE_INTERVAL_MS", 500)) * time.Millisecond,
		FocusGrace:            time.Duration(getEnvInt("FOCUS_GRACE_MS", 3000)) * time.Millisecond,

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MaxDBConns:  int32(getEnvInt("MAX_DB_CONNS", 8)),
		RedisURL:    getEnv("REDIS_URL", ""),

		AllowedOrigins: parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

// AuditEnabled reports whether the Redis-backed audit pipeline is configured.
func (c *Config) AuditEnabled() bool {
	return c.RedisURL != ""
}

// ArchiveEnabled reports whether the PostgreSQL archive workers should run.
// The workers consume the Redis queues, so both URLs are required.
func (c *Config) ArchiveEnabled() bool {
	return c.RedisURL != "" && c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
