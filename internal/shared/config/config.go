package config

import (
	"strings"

	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// ServiceTunables carries one service's configured lockout/reuse-delay
// overrides (spec §6, both millis; 0 means "use the provider's default").
type ServiceTunables struct {
	Keys             []string
	RateLimitLockout int64
	KeyReuseDelay    int64
}

// Config holds all configuration for the gateway (spec §6 "Environment /
// configuration"), loaded once at startup.
type Config struct {
	// Server
	Port string
	Env  string

	// Database (optional: prompt logging/pricing disabled if empty)
	DatabaseURL string

	// Redis (optional: IP throttling disabled if empty)
	RedisURL string

	// Per-service credential lists and tunables.
	OpenAI    ServiceTunables
	Anthropic ServiceTunables
	GoogleAI  ServiceTunables

	// CheckKeys toggles the background key checker (spec §6 "CHECK_KEYS").
	CheckKeys bool
	// PromptLogging toggles the ambient prompt-log sink (spec §6 "PROMPT_LOGGING").
	PromptLogging bool

	// DefaultRateLimit is the per-IP requests/minute throttle (ambient,
	// ips out of the pool/pipeline's scope per spec §1).
	DefaultRateLimit int
}

// Load loads configuration from environment variables, optionally seeded
// from a .env file (spec §2.1, teacher's config.Load shape).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		OpenAI: ServiceTunables{
			Keys:             splitKeys(getEnv("OPENAI_KEY", "")),
			RateLimitLockout: getEnvInt64("OPENAI_RATE_LIMIT_LOCKOUT_MS", 0),
			KeyReuseDelay:    getEnvInt64("OPENAI_KEY_REUSE_DELAY_MS", 0),
		},
		Anthropic: ServiceTunables{
			Keys:             splitKeys(getEnv("ANTHROPIC_KEY", "")),
			RateLimitLockout: getEnvInt64("ANTHROPIC_RATE_LIMIT_LOCKOUT_MS", 0),
			KeyReuseDelay:    getEnvInt64("ANTHROPIC_KEY_REUSE_DELAY_MS", 0),
		},
		GoogleAI: ServiceTunables{
			Keys:             splitKeys(getEnv("GOOGLE_AI_KEY", "")),
			RateLimitLockout: getEnvInt64("GOOGLE_AI_RATE_LIMIT_LOCKOUT_MS", 0),
			KeyReuseDelay:    getEnvInt64("GOOGLE_AI_KEY_REUSE_DELAY_MS", 0),
		},

		CheckKeys:        getEnvBool("CHECK_KEYS", true),
		PromptLogging:    getEnvBool("PROMPT_LOGGING", false),
		DefaultRateLimit: getEnvInt("DEFAULT_RATE_LIMIT", 100),
	}

	if len(cfg.OpenAI.Keys) == 0 && len(cfg.Anthropic.Keys) == 0 && len(cfg.GoogleAI.Keys) == 0 {
		return nil, pool.ErrNoKeysConfigured
	}

	return cfg, nil
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
