package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime knob of the service. Values come from the
// environment, optionally seeded from a .env file in development.
type Config struct {
	Addr string

	AuthSecret string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	LockoutThreshold int
	LockoutDuration  time.Duration
	EventRetention   time.Duration
	SweepInterval    time.Duration

	PostgresDSN     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RevokeNamespace string

	RateRPS      float64
	RateBurst    int
	LoginRPM     int
	MaxBodyBytes int64

	// Bootstrap admin, created on startup when both are set and the
	// account does not exist yet.
	AdminEmail    string
	AdminPassword string
}

// Load reads the configuration from the environment. A missing or short
// signing secret is not rejected here; service construction owns that check.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr: getenv("ZAMOK_ADDR", ":8080"),

		AuthSecret: os.Getenv("ZAMOK_AUTH_SECRET"),
		Issuer:     getenv("ZAMOK_ISSUER", "zamok"),
		AccessTTL:  getenvDuration("ZAMOK_ACCESS_TTL", 15*time.Minute),
		RefreshTTL: getenvDuration("ZAMOK_REFRESH_TTL", 14*24*time.Hour),

		LockoutThreshold: getenvInt("ZAMOK_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  getenvDuration("ZAMOK_LOCKOUT_DURATION", 15*time.Minute),
		EventRetention:   getenvDuration("ZAMOK_EVENT_RETENTION", 90*24*time.Hour),
		SweepInterval:    getenvDuration("ZAMOK_SWEEP_INTERVAL", 5*time.Minute),

		PostgresDSN:     os.Getenv("ZAMOK_PG_DSN"),
		RedisAddr:       os.Getenv("ZAMOK_REDIS_ADDR"),
		RedisPassword:   os.Getenv("ZAMOK_REDIS_PASSWORD"),
		RedisDB:         getenvInt("ZAMOK_REDIS_DB", 0),
		RevokeNamespace: getenv("ZAMOK_REVOKE_NAMESPACE", "zamok"),

		RateRPS:      getenvFloat("ZAMOK_RATE_RPS", 10),
		RateBurst:    getenvInt("ZAMOK_RATE_BURST", 20),
		LoginRPM:     getenvInt("ZAMOK_LOGIN_RPM", 10),
		MaxBodyBytes: int64(getenvInt("ZAMOK_MAX_BODY_BYTES", 1<<20)),

		AdminEmail:    os.Getenv("ZAMOK_ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ZAMOK_ADMIN_PASSWORD"),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
