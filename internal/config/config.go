package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	// BillingWebhookSecret is the shared secret used to verify the billing
	// provider's webhook signatures.
	BillingWebhookSecret string

	// BillingWebhookTolerance bounds the age of a signed webhook timestamp.
	BillingWebhookTolerance time.Duration

	// ServiceTokens are sha256 digests (hex) of tokens accepted on
	// server-to-server write endpoints.
	ServiceTokens []string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RateLimit RateLimitConfig
}

// RateLimitConfig configures the redis-backed request limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SpendRate     float64
	SpendBurst    int
	WebhookRate   float64
	WebhookBurst  int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                 getenv("APP_SERVICE", "creditledger"),
		AppVersion:              getenv("APP_VERSION", "0.1.0"),
		Environment:             getenv("ENVIRONMENT", "development"),
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		BillingWebhookSecret:    strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
		BillingWebhookTolerance: time.Duration(getenvInt("BILLING_WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		ServiceTokens:           splitList(getenv("SERVICE_TOKEN_DIGESTS", "")),
		OTLPEndpoint:            getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:                  getenv("DATABASE_TYPE", "postgres"),
		DBHost:                  getenv("DATABASE_HOST", "localhost"),
		DBPort:                  getenv("DATABASE_PORT", "5432"),
		DBName:                  getenv("DATABASE_NAME", "creditledger"),
		DBUser:                  getenv("DATABASE_USER", "postgres"),
		DBPassword:              getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:               getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:           getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:           getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime:       getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime:       getenvInt("DATABASE_CONN_MAX_IDLE_SECONDS", 300),
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			SpendRate:     getenvFloat("RATE_LIMIT_SPEND_RATE", 20),
			SpendBurst:    getenvInt("RATE_LIMIT_SPEND_BURST", 40),
			WebhookRate:   getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst:  getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
		},
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPlanCatalog),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
