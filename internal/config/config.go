package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitEnabled   bool
	WebhookIngestRate  float64
	WebhookIngestBurst int
	APIOrgRate         float64
	APIOrgBurst        int
	JobLockTTLSeconds  int

	// PaymentLinkBaseURL is prepended to hosted payment link tokens.
	PaymentLinkBaseURL string

	StripeAPIKey          string
	StripeWebhookSecret   string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "postbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		RateLimitEnabled:   getenvBool("RATE_LIMIT_ENABLED", false),
		WebhookIngestRate:  getenvFloat("WEBHOOK_INGEST_RATE", 20),
		WebhookIngestBurst: getenvInt("WEBHOOK_INGEST_BURST", 40),
		APIOrgRate:         getenvFloat("API_ORG_RATE", 10),
		APIOrgBurst:        getenvInt("API_ORG_BURST", 20),
		JobLockTTLSeconds:  getenvInt("JOB_LOCK_TTL_SECONDS", 300),

		PaymentLinkBaseURL: getenv("PAYMENT_LINK_BASE_URL", "https://pay.postbill.dev"),

		StripeAPIKey:          getenv("STRIPE_API_KEY", ""),
		StripeWebhookSecret:   getenv("STRIPE_WEBHOOK_SECRET", ""),
		RazorpayKeyID:         getenv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getenv("RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: getenv("RAZORPAY_WEBHOOK_SECRET", ""),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}
