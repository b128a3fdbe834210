package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type MomoConfig struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	RedirectURL string
	IPNURL      string
	RequestType string
}

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// LockBackend selects the seat lock table: "redis" or "memory".
	LockBackend string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Lease configuration
	LockTTL         time.Duration
	RenewInterval   time.Duration
	RenewRetries    int
	LockCallTimeout time.Duration
	ClockSkew       time.Duration

	// Background loops
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	IntentGrace       time.Duration

	// Payment configuration
	PaymentBypass  bool
	PaymentTimeout time.Duration
	Momo           MomoConfig
	// FarePerSeat prices bookings server side. Zero leaves the total to
	// the caller.
	FarePerSeat decimal.Decimal

	// Lifecycle notifications
	AMQPURL string

	// Guest holders
	GuestTokenSecret string
	GuestTokenTTL    time.Duration

	// AcquireRateLimit caps seat acquisitions per holder per minute.
	AcquireRateLimit int

	// Monitoring
	EnableMetrics bool
}

func LoadConfig() *Config {
	// A missing .env is fine; the process environment wins anyway.
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		LockBackend:   getEnv("LOCK_BACKEND", "redis"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "seat-coordinator"),

		// Lease
		LockTTL:         getEnvAsDuration("LOCK_TTL", "15m"),
		RenewInterval:   getEnvAsDuration("RENEW_INTERVAL", "2m"),
		RenewRetries:    getEnvAsInt("RENEW_RETRIES", 2),
		LockCallTimeout: getEnvAsDuration("LOCK_CALL_TIMEOUT", "5s"),
		ClockSkew:       getEnvAsDuration("CLOCK_SKEW", "5s"),

		// Background loops
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", "5s"),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", "30s"),
		IntentGrace:       getEnvAsDuration("INTENT_GRACE", "1m"),

		// Payment
		PaymentBypass:  getEnvAsBool("PAYMENT_BYPASS", false),
		PaymentTimeout: getEnvAsDuration("PAYMENT_TIMEOUT", "10s"),
		Momo: MomoConfig{
			Endpoint:    getEnv("MOMO_ENDPOINT", "https://test-payment.momo.vn"),
			PartnerCode: getEnv("MOMO_PARTNER_CODE", ""),
			AccessKey:   getEnv("MOMO_ACCESS_KEY", ""),
			SecretKey:   getEnv("MOMO_SECRET_KEY", ""),
			RedirectURL: getEnv("MOMO_REDIRECT_URL", ""),
			IPNURL:      getEnv("MOMO_IPN_URL", ""),
			RequestType: getEnv("MOMO_REQUEST_TYPE", "captureWallet"),
		},
		FarePerSeat: getEnvAsDecimal("FARE_PER_SEAT", "0"),

		AMQPURL: getEnv("RABBITMQ_URL", ""),

		GuestTokenSecret: getEnv("GUEST_TOKEN_SECRET", ""),
		GuestTokenTTL:    getEnvAsDuration("GUEST_TOKEN_TTL", "24h"),
		AcquireRateLimit: getEnvAsInt("ACQUIRE_RATE_LIMIT", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

// Validate rejects lease timings that would let a hold lapse between two
// renewals. The renewal interval must fit at least three times into the
// TTL after the clock skew margin is taken off.
func (c *Config) Validate() error {
	if c.LockTTL <= 0 || c.RenewInterval <= 0 || c.SweepInterval <= 0 {
		return errors.New("config: LOCK_TTL, RENEW_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	if c.RenewInterval*3 > c.LockTTL-c.ClockSkew {
		return fmt.Errorf("config: RENEW_INTERVAL %s is too close to LOCK_TTL %s (skew %s)",
			c.RenewInterval, c.LockTTL, c.ClockSkew)
	}
	if c.LockCallTimeout >= c.RenewInterval {
		return fmt.Errorf("config: LOCK_CALL_TIMEOUT %s must be shorter than RENEW_INTERVAL %s",
			c.LockCallTimeout, c.RenewInterval)
	}
	if c.LockBackend != "redis" && c.LockBackend != "memory" {
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.Environment == "production" && c.PaymentBypass {
		return errors.New("config: PAYMENT_BYPASS cannot be enabled in production")
	}
	if c.FarePerSeat.IsNegative() {
		return errors.New("config: FARE_PER_SEAT cannot be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	if value, err := decimal.NewFromString(getEnv(key, defaultValue)); err == nil {
		return value
	}
	return decimal.RequireFromString(defaultValue)
}
