package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

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
	RunMigrations     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode   int64
	DefaultCurrency string

	PricingConfigPath string

	Ledger       LedgerConfig
	Usage        UsageConfig
	Subscription SubscriptionConfig
	Referral     ReferralConfig
	Payment      PaymentConfig
	Stripe       StripeConfig
}

// LedgerConfig tunes the balance mutation protocol.
type LedgerConfig struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	AttemptTimeout     time.Duration
	BalanceCacheTTL    time.Duration
	DefaultCreditLimit decimal.Decimal
}

// UsageConfig tunes upstream lookups made while recording usage.
type UsageConfig struct {
	LookupAttempts    int
	LookupBackoffBase time.Duration
}

// SubscriptionConfig drives the quota expiry sweep.
type SubscriptionConfig struct {
	ExpiryInterval time.Duration
	ExpiryTimeout  time.Duration
}

// ReferralConfig holds the referral bonus policy.
type ReferralConfig struct {
	InputShare  decimal.Decimal
	OutputShare decimal.Decimal
	Timeout     time.Duration
}

// PaymentConfig selects the gateway used for top-ups.
type PaymentConfig struct {
	DefaultGateway string
}

type StripeConfig struct {
	SecretKey string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tokenledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RunMigrations:     getenvBool("DATABASE_RUN_MIGRATIONS", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		DefaultCurrency:   strings.ToUpper(getenv("DEFAULT_CURRENCY", "USD")),
		PricingConfigPath: strings.TrimSpace(getenv("PRICING_CONFIG_PATH", "")),
		Ledger: LedgerConfig{
			MaxAttempts:        getenvInt("LEDGER_RETRY_MAX_ATTEMPTS", 3),
			BackoffBase:        getenvDuration("LEDGER_RETRY_BACKOFF_BASE", time.Second),
			AttemptTimeout:     getenvDuration("LEDGER_ATTEMPT_TIMEOUT", 5*time.Second),
			BalanceCacheTTL:    getenvDuration("LEDGER_BALANCE_CACHE_TTL", 90*time.Second),
			DefaultCreditLimit: getenvDecimal("LEDGER_DEFAULT_CREDIT_LIMIT", decimal.Zero),
		},
		Usage: UsageConfig{
			LookupAttempts:    getenvInt("USAGE_LOOKUP_ATTEMPTS", 3),
			LookupBackoffBase: getenvDuration("USAGE_LOOKUP_BACKOFF_BASE", 200*time.Millisecond),
		},
		Subscription: SubscriptionConfig{
			ExpiryInterval: getenvDuration("SUBSCRIPTION_EXPIRY_INTERVAL", time.Minute),
			ExpiryTimeout:  getenvDuration("SUBSCRIPTION_EXPIRY_TIMEOUT", 30*time.Second),
		},
		Referral: ReferralConfig{
			InputShare:  getenvDecimal("REFERRAL_INPUT_SHARE", decimal.RequireFromString("0.10")),
			OutputShare: getenvDecimal("REFERRAL_OUTPUT_SHARE", decimal.RequireFromString("0.05")),
			Timeout:     getenvDuration("REFERRAL_TIMEOUT", 5*time.Second),
		},
		Payment: PaymentConfig{
			DefaultGateway: strings.ToLower(strings.TrimSpace(getenv("PAYMENT_DEFAULT_GATEWAY", "stripe"))),
		},
		Stripe: StripeConfig{
			SecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return def
	}
	return parsed
}
