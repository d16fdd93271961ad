package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Environment
	Environment string `validate:"oneof=development staging production test"`

	// Server
	Port           string `validate:"required,numeric"`
	GinMode        string `validate:"oneof=debug release test"`
	AllowedOrigins []string
	// TrustedProxies may set the client IP through X-Forwarded-For; empty means none
	TrustedProxies []string
	// BaseURL is the public origin used to build gateway return URLs
	BaseURL string `validate:"required,url"`

	// Database
	DatabaseURL   string `validate:"required"`
	MigrationsDir string

	// JWT
	JWTSecret string `validate:"required,min=16"`

	// Redis is optional; the minimum-amount cache is disabled without it
	RedisURL string

	// MailerSend
	MailerSendAPIKey    string
	MailerSendFromEmail string `validate:"omitempty,email"`
	MailerSendFromName  string
	OpsAlertEmail       string `validate:"omitempty,email"`

	ReviewSweepInterval time.Duration `validate:"min=0"`
	GatewaysFile        string

	NowPayments NowPaymentsConfig
	Fiat        FiatConfig
}

// NowPaymentsConfig configures the crypto gateway. Empty keys disable the
// operations that need them instead of failing boot.
type NowPaymentsConfig struct {
	APIURL          string `validate:"required,url"`
	APIKey          string
	IPNSecret       string
	PayoutEmail     string
	PayoutPassword  string
	PayoutCurrency  string        `validate:"required"`
	Timeout         time.Duration `validate:"gt=0"`
	MinCheckTimeout time.Duration `validate:"gt=0"`
	// Currencies maps accepted aliases to gateway currency codes
	Currencies map[string]string
}

// FiatConfig configures the card gateway
type FiatConfig struct {
	GatewayURL        string `validate:"omitempty,url"`
	WebhookSecret     string
	PICodeOneTime     string
	PICodeRecurring   string
	Currency          string `validate:"required,len=3"`
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	AllowedIPPrefixes []string
}

// PayoutConfigured reports whether automated payouts can authenticate
func (c *NowPaymentsConfig) PayoutConfigured() bool {
	return c.PayoutEmail != "" && c.PayoutPassword != ""
}

func Load() (*Config, error) {
	// Build DATABASE_URL from components
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "payrecon")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbName := getEnv("DB_NAME", "payrecon")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode,
	)

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),
		BaseURL:        strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),

		DatabaseURL:   databaseURL,
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		RedisURL: getEnv("REDIS_URL", ""),

		MailerSendAPIKey:    getEnv("MAILERSEND_API_KEY", ""),
		MailerSendFromEmail: getEnv("MAILERSEND_FROM_EMAIL", "noreply@payrecon.local"),
		MailerSendFromName:  getEnv("MAILERSEND_FROM_NAME", "Payments"),
		OpsAlertEmail:       getEnv("OPS_ALERT_EMAIL", ""),

		ReviewSweepInterval: parseDuration(getEnv("REVIEW_SWEEP_INTERVAL", "15m"), 15*time.Minute),
		GatewaysFile:        getEnv("GATEWAYS_FILE", ""),

		NowPayments: NowPaymentsConfig{
			APIURL:          strings.TrimRight(getEnv("NOWPAYMENTS_API_URL", "https://api.nowpayments.io"), "/"),
			APIKey:          getEnv("NOWPAYMENTS_API_KEY", ""),
			IPNSecret:       getEnv("NOWPAYMENTS_IPN_SECRET", ""),
			PayoutEmail:     getEnv("NOWPAYMENTS_PAYOUT_EMAIL", ""),
			PayoutPassword:  getEnv("NOWPAYMENTS_PAYOUT_PASSWORD", ""),
			PayoutCurrency:  strings.ToLower(getEnv("NOWPAYMENTS_PAYOUT_CURRENCY", "usdttrc20")),
			Timeout:         parseDuration(getEnv("NOWPAYMENTS_TIMEOUT", "15s"), 15*time.Second),
			MinCheckTimeout: parseDuration(getEnv("NOWPAYMENTS_MIN_CHECK_TIMEOUT", "3s"), 3*time.Second),
			Currencies:      DefaultCurrencies(),
		},

		Fiat: FiatConfig{
			GatewayURL:        getEnv("FIAT_GATEWAY_URL", ""),
			WebhookSecret:     getEnv("FIAT_WEBHOOK_SECRET", ""),
			PICodeOneTime:     getEnv("FIAT_PI_CODE_ONETIME", ""),
			PICodeRecurring:   getEnv("FIAT_PI_CODE_RECURRING", ""),
			Currency:          strings.ToUpper(getEnv("FIAT_CURRENCY", "USD")),
			MinAmount:         parseDecimal(getEnv("FIAT_MIN_AMOUNT", "3.00"), decimal.RequireFromString("3.00")),
			MaxAmount:         parseDecimal(getEnv("FIAT_MAX_AMOUNT", "500.00"), decimal.RequireFromString("500.00")),
			AllowedIPPrefixes: getEnvSlice("FIAT_ALLOWED_IP_PREFIXES", nil),
		},
	}

	if cfg.GatewaysFile != "" {
		if err := cfg.applyGatewaysFile(cfg.GatewaysFile); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Fiat.MinAmount.IsPositive() || c.Fiat.MaxAmount.LessThan(c.Fiat.MinAmount) {
		return fmt.Errorf("invalid configuration: fiat amount band %s..%s", c.Fiat.MinAmount, c.Fiat.MaxAmount)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func parseDecimal(value string, defaultValue decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return defaultValue
	}
	return d
}
