// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Dispute deadlines
	ResponseWindow    time.Duration // respondent's window to reply before auto-escalation
	NegotiationWindow time.Duration // negotiation window before forced arbitration
	SweepInterval     time.Duration // deadline sweep cadence

	// Money
	ArbitrationFee int64  // per-party arbitration fee in minor units
	Currency       string // ISO 4217 code for fees and settlements

	// Settlement delivery
	SettlementURL    string // payout endpoint receiving settlement instructions
	SettlementSecret string // HMAC secret signing settlement deliveries

	// Orders API (the marketplace serving order snapshots)
	OrdersAPIURL string
	OrdersAPIKey string

	// Stripe (arbitration fee verification; demo mode if unset)
	StripeSecretKey string

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP trace collector (optional)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultResponseWindow    = 5 * 24 * time.Hour
	DefaultNegotiationWindow = 7 * 24 * time.Hour
	DefaultSweepInterval     = 30 * time.Second
	DefaultArbitrationFee    = 2500 // minor units
	DefaultCurrency          = "GBP"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ResponseWindow:    getEnvDuration("RESPONSE_WINDOW", DefaultResponseWindow),
		NegotiationWindow: getEnvDuration("NEGOTIATION_WINDOW", DefaultNegotiationWindow),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ArbitrationFee:    getEnvInt64("ARBITRATION_FEE", DefaultArbitrationFee),
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		SettlementURL:     os.Getenv("SETTLEMENT_URL"),
		SettlementSecret:  os.Getenv("SETTLEMENT_SECRET"),
		OrdersAPIURL:      os.Getenv("ORDERS_API_URL"),
		OrdersAPIKey:      os.Getenv("ORDERS_API_KEY"),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ResponseWindow <= 0 {
		return fmt.Errorf("RESPONSE_WINDOW must be positive")
	}
	if c.NegotiationWindow <= 0 {
		return fmt.Errorf("NEGOTIATION_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ArbitrationFee < 0 {
		return fmt.Errorf("ARBITRATION_FEE must not be negative")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO 4217 code")
	}

	if c.SettlementURL != "" {
		u, err := url.Parse(c.SettlementURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("SETTLEMENT_URL must be an http(s) URL")
		}
		if c.SettlementSecret == "" {
			return fmt.Errorf("SETTLEMENT_SECRET is required when SETTLEMENT_URL is set")
		}
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.OrdersAPIURL == "" {
			return fmt.Errorf("ORDERS_API_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
