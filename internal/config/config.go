// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	TreasuryKey   string // Hex-encoded private key of the settlement treasury
	TokenContract string // ERC-20 payment token contract address

	// Escrow policy
	EscrowFeePercent  int64         // Platform cut in basis points would be overkill; whole percent
	AutoReleaseWindow time.Duration // Grace window from escrow creation
	DeliveredWindow   time.Duration // Shortened window once seller marks delivered
	MaxDisputeReason  int           // Max length of a dispute reason

	// Settlement
	SettleTimeout     time.Duration // Bounded timeout for a single chain call
	SettleMaxAttempts int           // Retry budget before operator alert
	SweepInterval     time.Duration // Auto-release sweeper tick
	WorkerInterval    time.Duration // Settlement retry/confirmation tick

	// Dispute resolution
	Validators []string // Eligible validator principal IDs, round-robin assigned

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeePercent    = 2
	DefaultReasonMax     = 2000
	DefaultMaxAttempts   = 8
	DefaultAutoRelease   = 7 * 24 * time.Hour
	DefaultDelivered     = 48 * time.Hour
	DefaultSettleTimeout = 30 * time.Second
	DefaultSweep         = 30 * time.Second
	DefaultWorker        = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		TreasuryKey:       os.Getenv("TREASURY_KEY"), // Required, no default
		TokenContract:     os.Getenv("TOKEN_CONTRACT"),
		EscrowFeePercent:  getEnvInt64("ESCROW_FEE_PERCENT", DefaultFeePercent),
		AutoReleaseWindow: getEnvDuration("AUTO_RELEASE_WINDOW", DefaultAutoRelease),
		DeliveredWindow:   getEnvDuration("DELIVERED_WINDOW", DefaultDelivered),
		MaxDisputeReason:  int(getEnvInt64("MAX_DISPUTE_REASON", DefaultReasonMax)),
		SettleTimeout:     getEnvDuration("SETTLE_TIMEOUT", DefaultSettleTimeout),
		SettleMaxAttempts: int(getEnvInt64("SETTLE_MAX_ATTEMPTS", DefaultMaxAttempts)),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweep),
		WorkerInterval:    getEnvDuration("WORKER_INTERVAL", DefaultWorker),
		Validators:        getEnvList("VALIDATORS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.TreasuryKey == "" {
		return fmt.Errorf("TREASURY_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.TreasuryKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("TREASURY_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TokenContract == "" {
		return fmt.Errorf("TOKEN_CONTRACT is required")
	}
	if c.EscrowFeePercent < 0 || c.EscrowFeePercent > 100 {
		return fmt.Errorf("ESCROW_FEE_PERCENT must be between 0 and 100")
	}
	if c.DeliveredWindow > c.AutoReleaseWindow {
		return fmt.Errorf("DELIVERED_WINDOW must not exceed AUTO_RELEASE_WINDOW")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
