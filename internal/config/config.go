// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig holds per-settlement-chain connection settings.
//
// For each chain listed in CHAINS, settings are read from env vars prefixed
// with the chain key: the chain name uppercased with dashes replaced by
// underscores (e.g. "base-sepolia" → BASE_SEPOLIA_RPC_URL).
type ChainConfig struct {
	Name           string // chain name, e.g. "base-sepolia"
	RPCURL         string
	ChainID        int64
	USDCContract   string // ERC-20 asset settled on this chain
	EscrowContract string // settlement contract receiving deposits and executing debits
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	PrivateKey string // Hex-encoded signing key for outgoing settlement txs
	Chains     []ChainConfig

	// Payment settings
	DefaultPrice     string        // Default tool price in USDC (e.g., "0.001")
	ChallengeTTL     time.Duration // How long an x402 challenge stays redeemable
	DefaultChain     string        // Chain used when a request doesn't name one
	ConfirmTimeout   time.Duration // Max wait for on-chain confirmation
	SettleInterval   time.Duration // Wall-clock settlement trigger
	SettleThreshold  int           // Pending-record count trigger
	SettleBatchLimit int           // Max records drained per run
	SettleAttempts   int           // On-chain submission attempts per group

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultChainName    = "base-sepolia"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultPrice        = "0.001"
)

// Settlement defaults
const (
	DefaultChallengeTTL     = 5 * time.Minute
	DefaultConfirmTimeout   = 30 * time.Second
	DefaultSettleInterval   = 5 * time.Minute
	DefaultSettleThreshold  = 50
	DefaultSettleBatchLimit = 500
	DefaultSettleAttempts   = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PrivateKey:       os.Getenv("PRIVATE_KEY"),  // Required, no default
		DefaultPrice:     getEnv("DEFAULT_PRICE", DefaultPrice),
		ChallengeTTL:     getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL),
		ConfirmTimeout:   getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		SettleInterval:   getEnvDuration("SETTLE_INTERVAL", DefaultSettleInterval),
		SettleThreshold:  getEnvInt("SETTLE_THRESHOLD", DefaultSettleThreshold),
		SettleBatchLimit: getEnvInt("SETTLE_BATCH_LIMIT", DefaultSettleBatchLimit),
		SettleAttempts:   getEnvInt("SETTLE_ATTEMPTS", DefaultSettleAttempts),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.Chains = loadChains()
	cfg.DefaultChain = getEnv("DEFAULT_CHAIN", cfg.Chains[0].Name)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadChains reads the CHAINS list and per-chain settings. When CHAINS is
// unset, a single Base Sepolia chain is configured from the flat defaults.
func loadChains() []ChainConfig {
	names := strings.Split(getEnv("CHAINS", DefaultChainName), ",")

	var chains []ChainConfig
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		key := envKey(name)
		chains = append(chains, ChainConfig{
			Name:           name,
			RPCURL:         getEnv(key+"_RPC_URL", DefaultRPCURL),
			ChainID:        getEnvInt64(key+"_CHAIN_ID", DefaultChainID),
			USDCContract:   getEnv(key+"_USDC_CONTRACT", DefaultUSDCContract),
			EscrowContract: os.Getenv(key + "_ESCROW_CONTRACT"),
		})
	}
	if len(chains) == 0 {
		chains = append(chains, ChainConfig{
			Name:         DefaultChainName,
			RPCURL:       DefaultRPCURL,
			ChainID:      DefaultChainID,
			USDCContract: DefaultUSDCContract,
		})
	}
	return chains
}

// envKey converts a chain name to its env var prefix ("base-sepolia" → "BASE_SEPOLIA").
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	seen := make(map[string]bool)
	for _, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %s: RPC URL is required", ch.Name)
		}
		if ch.ChainID == 0 {
			return fmt.Errorf("chain %s: chain ID is required", ch.Name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("chain %s listed twice in CHAINS", ch.Name)
		}
		seen[ch.Name] = true
	}
	if !seen[c.DefaultChain] {
		return fmt.Errorf("DEFAULT_CHAIN %s is not in CHAINS", c.DefaultChain)
	}

	if c.SettleThreshold <= 0 {
		return fmt.Errorf("SETTLE_THRESHOLD must be positive")
	}
	if c.SettleBatchLimit <= 0 {
		return fmt.Errorf("SETTLE_BATCH_LIMIT must be positive")
	}

	return nil
}

// Chain returns the configuration for the named chain, if present.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
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

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
