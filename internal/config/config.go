// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Ledger network settings
	RPCURL        string
	ChainID       int64
	Network       string // Network identifier reported in transaction refs, e.g. "testnet"
	VaultContract string // Escrow vault contract address

	// Default asset for new contracts
	AssetCode     string
	AssetIssuer   string
	AssetDecimals int

	// Platform settings
	PlatformFeeBps  int64  // Default platform fee in basis points
	PlatformAddress string // Account receiving platform fees

	// Engine policy
	SettlementTimeout      time.Duration // Upper bound for a sign+submit+settle round trip
	RequireCompletionProof bool          // Record milestone completion as an on-chain attestation

	// Local dev signer (optional; production uses the external wallet)
	SignerKey string // Hex-encoded ECDSA key, no 0x prefix

	// Security
	WebhookSecret string
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string
}

// Testnet defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultNetwork      = "testnet"
	DefaultAssetCode    = "USDC"
	DefaultAssetIssuer  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultVault        = "0x52908400098527886E0F7030069857D2E4169EE7" // Testnet escrow vault
	DefaultAssetDec     = 6
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFeeBps       = 50 // 0.5%
	DefaultRateLimit    = 100
	DefaultSettleWindow = 90 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		Network:                getEnv("NETWORK", DefaultNetwork),
		VaultContract:          getEnv("VAULT_CONTRACT", DefaultVault),
		AssetCode:              getEnv("ASSET_CODE", DefaultAssetCode),
		AssetIssuer:            getEnv("ASSET_ISSUER", DefaultAssetIssuer),
		AssetDecimals:          int(getEnvInt64("ASSET_DECIMALS", DefaultAssetDec)),
		PlatformFeeBps:         getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		PlatformAddress:        os.Getenv("PLATFORM_ADDRESS"),
		SettlementTimeout:      getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettleWindow),
		RequireCompletionProof: getEnvBool("REQUIRE_COMPLETION_PROOF", false),
		SignerKey:              os.Getenv("SIGNER_KEY"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.AssetCode == "" {
		return fmt.Errorf("ASSET_CODE is required")
	}
	if c.AssetDecimals < 0 || c.AssetDecimals > 18 {
		return fmt.Errorf("ASSET_DECIMALS must be between 0 and 18")
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.SignerKey != "" {
		key := c.SignerKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.SettlementTimeout <= 0 {
		return fmt.Errorf("SETTLEMENT_TIMEOUT must be positive")
	}
	if len(c.VaultContract) != 42 || c.VaultContract[:2] != "0x" {
		return fmt.Errorf("VAULT_CONTRACT must be a 0x-prefixed address")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
