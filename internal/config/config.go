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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port          string
	Env           string // "development", "staging", "production"
	LogLevel      string
	AdvertisedURL string // Public base URL used in offer resource fields

	// Content
	FileDirectory  string // Root directory for streamable segments
	RemoteMediaURL string // Optional upstream base URL; segments proxy from here instead of disk

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Receipts
	ReceiptHMACSecret string // HMAC secret for signing settlement receipts (optional)

	// Payment settings
	Scheme       string // Credit-tab scheme identifier matched by substring
	Network      string // Network name advertised in v1 offers
	NetworkV2    string // CAIP-2 network identifier advertised in v2 offers
	PayTo        string // Recipient address for settled payments
	Asset        string // ERC-20 contract address accepted alongside the native asset
	SegmentPrice string // Price per segment in base units (decimal)

	// On-chain verification
	RPCURL       string
	StrictNative bool // Route the exact scheme on-chain even for ERC-20 assets

	// Facilitator
	FacilitatorURL string
	TabCacheCap    time.Duration // Upper bound on cached tab lifetime
	TabRequestTTL  time.Duration // TTL requested when opening a new tab
}

// Polygon Amoy defaults
const (
	DefaultScheme        = "4mica-credit"
	DefaultNetwork       = "polygon-amoy"
	DefaultNetworkV2     = "eip155:80002"
	DefaultAsset         = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582" // Amoy USDC
	DefaultRPCURL        = "https://rpc-amoy.polygon.technology"
	DefaultPort          = "8402"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFileDirectory = "./media"
	DefaultSegmentPrice  = "100"
	DefaultTabCacheCap   = time.Hour
	DefaultTabRequestTTL = 24 * time.Hour
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
		AdvertisedURL:     os.Getenv("ADVERTISED_URL"), // Optional, derived from Port if not set
		FileDirectory:     getEnv("FILE_DIRECTORY", DefaultFileDirectory),
		RemoteMediaURL:    os.Getenv("REMOTE_MEDIA_URL"), // Optional, serves from disk if not set
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),
		Scheme:            getEnv("X402_SCHEME", DefaultScheme),
		Network:           getEnv("X402_NETWORK", DefaultNetwork),
		NetworkV2:         getEnv("X402_NETWORK_V2", DefaultNetworkV2),
		PayTo:             os.Getenv("X402_PAY_TO"), // Required, no default
		Asset:             getEnv("X402_ASSET", DefaultAsset),
		SegmentPrice:      getEnv("SEGMENT_PRICE", DefaultSegmentPrice),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		StrictNative:      getEnvBool("STRICT_NATIVE", false),
		FacilitatorURL:    os.Getenv("FACILITATOR_URL"), // Required, no default
		TabCacheCap:       getEnvDuration("TAB_CACHE_CAP", DefaultTabCacheCap),
		TabRequestTTL:     getEnvDuration("TAB_REQUEST_TTL", DefaultTabRequestTTL),
	}

	if cfg.AdvertisedURL == "" {
		cfg.AdvertisedURL = "http://localhost:" + cfg.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PayTo == "" {
		return fmt.Errorf("X402_PAY_TO is required")
	}

	// Allow both with and without 0x prefix
	addr := c.PayTo
	if len(addr) == 42 && addr[:2] == "0x" {
		addr = addr[2:]
	}
	if len(addr) != 40 {
		return fmt.Errorf("X402_PAY_TO must be a 40 hex character address (with or without 0x prefix)")
	}

	if c.FacilitatorURL == "" {
		return fmt.Errorf("FACILITATOR_URL is required")
	}

	if _, err := strconv.ParseUint(c.SegmentPrice, 10, 64); err != nil {
		return fmt.Errorf("SEGMENT_PRICE must be a decimal integer in base units")
	}

	if c.RemoteMediaURL != "" && !strings.HasPrefix(c.RemoteMediaURL, "http://") && !strings.HasPrefix(c.RemoteMediaURL, "https://") {
		return fmt.Errorf("REMOTE_MEDIA_URL must be an http or https URL")
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
