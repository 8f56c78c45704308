// Copyright 2025 OTC Protocol
//
// Configuration for the swap broker engine.
// Process-level settings come from environment variables; per-chain
// settings come from a YAML file referenced by CHAINS_CONFIG_PATH.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Database Configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Operator identity; used as the lease holder id
	OperatorID string

	// HotWalletSeed is a BIP39 mnemonic or hex seed. Never logged.
	HotWalletSeed string

	// ChainsConfigPath points at the per-chain YAML configuration
	ChainsConfigPath string

	// Deal Engine
	EngineTickInterval time.Duration
	DealTimeout        time.Duration

	// Queue Dispatcher
	DispatchInterval   time.Duration
	DispatchFanout     int
	StallWindow        time.Duration
	GasBumpFactor      float64
	MaxGasBumpAttempts int

	// Recovery Manager
	RecoveryInterval         time.Duration
	RecoveryLeaseTTL         time.Duration
	StuckThreshold           time.Duration
	FailedTxThreshold        time.Duration
	MaxRecoveryAttempts      int
	ApprovalLockWindow       time.Duration
	AllowanceRecheckInterval time.Duration

	// Gas price oracle
	GasPriceCacheTTL time.Duration

	// Txid Resolver
	ResolverInterval        time.Duration
	ResolverWindowSpan      int64
	ResolverMaxAttempts     int
	ResolverAmountTolerance string // fraction, decimal string (0.0001 = 0.01%)

	// Vesting Tracer
	VestingMaxDepth int

	LogLevel string
}

// Load reads configuration from environment variables.
//
// SECURITY: DATABASE_URL and HOT_WALLET_SEED are required and have no
// defaults. Call Validate() after Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		OperatorID:       getEnv("OPERATOR_ID", "broker-default"),
		HotWalletSeed:    getEnv("HOT_WALLET_SEED", ""),
		ChainsConfigPath: getEnv("CHAINS_CONFIG_PATH", "./chains.yaml"),

		EngineTickInterval: getEnvDuration("ENGINE_TICK_INTERVAL", 15*time.Second),
		DealTimeout:        getEnvDuration("DEAL_TIMEOUT", 24*time.Hour),

		DispatchInterval:   getEnvDuration("DISPATCH_INTERVAL", 10*time.Second),
		DispatchFanout:     getEnvInt("DISPATCH_FANOUT", 8),
		StallWindow:        getEnvDuration("STALL_WINDOW", 3*time.Minute),
		GasBumpFactor:      getEnvFloat("GAS_BUMP_FACTOR", 1.25),
		MaxGasBumpAttempts: getEnvInt("MAX_GAS_BUMP_ATTEMPTS", 5),

		RecoveryInterval:         getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		RecoveryLeaseTTL:         getEnvDuration("RECOVERY_LEASE_TTL", 45*time.Second),
		StuckThreshold:           getEnvDuration("STUCK_THRESHOLD", 5*time.Minute),
		FailedTxThreshold:        getEnvDuration("FAILED_TX_THRESHOLD", 10*time.Minute),
		MaxRecoveryAttempts:      getEnvInt("MAX_RECOVERY_ATTEMPTS", 5),
		ApprovalLockWindow:       getEnvDuration("APPROVAL_LOCK_WINDOW", 30*time.Minute),
		AllowanceRecheckInterval: getEnvDuration("ALLOWANCE_RECHECK_INTERVAL", 10*time.Minute),

		GasPriceCacheTTL: getEnvDuration("GAS_PRICE_CACHE_TTL", 30*time.Second),

		ResolverInterval:        getEnvDuration("RESOLVER_INTERVAL", 2*time.Minute),
		ResolverWindowSpan:      getEnvInt64("RESOLVER_WINDOW_SPAN", 1000),
		ResolverMaxAttempts:     getEnvInt("RESOLVER_MAX_ATTEMPTS", 5),
		ResolverAmountTolerance: getEnv("RESOLVER_AMOUNT_TOLERANCE", "0.0001"),

		VestingMaxDepth: getEnvInt("VESTING_MAX_DEPTH", 64),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errors []string

	if c.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required but not set")
	}
	if c.HotWalletSeed == "" {
		errors = append(errors, "HOT_WALLET_SEED is required but not set")
	}
	if c.ChainsConfigPath == "" {
		errors = append(errors, "CHAINS_CONFIG_PATH is required but not set")
	}
	if c.DispatchFanout <= 0 {
		errors = append(errors, "DISPATCH_FANOUT must be positive")
	}
	if c.GasBumpFactor <= 1.0 {
		errors = append(errors, "GAS_BUMP_FACTOR must be greater than 1.0")
	}
	if c.MaxRecoveryAttempts <= 0 {
		errors = append(errors, "MAX_RECOVERY_ATTEMPTS must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
