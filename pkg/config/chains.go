// Copyright 2025 OTC Protocol
//
// Per-chain configuration loaded from a YAML file.
// One entry per supported chain; the plugin layer turns each entry into a
// live chain plugin.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chain platform identifiers
const (
	PlatformEVM  = "evm"
	PlatformUTXO = "utxo"
)

// TokenConfig describes one token the chain supports
type TokenConfig struct {
	// Symbol is the asset code (e.g. "USDT")
	Symbol string `yaml:"symbol"`

	// Contract is the token contract address
	Contract string `yaml:"contract"`

	// Decimals is the token's base-unit precision
	Decimals int32 `yaml:"decimals"`

	// Stablecoin marks tokens usable for gas reimbursement
	Stablecoin bool `yaml:"stablecoin"`
}

// ChainConfig holds configuration for a single chain
type ChainConfig struct {
	// Name is the chain identifier referenced by deals (e.g. "ethereum")
	Name string `yaml:"name"`

	// Platform selects the plugin implementation: evm | utxo
	Platform string `yaml:"platform"`

	// RPC is the node endpoint URL
	RPC string `yaml:"rpc"`

	// RPCUser/RPCPass authenticate UTXO node RPC
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// ChainID is the numeric chain id (EVM)
	ChainID int64 `yaml:"chain_id,omitempty"`

	// BrokerContract is the shared broker contract address (EVM)
	BrokerContract string `yaml:"broker_contract,omitempty"`

	// FeeRecipient receives protocol fees on settlement
	FeeRecipient string `yaml:"fee_recipient,omitempty"`

	// OperatorKeyIndex derives the operator signing key from the hot seed
	OperatorKeyIndex uint32 `yaml:"operator_key_index"`

	// TankKeyIndex derives the gas tank wallet key
	TankKeyIndex uint32 `yaml:"tank_key_index"`

	// CoinType is the BIP44 coin type used for derivation
	CoinType uint32 `yaml:"coin_type"`

	// Confirmations required for outbound transaction finality
	Confirmations int `yaml:"confirmations"`

	// CollectConfirmations required before a deposit counts as funded
	CollectConfirmations int `yaml:"collect_confirmations"`

	// ExplorerAPIKey authenticates block-explorer bulk APIs
	ExplorerAPIKey string `yaml:"explorer_api_key,omitempty"`

	// ExplorerURL is the block-explorer API base (price oracle source)
	ExplorerURL string `yaml:"explorer_url,omitempty"`

	// GasCeilingGwei is the circuit-breaker gas price ceiling
	GasCeilingGwei int64 `yaml:"gas_ceiling_gwei,omitempty"`

	// MinRefundThreshold suppresses dust gas refunds (native units)
	MinRefundThreshold string `yaml:"min_refund_threshold,omitempty"`

	// GasFloor is the minimum gas funding amount (native units)
	GasFloor string `yaml:"gas_floor,omitempty"`

	// DepositScanBlocks bounds the log-scan window for ERC-20 deposits
	DepositScanBlocks int64 `yaml:"deposit_scan_blocks,omitempty"`

	// CoinbaseMaturity is the vesting height threshold (UTXO chains)
	CoinbaseMaturity int64 `yaml:"coinbase_maturity,omitempty"`

	// Tokens is the chain's token registry
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// Token looks up a token by symbol (case-insensitive) or contract address
func (c *ChainConfig) Token(symbolOrContract string) (*TokenConfig, bool) {
	for i := range c.Tokens {
		t := &c.Tokens[i]
		if strings.EqualFold(t.Symbol, symbolOrContract) ||
			strings.EqualFold(t.Contract, symbolOrContract) {
			return t, true
		}
	}
	return nil, false
}

// ChainsConfig is the root of the chains YAML file
type ChainsConfig struct {
	Chains []ChainConfig `yaml:"chains"`
}

// Chain looks up a chain configuration by name
func (c *ChainsConfig) Chain(name string) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].Name == name {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

// LoadChains reads and validates the per-chain configuration file
func LoadChains(path string) (*ChainsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains config: %w", err)
	}

	cfg := &ChainsConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse chains config: %w", err)
	}

	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("chains config %s defines no chains", path)
	}

	seen := make(map[string]bool)
	for i := range cfg.Chains {
		ch := &cfg.Chains[i]
		if ch.Name == "" {
			return nil, fmt.Errorf("chain %d has no name", i)
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("duplicate chain name %q", ch.Name)
		}
		seen[ch.Name] = true

		switch ch.Platform {
		case PlatformEVM, PlatformUTXO:
		default:
			return nil, fmt.Errorf("chain %s: unknown platform %q", ch.Name, ch.Platform)
		}
		if ch.RPC == "" {
			return nil, fmt.Errorf("chain %s: rpc endpoint is required", ch.Name)
		}
		if ch.Confirmations <= 0 {
			ch.Confirmations = 12
		}
		if ch.CollectConfirmations <= 0 {
			ch.CollectConfirmations = ch.Confirmations
		}
		if ch.DepositScanBlocks <= 0 {
			ch.DepositScanBlocks = 5000
		}
	}

	return cfg, nil
}
