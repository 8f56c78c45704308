// Copyright 2025 OTC Protocol
//
// Chain Plugin Interface - uniform capability set over every supported
// blockchain. The engine, dispatcher and recovery manager only ever speak
// to chains through this interface; explorer APIs, log scans and balance
// probes are implementation details behind it.

package chain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/database"
)

// Asset identifies an asset on a chain: a symbol plus the token contract,
// empty for the native asset.
type Asset struct {
	Symbol       string `json:"symbol"`
	TokenAddress string `json:"token_address,omitempty"`
}

// Native reports whether the asset is the chain's native currency
func (a Asset) Native() bool {
	return a.TokenAddress == ""
}

// Deposit is one observed transfer to an escrow address
type Deposit struct {
	// TxID is the transaction hash, or a synthetic identifier when the
	// chain API only returned a balance
	TxID string `json:"txid"`

	// Amount in token units, decimal
	Amount decimal.Decimal `json:"amount"`

	BlockHeight   int64 `json:"block_height"`
	Confirmations int   `json:"confirmations"`

	Synthetic bool `json:"synthetic"`
}

// DepositList is the result of a deposit scan
type DepositList struct {
	Deposits []Deposit `json:"deposits"`

	// TotalConfirmed sums the amounts of deposits at or above the
	// requested confirmation count
	TotalConfirmed decimal.Decimal `json:"total_confirmed"`
}

// TransferEvent is one candidate transfer found while resolving a
// synthetic deposit identifier
type TransferEvent struct {
	TxHash      string          `json:"tx_hash"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	BlockHeight int64           `json:"block_height"`
	LogIndex    uint            `json:"log_index"`
}

// SubmitResult is the outcome of a transaction submission
type SubmitResult struct {
	TxID string `json:"txid"`

	// Nonce and GasPrice capture what the submission used so that a
	// re-submission can bump gas at the same nonce
	Nonce    int64  `json:"nonce"`
	GasPrice string `json:"gas_price,omitempty"` // wei, decimal string
}

// GasQuote is the chain's current gas pricing
type GasQuote struct {
	// Price in the chain's smallest fee unit (wei), decimal
	Price decimal.Decimal `json:"price"`

	QuotedAt time.Time `json:"quoted_at"`
}

// NativeQuote is the USD price of one native token
type NativeQuote struct {
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
}

// Plugin is the uniform capability set every chain exposes.
// Implementations must be safe for concurrent use.
type Plugin interface {
	// Name returns the chain identifier (matches chains.yaml)
	Name() string

	// DeriveEscrow deterministically derives the escrow account for one
	// side of a deal. The same (dealID, side) always yields the same
	// address.
	DeriveEscrow(dealID uuid.UUID, side database.PartySide) (*database.EscrowAccountRef, error)

	// ListConfirmedDeposits returns per-transfer records for the address
	// and the summed balance confirmed to at least minConfirmations.
	// Entries may carry synthetic identifiers when the chain is queried
	// by balance rather than by event.
	ListConfirmedDeposits(ctx context.Context, asset Asset, address string, minConfirmations int) (*DepositList, error)

	// ResolveTransferEvents returns candidate transfers into the address
	// within the block window; used by synthetic txid resolution.
	ResolveTransferEvents(ctx context.Context, asset Asset, address string, fromBlock, toBlock int64) ([]TransferEvent, error)

	// GetTxConfirmations returns the confirmation count of a transaction.
	// Zero means still pending; a negative value means not found, failed
	// or reorged away.
	GetTxConfirmations(ctx context.Context, txid string) (int, error)

	// ConfirmationThreshold returns confirmations required for finality
	ConfirmationThreshold() int

	// CollectThreshold returns confirmations required before a deposit
	// counts toward funding a deal
	CollectThreshold() int

	// Submit signs and broadcasts the queue item's transaction. Given the
	// item's originalNonce and lastGasPrice, a re-submission is idempotent
	// and bumps gas at the same nonce.
	Submit(ctx context.Context, item *database.QueueItem) (*SubmitResult, error)

	// CheckBrokerApproval reports whether the escrow has approved the
	// broker for the token. Non-EVM chains return ErrNotSupported.
	CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error)

	// ApproveBrokerForERC20 issues an ERC-20 approval from the escrow to
	// the broker and returns the transaction hash.
	ApproveBrokerForERC20(ctx context.Context, escrow *database.EscrowAccountRef, tokenAddr string) (string, error)

	// QuoteNativeUSD returns the USD price of one native token
	QuoteNativeUSD(ctx context.Context) (*NativeQuote, error)

	// GasQuote returns the current gas price, honoring the per-chain
	// circuit-breaker ceiling
	GasQuote(ctx context.Context) (*GasQuote, error)

	// NativeBalance returns the native-token balance in token units
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// OperatorAddress returns the operator account on this chain, if any
	OperatorAddress() string

	// TankAddress returns the gas tank wallet on this chain, if any
	TankAddress() string

	// FeeRecipient returns the address protocol fees settle to
	FeeRecipient() string

	// Provider returns the underlying chain client as an opaque handle
	Provider() any
}

// TxInput is one input of a UTXO transaction, used by the vesting tracer
type TxInput struct {
	ParentTxID string `json:"parent_txid"`
	Vout       uint32 `json:"vout"`
}

// UTXOSource is implemented by chains whose UTXO model distinguishes
// vested from unvested coinbase-derived coins. Probed by type assertion.
type UTXOSource interface {
	// GetTransactionInputs returns the inputs of a transaction. A
	// coinbase transaction returns an empty slice and isCoinbase true.
	GetTransactionInputs(ctx context.Context, txid string) (inputs []TxInput, isCoinbase bool, blockHeight int64, err error)

	// CoinbaseMaturityHeight is the height at or below which coinbase
	// outputs count as vested
	CoinbaseMaturityHeight() int64
}

// ReceiptProvider is implemented by chains that can report the gas a
// mined transaction actually used. Probed by type assertion by the gas
// reimbursement calculator.
type ReceiptProvider interface {
	GetTxGasUsed(ctx context.Context, txid string) (uint64, error)
}
