// Copyright 2025 OTC Protocol
//
// Core persisted entities for the swap broker engine:
// deals, deposits, queue items, leases, recovery audit, gas refunds,
// vesting cache and txid resolution audit.

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// DEAL
// ============================================================================

// DealStage is the lifecycle stage of a deal
type DealStage string

const (
	StageDraft      DealStage = "DRAFT"
	StageCollection DealStage = "COLLECTION"
	StageReady      DealStage = "READY"
	StageSwap       DealStage = "SWAP"
	StagePayout     DealStage = "PAYOUT"
	StageClosed     DealStage = "CLOSED"
	StageReverted   DealStage = "REVERTED"
)

// Terminal reports whether the stage is final
func (s DealStage) Terminal() bool {
	return s == StageClosed || s == StageReverted
}

// stageGraph is the allowed transition graph. CLOSED and REVERTED have no
// outgoing edges.
var stageGraph = map[DealStage][]DealStage{
	StageDraft:      {StageCollection},
	StageCollection: {StageReady, StageReverted},
	StageReady:      {StageSwap, StageReverted},
	StageSwap:       {StagePayout},
	StagePayout:     {StageClosed},
}

// CanTransitionTo reports whether stage s may move directly to next
func (s DealStage) CanTransitionTo(next DealStage) bool {
	for _, allowed := range stageGraph[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PartySide identifies one of the two counterparties
type PartySide string

const (
	SideA PartySide = "A"
	SideB PartySide = "B"
)

// EscrowAccountRef is a chain-scoped escrow account plus the derivation
// index the operator signs with. The private key itself is re-derived from
// the hot seed on demand and never persisted.
type EscrowAccountRef struct {
	Chain    string `json:"chain"`
	Address  string `json:"address"`
	KeyIndex uint32 `json:"key_index"`
}

// PartySpec describes one side of a deal
type PartySpec struct {
	// Chain is the chain identifier (e.g. "ethereum", "polygon")
	Chain string `json:"chain"`

	// Asset is the asset symbol (e.g. "ETH", "USDT")
	Asset string `json:"asset"`

	// TokenAddress is the token contract; empty for the native asset
	TokenAddress string `json:"token_address,omitempty"`

	// RefundAddress receives cancelled funds and surplus (the payback address)
	RefundAddress string `json:"refund_address"`

	// RecipientAddress receives the counter-asset on settlement
	RecipientAddress string `json:"recipient_address"`

	// ExpectedAmount is the amount this side must deposit, decimal string
	ExpectedAmount string `json:"expected_amount"`

	// FeeAmount is the protocol fee taken from this side, decimal string
	FeeAmount string `json:"fee_amount"`

	// Escrow is the derived escrow account, set when the deal leaves DRAFT
	Escrow *EscrowAccountRef `json:"escrow,omitempty"`

	// Funded is set once the confirmed balance covers ExpectedAmount
	Funded   bool       `json:"funded"`
	FundedAt *time.Time `json:"funded_at,omitempty"`
}

// Native reports whether this side deals in the chain's native asset
func (p *PartySpec) Native() bool {
	return p.TokenAddress == ""
}

// DealEvent is one entry of a deal's append-only event log
type DealEvent struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// GasReimbursementConfig holds the per-deal gas reimbursement settings and,
// once settled, the computed result
type GasReimbursementConfig struct {
	Enabled    bool                    `json:"enabled"`
	PayingSide PartySide               `json:"paying_side,omitempty"`
	Result     *GasReimbursementResult `json:"result,omitempty"`
}

// GasReimbursementResult is the settled outcome of the reimbursement math
type GasReimbursementResult struct {
	TokenSymbol   string    `json:"token_symbol,omitempty"`
	TokenAmount   string    `json:"token_amount,omitempty"`
	NativeCostWei string    `json:"native_cost_wei,omitempty"`
	NativeUSDRate string    `json:"native_usd_rate,omitempty"`
	OracleSource  string    `json:"oracle_source,omitempty"`
	Skipped       bool      `json:"skipped"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Deal is a single bilateral OTC exchange between parties A and B
type Deal struct {
	ID uuid.UUID `json:"id"`

	Stage DealStage `json:"stage"`

	PartyA *PartySpec `json:"party_a"`
	PartyB *PartySpec `json:"party_b"`

	// Deadline bounds the COLLECTION stage; past it the deal reverts
	Deadline *time.Time `json:"deadline,omitempty"`

	// CancelRequested is set by the RPC surface; honored by the engine
	// while the deal is still cancellable
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// OperatorReview pauses engine transitions after a fatal invariant break
	OperatorReview       bool   `json:"operator_review,omitempty"`
	OperatorReviewReason string `json:"operator_review_reason,omitempty"`

	GasReimbursement *GasReimbursementConfig `json:"gas_reimbursement,omitempty"`

	Events []DealEvent `json:"events,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Party returns the spec for the given side
func (d *Deal) Party(side PartySide) *PartySpec {
	if side == SideA {
		return d.PartyA
	}
	return d.PartyB
}

// Sides enumerates both sides in canonical order
func (d *Deal) Sides() []PartySide {
	return []PartySide{SideA, SideB}
}

// AppendEvent appends a human-readable entry to the deal's event log
func (d *Deal) AppendEvent(format string, args ...interface{}) {
	d.Events = append(d.Events, DealEvent{
		At:      time.Now().UTC(),
		Message: fmt.Sprintf(format, args...),
	})
}

// Transition moves the deal to the next stage, enforcing the stage graph
func (d *Deal) Transition(next DealStage) error {
	if !d.Stage.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Stage, next)
	}
	d.Stage = next
	if next.Terminal() {
		now := time.Now().UTC()
		d.ClosedAt = &now
	}
	return nil
}

// ============================================================================
// DEPOSIT RECORDS
// ============================================================================

// Deposit resolution statuses for synthetic transaction identifiers
const (
	ResolutionNone     = ""
	ResolutionPending  = "pending"
	ResolutionResolved = "resolved"
	ResolutionFailed   = "failed"
)

// SyntheticTxPrefix marks deposit identifiers fabricated from balance
// probes; the txid resolver replaces them with real transaction hashes.
const SyntheticTxPrefix = "erc20-balance-"

// DepositRecord is one observed transfer into an escrow address. Records
// are never deleted; confirmations increase monotonically until the fork
// horizon.
type DepositRecord struct {
	ID            uuid.UUID `json:"id"`
	DealID        uuid.UUID `json:"deal_id"`
	Chain         string    `json:"chain"`
	EscrowAddress string    `json:"escrow_address"`
	Asset         string    `json:"asset"`

	// TxID is the on-chain transaction id, or a synthetic identifier
	TxID string `json:"txid"`

	// OriginalTxID preserves the synthetic id after resolution
	OriginalTxID sql.NullString `json:"original_txid,omitempty"`

	// Amount is a decimal string in token units
	Amount string `json:"amount"`

	BlockHeight   int64 `json:"block_height"`
	Confirmations int   `json:"confirmations"`

	Synthetic          bool    `json:"synthetic"`
	ResolutionStatus   string  `json:"resolution_status,omitempty"`
	ResolutionAttempts int     `json:"resolution_attempts"`
	Confidence         float64 `json:"confidence,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Confirmed reports whether the deposit meets the given threshold
func (r *DepositRecord) Confirmed(threshold int) bool {
	return r.Confirmations >= threshold
}

// ============================================================================
// QUEUE ITEMS
// ============================================================================

// QueuePurpose classifies the on-chain action a queue item performs
type QueuePurpose string

const (
	PurposeApproveBroker   QueuePurpose = "APPROVE_BROKER"
	PurposeBrokerSwap      QueuePurpose = "BROKER_SWAP"
	PurposeBrokerRevert    QueuePurpose = "BROKER_REVERT"
	PurposeBrokerRefund    QueuePurpose = "BROKER_REFUND"
	PurposePhase1Swap      QueuePurpose = "PHASE_1_SWAP"
	PurposeSurplusRefund   QueuePurpose = "SURPLUS_REFUND"
	PurposeGasFunding      QueuePurpose = "GAS_FUNDING"
	PurposeGasRefundToTank QueuePurpose = "GAS_REFUND_TO_TANK"
)

// SettlementOnly reports whether the purpose only applies to a successful
// settlement. These items are cancelled when a deal reverts; approvals are
// kept because the revert path also spends through the broker.
func (p QueuePurpose) SettlementOnly() bool {
	switch p {
	case PurposeBrokerSwap, PurposePhase1Swap, PurposeSurplusRefund:
		return true
	default:
		return false
	}
}

// BrokerOperation reports whether the purpose calls the shared broker
func (p QueuePurpose) BrokerOperation() bool {
	switch p {
	case PurposeBrokerSwap, PurposeBrokerRevert, PurposeBrokerRefund, PurposePhase1Swap:
		return true
	default:
		return false
	}
}

// QueueStatus is the dispatch state of a queue item
type QueueStatus string

const (
	StatusPending   QueueStatus = "PENDING"
	StatusSubmitted QueueStatus = "SUBMITTED"
	StatusConfirmed QueueStatus = "CONFIRMED"
	StatusFailed    QueueStatus = "FAILED"
)

// QueueItem is one outbound chain transaction awaiting dispatch. Items for
// the same (deal, chain) submit in strictly increasing seq order.
type QueueItem struct {
	ID     uuid.UUID `json:"id"`
	DealID uuid.UUID `json:"deal_id"`
	Chain  string    `json:"chain"`

	FromAddr string `json:"from_addr"`
	ToAddr   string `json:"to_addr"`

	// Asset symbol and token contract ("" for native)
	Asset        string `json:"asset"`
	TokenAddress string `json:"token_address,omitempty"`

	// Amount in token units, decimal string
	Amount string `json:"amount"`

	Purpose QueuePurpose `json:"purpose"`
	Seq     int          `json:"seq"`
	Status  QueueStatus  `json:"status"`
	Phase   string       `json:"phase,omitempty"`

	SubmittedTx string     `json:"submitted_tx,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`

	GasBumpAttempts int           `json:"gas_bump_attempts"`
	LastGasPrice    string        `json:"last_gas_price,omitempty"` // wei, decimal string
	OriginalNonce   sql.NullInt64 `json:"original_nonce,omitempty"`
	LastSubmitAt    *time.Time    `json:"last_submit_at,omitempty"`

	RecoveryAttempts int        `json:"recovery_attempts"`
	LastRecoveryAt   *time.Time `json:"last_recovery_at,omitempty"`
	RecoveryError    string     `json:"recovery_error,omitempty"`

	// Broker-operation fields
	Payback      string `json:"payback,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	FeeRecipient string `json:"fee_recipient,omitempty"`
	Fees         string `json:"fees,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Open reports whether the item still needs dispatcher attention
func (q *QueueItem) Open() bool {
	return q.Status == StatusPending || q.Status == StatusSubmitted
}

// ============================================================================
// LEASES
// ============================================================================

// LeaseRecoveryGlobal guards the recovery cycle: at most one manager runs
// across any number of engine processes.
const LeaseRecoveryGlobal = "RECOVERY_GLOBAL"

// Lease coordinates single-writer access to a whole-system operation
type Lease struct {
	Type      string    `json:"type"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ============================================================================
// RECOVERY LOG
// ============================================================================

// RecoveryLogEntry is one audited recovery action. The log is append-only.
type RecoveryLogEntry struct {
	ID      uuid.UUID `json:"id"`
	Type    string    `json:"type"`
	Chain   string    `json:"chain,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"` // escrow address, item id, ...
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// GAS REFUNDS
// ============================================================================

// GasRefundStatus tracks a refund of leftover escrow gas back to the tank
type GasRefundStatus string

const (
	RefundQueued    GasRefundStatus = "QUEUED"
	RefundSubmitted GasRefundStatus = "SUBMITTED"
	RefundConfirmed GasRefundStatus = "CONFIRMED"
	RefundSkipped   GasRefundStatus = "SKIPPED"
)

// GasRefund records the return of unused escrow gas to the tank wallet.
// Created atomically with its linked GAS_REFUND_TO_TANK queue item.
type GasRefund struct {
	ID             uuid.UUID       `json:"id"`
	DealID         uuid.UUID       `json:"deal_id"`
	Chain          string          `json:"chain"`
	EscrowAddress  string          `json:"escrow_address"`
	ApprovalTxHash string          `json:"approval_tx_hash"`
	RefundAmount   string          `json:"refund_amount"`
	Status         GasRefundStatus `json:"status"`
	QueueItemID    uuid.NullUUID   `json:"queue_item_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ============================================================================
// VESTING CACHE
// ============================================================================

// Vesting statuses for coinbase-derived UTXOs
const (
	VestingVested        = "vested"
	VestingUnvested      = "unvested"
	VestingPending       = "pending"
	VestingUnknown       = "unknown"
	VestingTracingFailed = "tracing_failed"
)

// VestingCacheEntry is the persisted result of tracing a UTXO to its
// coinbase origin. Only permanent outcomes are persisted; transient trace
// errors stay memory-only so the next cycle can retry.
type VestingCacheEntry struct {
	TxID                string         `json:"txid"`
	IsCoinbase          bool           `json:"is_coinbase"`
	CoinbaseBlockHeight sql.NullInt64  `json:"coinbase_block_height,omitempty"`
	ParentTxID          sql.NullString `json:"parent_txid,omitempty"`
	VestingStatus       string         `json:"vesting_status"`
	TracedAt            time.Time      `json:"traced_at"`
	ErrorMessage        sql.NullString `json:"error_message,omitempty"`
}

// ============================================================================
// TXID RESOLUTION AUDIT
// ============================================================================

// TxidResolution audits one attempt to replace a synthetic deposit id with
// a real chain transaction hash.
type TxidResolution struct {
	ID             uuid.UUID `json:"id"`
	DepositID      uuid.UUID `json:"deposit_id"`
	SyntheticTxID  string    `json:"synthetic_txid"`
	WindowFrom     int64     `json:"window_from"`
	WindowTo       int64     `json:"window_to"`
	CandidateCount int       `json:"candidate_count"`
	Confidence     float64   `json:"confidence"`
	ChosenTxHash   string    `json:"chosen_tx_hash,omitempty"`
	Resolved       bool      `json:"resolved"`
	CreatedAt      time.Time `json:"created_at"`
}
