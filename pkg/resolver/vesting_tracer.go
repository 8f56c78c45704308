// Copyright 2025 OTC Protocol
//
// Vesting Tracer - classifies UTXOs on coinbase-vesting chains by walking
// parent transactions to their coinbase origin. A UTXO is vested iff the
// coinbase block height is at or below the chain's maturity threshold.
//
// Results cache in memory (LRU) and persist through the vesting store.
// Transient trace errors stay memory-only so the next cycle retries;
// permanent failures (max depth, no inputs) persist to stop retry storms.

package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// ErrPermanentTrace marks structural trace failures that persist
var ErrPermanentTrace = errors.New("permanent trace failure")

// memoryCacheSize bounds the in-process vesting cache
const memoryCacheSize = 4096

// VestingStore persists terminal vesting outcomes
type VestingStore interface {
	GetEntry(ctx context.Context, txid string) (*database.VestingCacheEntry, error)
	UpsertEntry(ctx context.Context, entry *database.VestingCacheEntry) error
}

// VestingTracer classifies UTXOs as vested or unvested
type VestingTracer struct {
	store    VestingStore
	memory   *lru.Cache[string, string]
	maxDepth int
	logger   *log.Logger
}

// NewVestingTracer creates a tracer
func NewVestingTracer(store VestingStore, maxDepth int, logger *log.Logger) (*VestingTracer, error) {
	if store == nil {
		return nil, fmt.Errorf("vesting store cannot be nil")
	}
	if maxDepth <= 0 {
		maxDepth = 64
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[VestingTracer] ", log.LstdFlags)
	}

	memory, err := lru.New[string, string](memoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build memory cache: %w", err)
	}

	return &VestingTracer{
		store:    store,
		memory:   memory,
		maxDepth: maxDepth,
		logger:   logger,
	}, nil
}

// Classify returns the vesting status of a UTXO, tracing its ancestry
// iteratively with capped depth
func (t *VestingTracer) Classify(ctx context.Context, source chain.UTXOSource, txid string) (string, error) {
	if status, ok := t.memory.Get(txid); ok {
		return status, nil
	}

	entry, err := t.store.GetEntry(ctx, txid)
	if err != nil {
		return database.VestingUnknown, err
	}
	if entry != nil && terminalStatus(entry.VestingStatus) {
		t.memory.Add(txid, entry.VestingStatus)
		return entry.VestingStatus, nil
	}

	status, entry, traceErr := t.trace(ctx, source, txid)
	if traceErr != nil {
		if errors.Is(traceErr, ErrPermanentTrace) {
			// Persist so the failure is never re-walked
			if err := t.store.UpsertEntry(ctx, entry); err != nil {
				t.logger.Printf("Failed to persist trace failure for %s: %v", txid, err)
			}
			t.memory.Add(txid, database.VestingTracingFailed)
			return database.VestingTracingFailed, traceErr
		}
		// Transient: stays memory-only and unrecorded
		return database.VestingUnknown, traceErr
	}

	if err := t.store.UpsertEntry(ctx, entry); err != nil {
		t.logger.Printf("Failed to persist vesting entry for %s: %v", txid, err)
	}
	t.memory.Add(txid, status)
	return status, nil
}

// trace walks to the coinbase origin. The entry returned always describes
// the original txid, not the ancestor the walk ended on.
func (t *VestingTracer) trace(ctx context.Context, source chain.UTXOSource, txid string) (string, *database.VestingCacheEntry, error) {
	entry := &database.VestingCacheEntry{
		TxID:     txid,
		TracedAt: time.Now().UTC(),
	}

	current := txid
	for depth := 0; depth < t.maxDepth; depth++ {
		inputs, isCoinbase, blockHeight, err := source.GetTransactionInputs(ctx, current)
		if err != nil {
			return database.VestingUnknown, nil, fmt.Errorf("trace %s at depth %d: %w", txid, depth, err)
		}

		if isCoinbase {
			entry.IsCoinbase = current == txid
			entry.CoinbaseBlockHeight = sql.NullInt64{Int64: blockHeight, Valid: true}
			if blockHeight <= source.CoinbaseMaturityHeight() {
				entry.VestingStatus = database.VestingVested
			} else {
				entry.VestingStatus = database.VestingUnvested
			}
			return entry.VestingStatus, entry, nil
		}

		if len(inputs) == 0 {
			entry.VestingStatus = database.VestingTracingFailed
			entry.ErrorMessage = sql.NullString{String: "transaction has no inputs", Valid: true}
			return entry.VestingStatus, entry, fmt.Errorf("%w: %s has no inputs", ErrPermanentTrace, current)
		}

		entry.ParentTxID = sql.NullString{String: inputs[0].ParentTxID, Valid: true}
		current = inputs[0].ParentTxID
	}

	entry.VestingStatus = database.VestingTracingFailed
	entry.ErrorMessage = sql.NullString{String: fmt.Sprintf("max depth %d exceeded", t.maxDepth), Valid: true}
	return entry.VestingStatus, entry, fmt.Errorf("%w: max depth %d exceeded for %s", ErrPermanentTrace, t.maxDepth, txid)
}

// terminalStatus reports whether a cached status never needs re-tracing
func terminalStatus(status string) bool {
	switch status {
	case database.VestingVested, database.VestingUnvested, database.VestingTracingFailed:
		return true
	default:
		return false
	}
}
