// Copyright 2025 OTC Protocol
//
// Txid resolver tests: synthetic deposit resolution, candidate ranking,
// bounded attempts and idempotence.

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/chain/chaintest"
	"github.com/otcprotocol/broker/pkg/database"
)

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type memDeposits struct {
	records map[uuid.UUID]*database.DepositRecord
}

func newMemDeposits() *memDeposits {
	return &memDeposits{records: make(map[uuid.UUID]*database.DepositRecord)}
}

func (m *memDeposits) GetUnresolvedSynthetic(ctx context.Context, maxAttempts, limit int) ([]*database.DepositRecord, error) {
	var out []*database.DepositRecord
	for _, rec := range m.records {
		if rec.Synthetic &&
			(rec.ResolutionStatus == "" || rec.ResolutionStatus == database.ResolutionPending) &&
			rec.ResolutionAttempts < maxAttempts {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDeposits) GetRecentByChain(ctx context.Context, chainName string, limit int) ([]*database.DepositRecord, error) {
	var out []*database.DepositRecord
	for _, rec := range m.records {
		if rec.Chain == chainName && !rec.Synthetic {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDeposits) MarkResolved(ctx context.Context, depositID uuid.UUID, realTxID string, confidence float64) error {
	rec := m.records[depositID]
	rec.OriginalTxID.String = rec.TxID
	rec.OriginalTxID.Valid = true
	rec.TxID = realTxID
	rec.ResolutionStatus = database.ResolutionResolved
	rec.Confidence = confidence
	return nil
}

func (m *memDeposits) MarkResolutionFailed(ctx context.Context, depositID uuid.UUID) error {
	m.records[depositID].ResolutionStatus = database.ResolutionFailed
	return nil
}

func (m *memDeposits) IncrementResolutionAttempts(ctx context.Context, depositID uuid.UUID) error {
	rec := m.records[depositID]
	rec.ResolutionAttempts++
	rec.ResolutionStatus = database.ResolutionPending
	return nil
}

type memAudit struct {
	resolutions []*database.TxidResolution
	vesting     map[string]*database.VestingCacheEntry
}

func newMemAudit() *memAudit {
	return &memAudit{vesting: make(map[string]*database.VestingCacheEntry)}
}

func (m *memAudit) RecordResolution(ctx context.Context, res *database.TxidResolution) error {
	m.resolutions = append(m.resolutions, res)
	return nil
}

func (m *memAudit) GetEntry(ctx context.Context, txid string) (*database.VestingCacheEntry, error) {
	return m.vesting[txid], nil
}

func (m *memAudit) UpsertEntry(ctx context.Context, entry *database.VestingCacheEntry) error {
	m.vesting[entry.TxID] = entry
	return nil
}

// ============================================================================
// FIXTURES
// ============================================================================

func newTestResolver(t *testing.T, deposits *memDeposits, audit *memAudit, plugin chain.Plugin) *Resolver {
	t.Helper()
	tracer, err := NewVestingTracer(audit, 8, nil)
	if err != nil {
		t.Fatalf("tracer construction failed: %v", err)
	}
	r, err := New(deposits, audit, chaintest.NewRegistry(plugin), tracer, &Config{
		Interval:        time.Hour,
		WindowSpan:      1000,
		MaxAttempts:     3,
		AmountTolerance: decimal.RequireFromString("0.0001"),
		BatchLimit:      50,
	})
	if err != nil {
		t.Fatalf("resolver construction failed: %v", err)
	}
	return r
}

func syntheticDeposit(escrow string) *database.DepositRecord {
	return &database.DepositRecord{
		ID:            uuid.New(),
		DealID:        uuid.New(),
		Chain:         "ethereum",
		EscrowAddress: escrow,
		Asset:         "USDT",
		TxID:          database.SyntheticTxPrefix + "0xc21",
		Amount:        "20000",
		BlockHeight:   5000,
		Synthetic:     true,
	}
}

// ============================================================================
// SYNTHETIC RESOLUTION
// ============================================================================

func TestSingleExactMatchResolves(t *testing.T) {
	deposits := newMemDeposits()
	audit := newMemAudit()
	plugin := chaintest.NewFakePlugin("ethereum")

	rec := syntheticDeposit("0xEscrow")
	deposits.records[rec.ID] = rec

	plugin.Events = []chain.TransferEvent{{
		TxHash: "0xreal", To: "0xescrow",
		Amount: decimal.NewFromInt(20000), BlockHeight: 5100, LogIndex: 3,
	}}

	r := newTestResolver(t, deposits, audit, plugin)
	r.Tick(context.Background())

	if rec.TxID != "0xreal" {
		t.Fatalf("txid %s, want 0xreal", rec.TxID)
	}
	if !rec.OriginalTxID.Valid || rec.OriginalTxID.String != database.SyntheticTxPrefix+"0xc21" {
		t.Fatalf("original txid not preserved: %+v", rec.OriginalTxID)
	}
	if rec.ResolutionStatus != database.ResolutionResolved {
		t.Fatalf("status %s", rec.ResolutionStatus)
	}
	if rec.Confidence != 1.0 {
		t.Fatalf("confidence %v, want 1.0", rec.Confidence)
	}
	if len(audit.resolutions) != 1 || !audit.resolutions[0].Resolved {
		t.Fatalf("audit trail wrong: %+v", audit.resolutions)
	}

	// Re-running the resolver is a no-op
	r.Tick(context.Background())
	if rec.TxID != "0xreal" || len(audit.resolutions) != 1 {
		t.Fatal("second run was not a no-op")
	}
}

func TestBestMatchRanking(t *testing.T) {
	deposits := newMemDeposits()
	audit := newMemAudit()
	plugin := chaintest.NewFakePlugin("ethereum")

	rec := syntheticDeposit("0xescrow")
	deposits.records[rec.ID] = rec

	plugin.Events = []chain.TransferEvent{
		// Near match scores below the exact ones
		{TxHash: "0xnear", To: "0xescrow", Amount: decimal.RequireFromString("20000.5"), BlockHeight: 4100},
		// Exact matches tie on confidence; the earlier block wins
		{TxHash: "0xlate", To: "0xescrow", Amount: decimal.NewFromInt(20000), BlockHeight: 5200, LogIndex: 1},
		{TxHash: "0xearly", To: "0xescrow", Amount: decimal.NewFromInt(20000), BlockHeight: 4200, LogIndex: 9},
		// Wrong destination never matches
		{TxHash: "0xelsewhere", To: "0xother", Amount: decimal.NewFromInt(20000), BlockHeight: 4000},
	}

	r := newTestResolver(t, deposits, audit, plugin)
	r.Tick(context.Background())

	if rec.TxID != "0xearly" {
		t.Fatalf("chose %s, want 0xearly", rec.TxID)
	}
}

func TestNearMatchWithinTolerance(t *testing.T) {
	deposits := newMemDeposits()
	audit := newMemAudit()
	plugin := chaintest.NewFakePlugin("ethereum")

	rec := syntheticDeposit("0xescrow")
	deposits.records[rec.ID] = rec

	// 20000 * 0.0001 = 2: within tolerance at 20001, outside at 20003
	plugin.Events = []chain.TransferEvent{{
		TxHash: "0xnear", To: "0xescrow",
		Amount: decimal.RequireFromString("20001"), BlockHeight: 5100,
	}}

	r := newTestResolver(t, deposits, audit, plugin)
	r.Tick(context.Background())

	if rec.ResolutionStatus != database.ResolutionResolved {
		t.Fatalf("near match not resolved: %s", rec.ResolutionStatus)
	}
	if rec.Confidence != 0.9 {
		t.Fatalf("near-match confidence %v, want 0.9", rec.Confidence)
	}
}

func TestResolutionFailsAfterMaxAttempts(t *testing.T) {
	deposits := newMemDeposits()
	audit := newMemAudit()
	plugin := chaintest.NewFakePlugin("ethereum") // no events: nothing matches

	rec := syntheticDeposit("0xescrow")
	deposits.records[rec.ID] = rec

	r := newTestResolver(t, deposits, audit, plugin)
	ctx := context.Background()

	r.Tick(ctx)
	r.Tick(ctx)
	if rec.ResolutionStatus != database.ResolutionPending {
		t.Fatalf("status %s before exhaustion", rec.ResolutionStatus)
	}

	r.Tick(ctx)
	if rec.ResolutionStatus != database.ResolutionFailed {
		t.Fatalf("status %s after %d attempts, want failed", rec.ResolutionStatus, rec.ResolutionAttempts)
	}
	if len(audit.resolutions) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(audit.resolutions))
	}

	// Failed deposits leave the work set
	r.Tick(ctx)
	if rec.ResolutionAttempts != 3 {
		t.Fatalf("failed deposit retried: %d attempts", rec.ResolutionAttempts)
	}
}

// ============================================================================
// VESTING TRACER
// ============================================================================

// fakeUTXOSource exposes a transaction parent graph
type fakeUTXOSource struct {
	// parents maps txid -> first input's parent
	parents map[string]string
	// coinbase maps coinbase txids to their block heights
	coinbase map[string]int64
	maturity int64
	calls    int
}

func (f *fakeUTXOSource) GetTransactionInputs(ctx context.Context, txid string) ([]chain.TxInput, bool, int64, error) {
	f.calls++
	if height, ok := f.coinbase[txid]; ok {
		return nil, true, height, nil
	}
	parent, ok := f.parents[txid]
	if !ok {
		return nil, false, 0, nil // no inputs: structurally broken
	}
	return []chain.TxInput{{ParentTxID: parent}}, false, 0, nil
}

func (f *fakeUTXOSource) CoinbaseMaturityHeight() int64 { return f.maturity }

func TestVestingClassification(t *testing.T) {
	audit := newMemAudit()
	tracer, _ := NewVestingTracer(audit, 8, nil)
	ctx := context.Background()

	source := &fakeUTXOSource{
		parents:  map[string]string{"tx3": "tx2", "tx2": "tx1"},
		coinbase: map[string]int64{"tx1": 100, "cbNew": 900},
		maturity: 500,
	}

	// tx3 -> tx2 -> tx1 (coinbase at height 100 <= 500: vested)
	status, err := tracer.Classify(ctx, source, "tx3")
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if status != database.VestingVested {
		t.Fatalf("status %s, want vested", status)
	}
	entry := audit.vesting["tx3"]
	if entry == nil || entry.CoinbaseBlockHeight.Int64 != 100 {
		t.Fatalf("persisted entry wrong: %+v", entry)
	}
	if entry.IsCoinbase {
		t.Fatal("tx3 is not itself a coinbase")
	}

	// A young coinbase is unvested
	status, err = tracer.Classify(ctx, source, "cbNew")
	if err != nil || status != database.VestingUnvested {
		t.Fatalf("young coinbase: %s, %v", status, err)
	}

	// Cached: a repeat classification does not re-walk
	calls := source.calls
	status, _ = tracer.Classify(ctx, source, "tx3")
	if status != database.VestingVested || source.calls != calls {
		t.Fatalf("cache miss on repeat: calls %d -> %d", calls, source.calls)
	}
}

func TestVestingPermanentFailures(t *testing.T) {
	audit := newMemAudit()
	tracer, _ := NewVestingTracer(audit, 4, nil)
	ctx := context.Background()

	// No inputs and no coinbase flag: structurally broken
	source := &fakeUTXOSource{parents: map[string]string{}, coinbase: map[string]int64{}}
	status, err := tracer.Classify(ctx, source, "orphan")
	if status != database.VestingTracingFailed {
		t.Fatalf("status %s, want tracing_failed", status)
	}
	if err == nil {
		t.Fatal("expected a permanent trace error")
	}
	if audit.vesting["orphan"] == nil {
		t.Fatal("permanent failure not persisted")
	}

	// A chain deeper than maxDepth also fails permanently
	deep := &fakeUTXOSource{parents: map[string]string{}, coinbase: map[string]int64{"root": 1}}
	prev := "root"
	for i := 0; i < 10; i++ {
		name := string(rune('a' + i))
		deep.parents[name] = prev
		prev = name
	}
	status, err = tracer.Classify(ctx, deep, prev)
	if status != database.VestingTracingFailed || err == nil {
		t.Fatalf("deep chain: %s, %v", status, err)
	}

	// Persisted failures are never re-walked
	calls := deep.calls
	status, _ = tracer.Classify(ctx, deep, prev)
	if status != database.VestingTracingFailed || deep.calls != calls {
		t.Fatal("persisted failure was re-traced")
	}
}
