// Copyright 2025 OTC Protocol
//
// Recovery manager tests: lease exclusivity, stuck-item resurrection with
// bounded attempts, suspect-submitted reconciliation, gas funding and the
// atomic gas-refund pair.

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain/chaintest"
	"github.com/otcprotocol/broker/pkg/config"
	"github.com/otcprotocol/broker/pkg/database"
)

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type memLeases struct {
	held     map[string]*database.Lease
	acquired int
}

func newMemLeases() *memLeases {
	return &memLeases{held: make(map[string]*database.Lease)}
}

func (l *memLeases) Acquire(ctx context.Context, leaseType, holderID string, ttl time.Duration) (*database.Lease, error) {
	if lease, ok := l.held[leaseType]; ok &&
		lease.HolderID != holderID && lease.ExpiresAt.After(time.Now()) {
		return nil, database.ErrLeaseHeld
	}
	lease := &database.Lease{Type: leaseType, HolderID: holderID, ExpiresAt: time.Now().Add(ttl)}
	l.held[leaseType] = lease
	l.acquired++
	return lease, nil
}

func (l *memLeases) Release(ctx context.Context, leaseType, holderID string) error {
	if lease, ok := l.held[leaseType]; ok && lease.HolderID == holderID {
		delete(l.held, leaseType)
	}
	return nil
}

type memRecoveryQueue struct {
	items []*database.QueueItem
}

func (q *memRecoveryQueue) byID(id uuid.UUID) *database.QueueItem {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (q *memRecoveryQueue) GetStuckPending(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*database.QueueItem, error) {
	var out []*database.QueueItem
	for _, item := range q.items {
		if item.Status == database.StatusPending && item.SubmittedTx == "" &&
			item.CreatedAt.Before(cutoff) && item.RecoveryAttempts < maxAttempts {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memRecoveryQueue) GetSuspectSubmitted(ctx context.Context, cutoff time.Time) ([]*database.QueueItem, error) {
	var out []*database.QueueItem
	for _, item := range q.items {
		if item.Status == database.StatusSubmitted &&
			item.LastSubmitAt != nil && item.LastSubmitAt.Before(cutoff) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memRecoveryQueue) GetConfirmedApprovals(ctx context.Context, cutoff time.Time) ([]*database.QueueItem, error) {
	var out []*database.QueueItem
	for _, item := range q.items {
		if item.Purpose == database.PurposeApproveBroker &&
			item.Status == database.StatusConfirmed &&
			item.ConfirmedAt != nil && item.ConfirmedAt.Before(cutoff) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memRecoveryQueue) CountOpenBrokerOps(ctx context.Context, chainName, escrowAddr string) (int64, error) {
	var n int64
	for _, item := range q.items {
		if item.Chain == chainName && item.FromAddr == escrowAddr &&
			item.Open() && item.Purpose.BrokerOperation() {
			n++
		}
	}
	return n, nil
}

func (q *memRecoveryQueue) CountOpenByPurpose(ctx context.Context, chainName string, purpose database.QueuePurpose, toAddr string) (int64, error) {
	var n int64
	for _, item := range q.items {
		if item.Chain == chainName && item.Purpose == purpose &&
			item.ToAddr == toAddr && item.Open() {
			n++
		}
	}
	return n, nil
}

func (q *memRecoveryQueue) IncrementRecoveryAttempts(ctx context.Context, itemID uuid.UUID) error {
	item := q.byID(itemID)
	item.RecoveryAttempts++
	now := time.Now()
	item.LastRecoveryAt = &now
	return nil
}

func (q *memRecoveryQueue) TouchRecovery(ctx context.Context, itemID uuid.UUID) error {
	now := time.Now()
	q.byID(itemID).LastRecoveryAt = &now
	return nil
}

func (q *memRecoveryQueue) MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	item := q.byID(itemID)
	item.Status = database.StatusFailed
	item.RecoveryError = reason
	return nil
}

func (q *memRecoveryQueue) MarkConfirmed(ctx context.Context, itemID uuid.UUID) error {
	now := time.Now()
	item := q.byID(itemID)
	item.Status = database.StatusConfirmed
	item.ConfirmedAt = &now
	return nil
}

func (q *memRecoveryQueue) ResetToPending(ctx context.Context, itemID uuid.UUID, recoveryError string) error {
	item := q.byID(itemID)
	item.Status = database.StatusPending
	item.SubmittedTx = ""
	item.RecoveryError = recoveryError
	return nil
}

func (q *memRecoveryQueue) NextSeq(ctx context.Context, dealID uuid.UUID, chainName string) (int, error) {
	max := 0
	for _, item := range q.items {
		if item.DealID == dealID && item.Chain == chainName && item.Seq > max {
			max = item.Seq
		}
	}
	return max + 1, nil
}

func (q *memRecoveryQueue) CreateItem(ctx context.Context, item *database.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Status = database.StatusPending
	item.CreatedAt = time.Now()
	q.items = append(q.items, item)
	return nil
}

type memDeals struct {
	deals []*database.Deal
}

func (d *memDeals) GetActiveDeals(ctx context.Context) ([]*database.Deal, error) {
	return d.deals, nil
}

type memAudit struct {
	entries []*database.RecoveryLogEntry
}

func (a *memAudit) AppendLog(ctx context.Context, entry *database.RecoveryLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) LastActionAt(ctx context.Context, action, chainName, target string) (time.Time, error) {
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if e.Action == action && e.Chain == chainName && e.Target == target {
			return e.CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

func (a *memAudit) byAction(action string) []*database.RecoveryLogEntry {
	var out []*database.RecoveryLogEntry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type memRefunds struct {
	refunds []*database.GasRefund
	queue   *memRecoveryQueue
}

func (r *memRefunds) CreateGasRefundWithItem(ctx context.Context, refund *database.GasRefund, item *database.QueueItem) error {
	if err := r.queue.CreateItem(ctx, item); err != nil {
		return err
	}
	refund.ID = uuid.New()
	refund.QueueItemID = uuid.NullUUID{UUID: item.ID, Valid: true}
	r.refunds = append(r.refunds, refund)
	return nil
}

func (r *memRefunds) GetGasRefund(ctx context.Context, chainName, escrowAddr, approvalTxHash string) (*database.GasRefund, error) {
	for _, refund := range r.refunds {
		if refund.Chain == chainName && refund.EscrowAddress == escrowAddr &&
			refund.ApprovalTxHash == approvalTxHash {
			return refund, nil
		}
	}
	return nil, database.ErrGasRefundNotFound
}

// ============================================================================
// FIXTURES
// ============================================================================

type fixture struct {
	leases  *memLeases
	queue   *memRecoveryQueue
	deals   *memDeals
	audit   *memAudit
	refunds *memRefunds
	eth     *chaintest.FakePlugin
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		leases: newMemLeases(),
		queue:  &memRecoveryQueue{},
		deals:  &memDeals{},
		audit:  &memAudit{},
		eth:    chaintest.NewFakePlugin("ethereum"),
	}
	f.refunds = &memRefunds{queue: f.queue}

	chainsCfg := &config.ChainsConfig{Chains: []config.ChainConfig{{
		Name:               "ethereum",
		Platform:           config.PlatformEVM,
		MinRefundThreshold: "0.001",
		GasFloor:           "0.02",
	}}}

	mgr, err := New(f.leases, f.queue, f.deals, f.audit, f.refunds,
		chaintest.NewRegistry(f.eth), chainsCfg, &Config{
			Interval:                 time.Hour,
			LeaseTTL:                 time.Minute,
			HolderID:                 "test-broker",
			StuckThreshold:           5 * time.Minute,
			FailedTxThreshold:        10 * time.Minute,
			MaxRecoveryAttempts:      3,
			ApprovalLockWindow:       30 * time.Minute,
			AllowanceRecheckInterval: 10 * time.Minute,
		}, nil)
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}
	f.mgr = mgr
	return f
}

// ============================================================================
// LEASE
// ============================================================================

func TestCycleSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)

	// Another process holds the global lease
	f.leases.held[database.LeaseRecoveryGlobal] = &database.Lease{
		Type: database.LeaseRecoveryGlobal, HolderID: "other", ExpiresAt: time.Now().Add(time.Minute),
	}

	old := time.Now().Add(-time.Hour)
	item := &database.QueueItem{ID: uuid.New(), Chain: "ethereum", Status: database.StatusPending, CreatedAt: old}
	f.queue.items = append(f.queue.items, item)

	f.mgr.Cycle(context.Background())

	if item.RecoveryAttempts != 0 {
		t.Fatal("cycle ran despite foreign lease")
	}
}

func TestCycleReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.mgr.Cycle(context.Background())
	if _, held := f.leases.held[database.LeaseRecoveryGlobal]; held {
		t.Fatal("lease not released after cycle")
	}
}

// ============================================================================
// PHASE 1: STUCK ITEMS
// ============================================================================

func TestStuckItemRetriedThenFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	item := &database.QueueItem{
		ID: uuid.New(), DealID: uuid.New(), Chain: "ethereum",
		Purpose: database.PurposeSurplusRefund,
		Status:  database.StatusPending, CreatedAt: old,
	}
	f.queue.items = append(f.queue.items, item)

	f.mgr.Cycle(ctx)
	if item.RecoveryAttempts != 1 || item.Status != database.StatusPending {
		t.Fatalf("after cycle 1: attempts=%d status=%s", item.RecoveryAttempts, item.Status)
	}

	f.mgr.Cycle(ctx)
	if item.RecoveryAttempts != 2 {
		t.Fatalf("after cycle 2: attempts=%d", item.RecoveryAttempts)
	}

	// Third attempt exhausts the budget
	f.mgr.Cycle(ctx)
	if item.RecoveryAttempts != 3 {
		t.Fatalf("after cycle 3: attempts=%d", item.RecoveryAttempts)
	}
	if item.Status != database.StatusFailed {
		t.Fatalf("exhausted item status %s, want FAILED", item.Status)
	}

	// Bounded: further cycles never touch it again
	f.mgr.Cycle(ctx)
	if item.RecoveryAttempts != 3 {
		t.Fatalf("failed item still being retried: attempts=%d", item.RecoveryAttempts)
	}
}

func TestStuckBrokerOpGetsApprovalPreflight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dealID := uuid.New()
	escrow, _ := f.eth.DeriveEscrow(dealID, database.SideA)
	f.eth.Balances[escrow.Address] = decimal.NewFromInt(1) // plenty of gas

	old := time.Now().Add(-time.Hour)
	item := &database.QueueItem{
		ID: uuid.New(), DealID: dealID, Chain: "ethereum",
		FromAddr: escrow.Address, TokenAddress: "0xusdt",
		Purpose: database.PurposeBrokerSwap,
		Status:  database.StatusPending, CreatedAt: old,
	}
	f.queue.items = append(f.queue.items, item)

	f.mgr.Cycle(ctx)

	if len(f.eth.ApprovalTxs) != 1 {
		t.Fatalf("expected 1 preflight approval, got %d", len(f.eth.ApprovalTxs))
	}
	if item.RecoveryAttempts != 1 {
		t.Fatalf("item not marked for retry: attempts=%d", item.RecoveryAttempts)
	}
}

// ============================================================================
// PHASE 2: SUSPECT SUBMITTED
// ============================================================================

func TestSuspectSubmittedOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	reorged := &database.QueueItem{
		ID: uuid.New(), Chain: "ethereum", Status: database.StatusSubmitted,
		SubmittedTx: "0xreorged", LastSubmitAt: &old,
	}
	landed := &database.QueueItem{
		ID: uuid.New(), Chain: "ethereum", Status: database.StatusSubmitted,
		SubmittedTx: "0xlanded", LastSubmitAt: &old,
	}
	waiting := &database.QueueItem{
		ID: uuid.New(), Chain: "ethereum", Status: database.StatusSubmitted,
		SubmittedTx: "0xwaiting", LastSubmitAt: &old,
	}
	f.queue.items = append(f.queue.items, reorged, landed, waiting)

	f.eth.Confirmations["0xreorged"] = -1
	f.eth.Confirmations["0xlanded"] = f.eth.Threshold + 1
	f.eth.Confirmations["0xwaiting"] = 0

	f.mgr.Cycle(ctx)

	if reorged.Status != database.StatusPending || reorged.SubmittedTx != "" {
		t.Fatalf("reorged item: %s / %q", reorged.Status, reorged.SubmittedTx)
	}
	if landed.Status != database.StatusConfirmed {
		t.Fatalf("landed item: %s", landed.Status)
	}
	if waiting.Status != database.StatusSubmitted {
		t.Fatalf("waiting item: %s", waiting.Status)
	}
	if waiting.LastRecoveryAt == nil {
		t.Fatal("waiting item not stamped")
	}
}

// ============================================================================
// PHASE 3: ALLOWANCES AND GAS FUNDING
// ============================================================================

func TestMissingAllowanceFundsGasThenApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dealID := uuid.New()
	escrow, _ := f.eth.DeriveEscrow(dealID, database.SideB)
	deal := &database.Deal{
		ID:    dealID,
		Stage: database.StageCollection,
		PartyA: &database.PartySpec{Chain: "ethereum", Asset: "ETH",
			Escrow: &database.EscrowAccountRef{Chain: "ethereum", Address: "0xnative"}},
		PartyB: &database.PartySpec{Chain: "ethereum", Asset: "USDT", TokenAddress: "0xusdt",
			Escrow: escrow},
	}
	f.deals.deals = append(f.deals.deals, deal)

	// Escrow has no gas; the tank is flush
	f.eth.Balances[escrow.Address] = decimal.Zero
	f.eth.Balances[f.eth.Tank] = decimal.NewFromInt(10)

	f.mgr.Cycle(ctx)

	// Cycle 1 queues gas funding; no approval yet
	if len(f.eth.ApprovalTxs) != 0 {
		t.Fatal("approval issued before gas funding landed")
	}
	var funding *database.QueueItem
	for _, item := range f.queue.items {
		if item.Purpose == database.PurposeGasFunding {
			funding = item
		}
	}
	if funding == nil {
		t.Fatal("no gas funding item queued")
	}
	if funding.FromAddr != f.eth.Tank || funding.ToAddr != escrow.Address {
		t.Fatalf("funding %s -> %s", funding.FromAddr, funding.ToAddr)
	}
	// max(floor, 2x estimate): floor 0.02 dominates the 100k-gas estimate
	if funding.Amount != "0.02" {
		t.Fatalf("funding amount %s, want floor 0.02", funding.Amount)
	}

	// Funding lands; the allowance recheck is rate-limited, so clear the
	// audit trail to simulate the interval passing
	funding.Status = database.StatusConfirmed
	f.eth.Balances[escrow.Address] = decimal.RequireFromString("0.02")
	f.audit.entries = nil

	f.mgr.Cycle(ctx)
	if len(f.eth.ApprovalTxs) != 1 {
		t.Fatalf("expected approval after funding, got %d", len(f.eth.ApprovalTxs))
	}
}

func TestLowTankBalanceBails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dealID := uuid.New()
	escrow, _ := f.eth.DeriveEscrow(dealID, database.SideB)
	deal := &database.Deal{
		ID:    dealID,
		Stage: database.StageCollection,
		PartyA: &database.PartySpec{Chain: "ethereum", Asset: "ETH",
			Escrow: &database.EscrowAccountRef{Chain: "ethereum", Address: "0xnative"}},
		PartyB: &database.PartySpec{Chain: "ethereum", Asset: "USDT", TokenAddress: "0xusdt",
			Escrow: escrow},
	}
	f.deals.deals = append(f.deals.deals, deal)

	// Tank cannot cover the funding plus its own transfer
	f.eth.Balances[f.eth.Tank] = decimal.RequireFromString("0.0001")

	f.mgr.Cycle(ctx)

	for _, item := range f.queue.items {
		if item.Purpose == database.PurposeGasFunding {
			t.Fatal("funding queued from a drained tank")
		}
	}
	if len(f.audit.byAction("low_tank_balance")) != 1 {
		t.Fatal("LOW_TANK_BALANCE not audited")
	}
}

// ============================================================================
// PHASE 4: GAS REFUNDS
// ============================================================================

func approvalFixture(f *fixture, escrowAddr string, confirmedAgo time.Duration) *database.QueueItem {
	confirmed := time.Now().Add(-confirmedAgo)
	item := &database.QueueItem{
		ID: uuid.New(), DealID: uuid.New(), Chain: "ethereum",
		FromAddr: escrowAddr, Purpose: database.PurposeApproveBroker,
		Status: database.StatusConfirmed, SubmittedTx: "0xapproval-" + escrowAddr,
		ConfirmedAt: &confirmed,
	}
	f.queue.items = append(f.queue.items, item)
	return item
}

func TestGasRefundAtomicPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvalFixture(f, "0xescrow", time.Hour)
	f.eth.Balances["0xescrow"] = decimal.RequireFromString("0.05")

	f.mgr.Cycle(ctx)

	if len(f.refunds.refunds) != 1 {
		t.Fatalf("expected 1 refund row, got %d", len(f.refunds.refunds))
	}
	refund := f.refunds.refunds[0]
	if !refund.QueueItemID.Valid {
		t.Fatal("refund not linked to a queue item")
	}
	item := f.queue.byID(refund.QueueItemID.UUID)
	if item == nil || item.Purpose != database.PurposeGasRefundToTank {
		t.Fatalf("linked item missing or wrong purpose: %+v", item)
	}
	if item.ToAddr != f.eth.Tank {
		t.Fatalf("refund goes to %s, want tank", item.ToAddr)
	}
	if refund.Status != database.RefundQueued {
		t.Fatalf("refund status %s", refund.Status)
	}

	// A second cycle must not duplicate the pair
	f.mgr.Cycle(ctx)
	if len(f.refunds.refunds) != 1 {
		t.Fatalf("refund duplicated: %d rows", len(f.refunds.refunds))
	}
}

func TestGasRefundBelowThresholdSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvalFixture(f, "0xdust", time.Hour)
	// Balance barely above the transfer cost, below the 0.001 threshold
	f.eth.Balances["0xdust"] = decimal.RequireFromString("0.0015")

	f.mgr.Cycle(ctx)

	if len(f.refunds.refunds) != 0 {
		t.Fatal("dust refund created a row")
	}
	for _, item := range f.queue.items {
		if item.Purpose == database.PurposeGasRefundToTank {
			t.Fatal("dust refund created a queue item")
		}
	}
}

func TestGasRefundWaitsForOpenBrokerOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvalFixture(f, "0xbusy", time.Hour)
	f.eth.Balances["0xbusy"] = decimal.NewFromInt(1)
	f.queue.items = append(f.queue.items, &database.QueueItem{
		ID: uuid.New(), Chain: "ethereum", FromAddr: "0xbusy",
		Purpose: database.PurposeBrokerSwap, Status: database.StatusSubmitted,
	})

	f.mgr.Cycle(ctx)

	if len(f.refunds.refunds) != 0 {
		t.Fatal("refund created while broker ops still open")
	}
}

func TestGasRefundRespectsLockWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Approval confirmed only a minute ago, inside the 30m lock window
	approvalFixture(f, "0xfresh", time.Minute)
	f.eth.Balances["0xfresh"] = decimal.NewFromInt(1)

	f.mgr.Cycle(ctx)

	if len(f.refunds.refunds) != 0 {
		t.Fatal("refund created inside the approval lock window")
	}
}
