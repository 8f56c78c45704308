// Copyright 2025 OTC Protocol
//
// Deal engine tests: stage progression over an in-memory store and fake
// chain plugins, including the native/ERC-20 happy path, cancellation
// before funding, and the partial-fund timeout.

package engine

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
// IN-MEMORY STORE
// ============================================================================

type memStore struct {
	deals    map[uuid.UUID]*database.Deal
	items    []*database.QueueItem
	deposits map[string]*database.DepositRecord
}

func newMemStore() *memStore {
	return &memStore{
		deals:    make(map[uuid.UUID]*database.Deal),
		deposits: make(map[string]*database.DepositRecord),
	}
}

func (s *memStore) GetActiveDeals(ctx context.Context) ([]*database.Deal, error) {
	var out []*database.Deal
	for _, d := range s.deals {
		if !d.Stage.Terminal() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) GetItemsByDeal(ctx context.Context, dealID uuid.UUID) ([]*database.QueueItem, error) {
	var out []*database.QueueItem
	for _, item := range s.items {
		if item.DealID == dealID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memStore) NextSeq(ctx context.Context, dealID uuid.UUID, chainName string) (int, error) {
	max := 0
	for _, item := range s.items {
		if item.DealID == dealID && item.Chain == chainName && item.Seq > max {
			max = item.Seq
		}
	}
	return max + 1, nil
}

func (s *memStore) UpsertDeposit(ctx context.Context, rec *database.DepositRecord) error {
	s.deposits[rec.Chain+"/"+rec.TxID] = rec
	return nil
}

func (s *memStore) SaveDealTransition(ctx context.Context, deal *database.Deal, items []*database.QueueItem) error {
	s.deals[deal.ID] = deal
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Status == "" {
			item.Status = database.StatusPending
		}
		item.CreatedAt = time.Now()
		s.items = append(s.items, item)
	}
	return nil
}

func (s *memStore) SaveDealReversion(ctx context.Context, deal *database.Deal, revertItems []*database.QueueItem) error {
	var kept []*database.QueueItem
	for _, item := range s.items {
		if item.DealID == deal.ID && item.Status == database.StatusPending && item.Purpose.SettlementOnly() {
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	return s.SaveDealTransition(ctx, deal, revertItems)
}

func (s *memStore) confirmAll(dealID uuid.UUID) {
	now := time.Now()
	for _, item := range s.items {
		if item.DealID == dealID && item.Status == database.StatusPending {
			item.Status = database.StatusConfirmed
			item.ConfirmedAt = &now
		}
	}
}

func (s *memStore) itemsByPurpose(dealID uuid.UUID, purpose database.QueuePurpose) []*database.QueueItem {
	var out []*database.QueueItem
	for _, item := range s.items {
		if item.DealID == dealID && item.Purpose == purpose {
			out = append(out, item)
		}
	}
	return out
}

// ============================================================================
// FIXTURES
// ============================================================================

func newTestEngine(t *testing.T, store *memStore, plugins ...chain.Plugin) *Engine {
	t.Helper()
	registry := chaintest.NewRegistry(plugins...)
	calc := NewReimbursementCalculator(registry, nil)
	calc.backoff = time.Millisecond

	eng, err := New(store, store, store, store, registry, calc, &Config{
		TickInterval: time.Hour,
		DealTimeout:  24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return eng
}

// newNativeERC20Deal mirrors the canonical cross-chain deal: 10 ETH on
// ethereum against 20000 USDT on polygon, fees 0.1 ETH / 60 USDT
func newNativeERC20Deal() *database.Deal {
	return &database.Deal{
		ID:    uuid.New(),
		Stage: database.StageDraft,
		PartyA: &database.PartySpec{
			Chain:            "ethereum",
			Asset:            "ETH",
			RefundAddress:    "0xpayback-a",
			RecipientAddress: "0xrecipient-a",
			ExpectedAmount:   "10",
			FeeAmount:        "0.1",
		},
		PartyB: &database.PartySpec{
			Chain:            "polygon",
			Asset:            "USDT",
			TokenAddress:     "0xusdt",
			RefundAddress:    "0xpayback-b",
			RecipientAddress: "0xrecipient-b",
			ExpectedAmount:   "20000",
			FeeAmount:        "60",
		},
		CreatedAt: time.Now(),
	}
}

func fund(plugin *chaintest.FakePlugin, address, amount string) {
	total := decimal.RequireFromString(amount)
	plugin.DepositLists[address] = &chain.DepositList{
		Deposits: []chain.Deposit{{
			TxID:          "0xdeposit-" + address,
			Amount:        total,
			BlockHeight:   100,
			Confirmations: 12,
		}},
		TotalConfirmed: total,
	}
}

// ============================================================================
// HAPPY PATH
// ============================================================================

func TestHappyPathNativeERC20(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	store.deals[deal.ID] = deal

	// DRAFT -> COLLECTION derives both escrows
	eng.Tick(ctx)
	if deal.Stage != database.StageCollection {
		t.Fatalf("expected COLLECTION, got %s", deal.Stage)
	}
	if deal.PartyA.Escrow == nil || deal.PartyB.Escrow == nil {
		t.Fatal("escrows not derived")
	}

	// Unfunded: nothing moves
	eng.Tick(ctx)
	if deal.Stage != database.StageCollection {
		t.Fatalf("unfunded deal advanced to %s", deal.Stage)
	}

	// Fund both sides; the ERC-20 side needs a broker approval first
	fund(eth, deal.PartyA.Escrow.Address, "10")
	fund(polygon, deal.PartyB.Escrow.Address, "20000")
	eng.Tick(ctx)
	if deal.Stage != database.StageCollection {
		t.Fatalf("deal advanced past COLLECTION without approval, at %s", deal.Stage)
	}
	approvals := store.itemsByPurpose(deal.ID, database.PurposeApproveBroker)
	if len(approvals) != 1 {
		t.Fatalf("expected 1 approval item, got %d", len(approvals))
	}
	if approvals[0].Chain != "polygon" {
		t.Fatalf("approval queued on %s", approvals[0].Chain)
	}

	// Approval lands on-chain
	polygon.Approvals[deal.PartyB.Escrow.Address] = true
	eng.Tick(ctx)
	if deal.Stage != database.StageReady {
		t.Fatalf("expected READY, got %s", deal.Stage)
	}

	// READY enqueues one native swap and one ERC-20 swap
	eng.Tick(ctx)
	if deal.Stage != database.StageSwap {
		t.Fatalf("expected SWAP, got %s", deal.Stage)
	}
	if n := len(store.itemsByPurpose(deal.ID, database.PurposePhase1Swap)); n != 1 {
		t.Fatalf("expected 1 native swap item, got %d", n)
	}
	swaps := store.itemsByPurpose(deal.ID, database.PurposeBrokerSwap)
	if len(swaps) != 1 {
		t.Fatalf("expected 1 ERC-20 swap item, got %d", len(swaps))
	}
	if swaps[0].Amount != "19940" || swaps[0].Fees != "60" {
		t.Fatalf("swap carries amount %s fees %s", swaps[0].Amount, swaps[0].Fees)
	}

	// Settlement pending: no payout yet
	eng.Tick(ctx)
	if deal.Stage != database.StageSwap {
		t.Fatalf("deal advanced with unconfirmed settlement, at %s", deal.Stage)
	}

	// Settlement confirms; deposits exactly match so no surplus items
	store.confirmAll(deal.ID)
	eng.Tick(ctx)
	if deal.Stage != database.StagePayout {
		t.Fatalf("expected PAYOUT, got %s", deal.Stage)
	}
	if n := len(store.itemsByPurpose(deal.ID, database.PurposeSurplusRefund)); n != 0 {
		t.Fatalf("exact deposits produced %d surplus items", n)
	}

	eng.Tick(ctx)
	if deal.Stage != database.StageClosed {
		t.Fatalf("expected CLOSED, got %s", deal.Stage)
	}
	if deal.ClosedAt == nil {
		t.Fatal("closed deal has no ClosedAt")
	}
}

func TestSurplusRefunded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	store.deals[deal.ID] = deal

	eng.Tick(ctx) // derive escrows

	// Side A overpays by 0.5 ETH
	fund(eth, deal.PartyA.Escrow.Address, "10.5")
	fund(polygon, deal.PartyB.Escrow.Address, "20000")
	polygon.Approvals[deal.PartyB.Escrow.Address] = true

	eng.Tick(ctx) // COLLECTION -> READY
	eng.Tick(ctx) // READY -> SWAP
	store.confirmAll(deal.ID)
	eng.Tick(ctx) // SWAP -> PAYOUT

	surplus := store.itemsByPurpose(deal.ID, database.PurposeSurplusRefund)
	if len(surplus) != 1 {
		t.Fatalf("expected 1 surplus refund, got %d", len(surplus))
	}
	if surplus[0].Amount != "0.5" {
		t.Fatalf("surplus amount %s, want 0.5", surplus[0].Amount)
	}
	if surplus[0].ToAddr != "0xpayback-a" {
		t.Fatalf("surplus goes to %s", surplus[0].ToAddr)
	}
}

// ============================================================================
// CANCELLATION AND TIMEOUT
// ============================================================================

func TestCancelBeforeDeposit(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	store.deals[deal.ID] = deal

	eng.Tick(ctx) // DRAFT -> COLLECTION

	deal.CancelRequested = true
	eng.Tick(ctx)

	if deal.Stage != database.StageReverted {
		t.Fatalf("expected REVERTED, got %s", deal.Stage)
	}
	if len(store.items) != 0 {
		t.Fatalf("cancellation before funding produced %d queue items", len(store.items))
	}
}

func TestPartialFundTimeout(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	past := time.Now().Add(-time.Hour)
	deal.Deadline = &past
	store.deals[deal.ID] = deal

	eng.Tick(ctx) // DRAFT -> COLLECTION

	// A funds fully before the first collection pass; B deposits half
	fund(eth, deal.PartyA.Escrow.Address, "10")
	fund(polygon, deal.PartyB.Escrow.Address, "10000")
	deal.PartyA.Funded = true

	eng.Tick(ctx)

	if deal.Stage != database.StageReverted {
		t.Fatalf("expected REVERTED, got %s", deal.Stage)
	}

	// Revert path only touches the funded side
	refunds := store.itemsByPurpose(deal.ID, database.PurposeBrokerRefund)
	if len(refunds) != 1 {
		t.Fatalf("expected 1 native refund, got %d", len(refunds))
	}
	if refunds[0].Chain != "ethereum" {
		t.Fatalf("refund on %s, want ethereum", refunds[0].Chain)
	}
	if refunds[0].Amount != "9.9" {
		t.Fatalf("refund amount %s, want 9.9 (less fees)", refunds[0].Amount)
	}
	if n := len(store.itemsByPurpose(deal.ID, database.PurposeBrokerRevert)); n != 0 {
		t.Fatalf("unfunded side got %d revert items", n)
	}
}

// TestStageGraphPrefix drives a deal start to finish and asserts every
// stage it passed through forms a prefix of the allowed graph
func TestStageGraphPrefix(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	store.deals[deal.ID] = deal

	seen := []database.DealStage{deal.Stage}
	for i := 0; i < 12 && !deal.Stage.Terminal(); i++ {
		eng.Tick(ctx)
		if deal.Stage != seen[len(seen)-1] {
			seen = append(seen, deal.Stage)
		}
		if deal.Stage == database.StageCollection && !deal.PartyA.Funded {
			fund(eth, deal.PartyA.Escrow.Address, "10")
			fund(polygon, deal.PartyB.Escrow.Address, "20000")
			polygon.Approvals[deal.PartyB.Escrow.Address] = true
		}
		if deal.Stage == database.StageSwap {
			store.confirmAll(deal.ID)
		}
	}

	for i := 1; i < len(seen); i++ {
		if !seen[i-1].CanTransitionTo(seen[i]) {
			t.Fatalf("illegal transition %s -> %s", seen[i-1], seen[i])
		}
	}
	if seen[len(seen)-1] != database.StageClosed {
		t.Fatalf("deal ended at %s", seen[len(seen)-1])
	}
}

// TestFailedSettlementFlagsReview verifies a FAILED settlement item parks
// the deal for operator review instead of advancing
func TestFailedSettlementFlagsReview(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eth := chaintest.NewFakePlugin("ethereum")
	polygon := chaintest.NewFakePlugin("polygon")
	eng := newTestEngine(t, store, eth, polygon)

	deal := newNativeERC20Deal()
	store.deals[deal.ID] = deal

	eng.Tick(ctx)
	fund(eth, deal.PartyA.Escrow.Address, "10")
	fund(polygon, deal.PartyB.Escrow.Address, "20000")
	polygon.Approvals[deal.PartyB.Escrow.Address] = true
	eng.Tick(ctx)
	eng.Tick(ctx) // READY -> SWAP

	for _, item := range store.items {
		if item.Purpose == database.PurposeBrokerSwap {
			item.Status = database.StatusFailed
			item.RecoveryError = "unauthorized operator"
		}
	}
	eng.Tick(ctx)

	if !deal.OperatorReview {
		t.Fatal("deal not flagged for operator review")
	}
	if deal.Stage != database.StageSwap {
		t.Fatalf("flagged deal moved to %s", deal.Stage)
	}

	// Flagged deals are frozen on subsequent ticks
	eng.Tick(ctx)
	if deal.Stage != database.StageSwap {
		t.Fatalf("operator-review deal advanced to %s", deal.Stage)
	}
}
