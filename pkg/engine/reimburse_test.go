// Copyright 2025 OTC Protocol
//
// Gas reimbursement calculator tests

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

func newCalcFixture(t *testing.T) (*ReimbursementCalculator, *chaintest.FakePlugin) {
	t.Helper()
	plugin := chaintest.NewFakePlugin("ethereum")
	calc := NewReimbursementCalculator(chaintest.NewRegistry(plugin), nil)
	calc.backoff = time.Millisecond
	return calc, plugin
}

func reimbursableDeal() *database.Deal {
	return &database.Deal{
		ID:    uuid.New(),
		Stage: database.StageSwap,
		PartyA: &database.PartySpec{
			Chain: "ethereum", Asset: "ETH",
			Escrow: &database.EscrowAccountRef{Chain: "ethereum", Address: "0xescrow-a"},
		},
		PartyB: &database.PartySpec{
			Chain: "ethereum", Asset: "USDT", TokenAddress: "0xusdt",
			Escrow: &database.EscrowAccountRef{Chain: "ethereum", Address: "0xescrow-b"},
		},
		GasReimbursement: &database.GasReimbursementConfig{Enabled: true},
	}
}

// TestReimbursementFormula checks the canonical example: 180000 gas at
// 50 gwei with ETH at $3000 reimburses exactly 125 USDT (ceiling).
func TestReimbursementFormula(t *testing.T) {
	calc, plugin := newCalcFixture(t)
	plugin.USDQuote = &chain.NativeQuote{Price: decimal.NewFromInt(3000), Source: "test"}

	deal := reimbursableDeal()
	firstSwap := &database.QueueItem{
		Chain:        "ethereum",
		SubmittedTx:  "", // no receipt provider on the fake; price comes from the item
		LastGasPrice: "50000000000",
	}

	// The fake has no receipt provider, so Compute would use the default
	// gas; pin the observed figure by calling computeWithGas directly.
	result, party := calc.computeWithGas(context.Background(), deal, firstSwap, 180000)
	if result.Skipped {
		t.Fatalf("reimbursement skipped: %s", result.SkipReason)
	}
	if party == nil || party.Asset != "USDT" {
		t.Fatalf("paying side should be the USDT party, got %+v", party)
	}
	if result.TokenAmount != "125" {
		t.Fatalf("token amount %s, want 125", result.TokenAmount)
	}
	// 180000 x 4 x 1.1 = 792000 gas at 50 gwei
	if result.NativeCostWei != "39600000000000000" {
		t.Fatalf("native cost %s wei", result.NativeCostWei)
	}
}

func TestReimbursementSkippedWhenOracleDown(t *testing.T) {
	calc, plugin := newCalcFixture(t)
	plugin.USDErr = chain.NewError(chain.KindNoPriceOracle, "ethereum", nil)

	deal := reimbursableDeal()
	result, _ := calc.Compute(context.Background(), deal, &database.QueueItem{
		Chain: "ethereum", LastGasPrice: "50000000000",
	})

	if !result.Skipped {
		t.Fatal("expected skip with oracle down")
	}
	if result.SkipReason != "price oracle unavailable" {
		t.Fatalf("skip reason %q", result.SkipReason)
	}
}

func TestReimbursementSkippedWithoutStablecoin(t *testing.T) {
	calc, _ := newCalcFixture(t)

	deal := reimbursableDeal()
	deal.PartyB.Asset = "WBTC"
	deal.PartyB.TokenAddress = "0xwbtc"

	result, party := calc.Compute(context.Background(), deal, &database.QueueItem{Chain: "ethereum"})
	if !result.Skipped || party != nil {
		t.Fatal("expected skip when neither side is stable")
	}
}

func TestPayingSideSelection(t *testing.T) {
	calc, _ := newCalcFixture(t)

	deal := reimbursableDeal()

	// No explicit side: the stable side pays
	if party := calc.selectPayingSide(deal); party != deal.PartyB {
		t.Fatal("stable side not selected")
	}

	// Explicit non-stable side falls back to the stable one
	deal.GasReimbursement.PayingSide = database.SideA
	if party := calc.selectPayingSide(deal); party != deal.PartyB {
		t.Fatal("fallback to stable side failed")
	}

	// Explicit stable side wins
	deal.GasReimbursement.PayingSide = database.SideB
	if party := calc.selectPayingSide(deal); party != deal.PartyB {
		t.Fatal("explicit stable side not selected")
	}
}

func TestIsStablecoinByContract(t *testing.T) {
	party := &database.PartySpec{
		Asset:        "TetherToken",
		TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	}
	if !IsStablecoin(party) {
		t.Fatal("known USDT contract not recognised")
	}
	if IsStablecoin(&database.PartySpec{Asset: "WETH", TokenAddress: "0xweth"}) {
		t.Fatal("WETH misclassified as stable")
	}
}

func TestOracleRetriesBeforeSkip(t *testing.T) {
	calc, plugin := newCalcFixture(t)

	calls := 0
	failing := &countingOracle{FakePlugin: plugin, calls: &calls}
	registry := chaintest.NewRegistry(failing)
	calc = NewReimbursementCalculator(registry, nil)
	calc.backoff = time.Millisecond

	deal := reimbursableDeal()
	result, _ := calc.Compute(context.Background(), deal, &database.QueueItem{
		Chain: "ethereum", LastGasPrice: "50000000000",
	})

	if !result.Skipped {
		t.Fatal("expected skip")
	}
	if calls != 3 {
		t.Fatalf("oracle called %d times, want 3", calls)
	}
}

// countingOracle fails every USD quote and counts the attempts
type countingOracle struct {
	*chaintest.FakePlugin
	calls *int
}

func (c *countingOracle) QuoteNativeUSD(ctx context.Context) (*chain.NativeQuote, error) {
	*c.calls++
	return nil, chain.NewError(chain.KindNoPriceOracle, "ethereum", nil)
}
