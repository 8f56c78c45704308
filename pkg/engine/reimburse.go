// Copyright 2025 OTC Protocol
//
// Gas Reimbursement Calculator - converts the tank's gas spend on a
// settled deal into a stablecoin payout from the deal's escrow.
//
// The arithmetic always rounds up: the expected four-transaction
// settlement path, a 10% gas margin, and 5% slippage, ceiling at whole
// tokens. When the price oracle stays down after three attempts the
// reimbursement is skipped and the deal settles anyway.

package engine

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// stablecoinSymbols are the tokens reimbursement may settle in
var stablecoinSymbols = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
	"TUSD": true,
	"USDP": true,
}

// stablecoinContracts maps well-known mainnet contracts to their symbols
var stablecoinContracts = map[string]string{
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "USDT",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "USDC",
	"0x6b175474e89094c44da98b954eedeac495271d0f": "DAI",
	"0x4fabb145d64652a948d72533023f6e7a623c7c53": "BUSD",
	"0x0000000000085d4780b73119b644ae5ecd22b376": "TUSD",
	"0x8e870d67f660d95d5be530380d0ec0bd388289e1": "USDP",
}

// Reimbursement multipliers
var (
	settlementTxCount = decimal.NewFromInt(4)
	gasSafetyMargin   = decimal.NewFromFloat(1.1)
	slippageMargin    = decimal.NewFromFloat(1.05)
)

// defaultSwapGas is assumed when the chain cannot report actual gas used
const defaultSwapGas = 200000

// oracleAttempts bounds QuoteNativeUSD retries
const oracleAttempts = 3

// ReimbursementCalculator computes gas reimbursement amounts
type ReimbursementCalculator struct {
	chains PluginSource
	logger *log.Logger

	// backoff is the base delay between oracle retries; tests shrink it
	backoff time.Duration
}

// NewReimbursementCalculator creates a calculator
func NewReimbursementCalculator(chains PluginSource, logger *log.Logger) *ReimbursementCalculator {
	if logger == nil {
		logger = log.New(log.Writer(), "[GasReimburse] ", log.LstdFlags)
	}
	return &ReimbursementCalculator{chains: chains, logger: logger, backoff: time.Second}
}

// IsStablecoin reports whether a side's asset may settle a reimbursement
func IsStablecoin(party *database.PartySpec) bool {
	if stablecoinSymbols[strings.ToUpper(party.Asset)] {
		return true
	}
	_, known := stablecoinContracts[strings.ToLower(party.TokenAddress)]
	return known
}

// Compute determines the reimbursement for a settled deal. Returns the
// result (possibly marked skipped) and the party whose escrow pays it.
// Never fails the deal: every failure mode degrades to a skip.
func (c *ReimbursementCalculator) Compute(ctx context.Context, deal *database.Deal, firstSwap *database.QueueItem) (*database.GasReimbursementResult, *database.PartySpec) {
	gasUsed := uint64(defaultSwapGas)
	if plugin, err := c.chains.Get(firstSwap.Chain); err == nil && firstSwap.SubmittedTx != "" {
		if rp, ok := plugin.(chain.ReceiptProvider); ok {
			if used, err := rp.GetTxGasUsed(ctx, firstSwap.SubmittedTx); err == nil && used > 0 {
				gasUsed = used
			}
		}
	}
	return c.computeWithGas(ctx, deal, firstSwap, gasUsed)
}

// computeWithGas runs the reimbursement math for an observed gas figure
func (c *ReimbursementCalculator) computeWithGas(ctx context.Context, deal *database.Deal, firstSwap *database.QueueItem, gasUsed uint64) (*database.GasReimbursementResult, *database.PartySpec) {
	now := time.Now().UTC()

	party := c.selectPayingSide(deal)
	if party == nil {
		return &database.GasReimbursementResult{
			Skipped:    true,
			SkipReason: "no stablecoin side to reimburse from",
			ComputedAt: now,
		}, nil
	}

	plugin, err := c.chains.Get(firstSwap.Chain)
	if err != nil {
		return &database.GasReimbursementResult{
			Skipped: true, SkipReason: err.Error(), ComputedAt: now,
		}, nil
	}

	gasPrice, err := c.gasPrice(ctx, plugin, firstSwap)
	if err != nil {
		return &database.GasReimbursementResult{
			Skipped: true, SkipReason: "no gas price: " + err.Error(), ComputedAt: now,
		}, nil
	}

	quote, err := c.quoteWithRetry(ctx, plugin)
	if err != nil {
		c.logger.Printf("Deal %s: oracle failed %d times, skipping reimbursement: %v",
			deal.ID, oracleAttempts, err)
		return &database.GasReimbursementResult{
			Skipped: true, SkipReason: "price oracle unavailable", ComputedAt: now,
		}, nil
	}

	// estimatedTotalGas = actualGasUsed x 4 x 1.1
	// nativeCostWei     = estimatedTotalGas x gasPriceWei
	// nativeUsdValue    = (nativeCostWei / 1e18) x nativeUsdRate
	// tokenAmount       = ceil((nativeUsdValue / tokenUsdRate) x 1.05)
	estimatedTotalGas := decimal.NewFromInt(int64(gasUsed)).Mul(settlementTxCount).Mul(gasSafetyMargin)
	nativeCostWei := estimatedTotalGas.Mul(gasPrice)
	nativeUSD := nativeCostWei.Shift(-18).Mul(quote.Price)

	tokenUSDRate := decimal.NewFromInt(1) // stablecoins are pegged
	tokenAmount := nativeUSD.Div(tokenUSDRate).Mul(slippageMargin).Ceil()

	result := &database.GasReimbursementResult{
		TokenSymbol:   party.Asset,
		TokenAmount:   tokenAmount.String(),
		NativeCostWei: nativeCostWei.Truncate(0).String(),
		NativeUSDRate: quote.Price.String(),
		OracleSource:  quote.Source,
		ComputedAt:    now,
	}
	return result, party
}

// selectPayingSide prefers the configured paying side when it is stable,
// otherwise whichever side is stable
func (c *ReimbursementCalculator) selectPayingSide(deal *database.Deal) *database.PartySpec {
	if deal.GasReimbursement != nil && deal.GasReimbursement.PayingSide != "" {
		party := deal.Party(deal.GasReimbursement.PayingSide)
		if IsStablecoin(party) {
			return party
		}
	}
	if IsStablecoin(deal.PartyA) {
		return deal.PartyA
	}
	if IsStablecoin(deal.PartyB) {
		return deal.PartyB
	}
	return nil
}

// gasPrice reads the price the swap actually paid, falling back to the
// chain's current quote
func (c *ReimbursementCalculator) gasPrice(ctx context.Context, plugin chain.Plugin, firstSwap *database.QueueItem) (decimal.Decimal, error) {
	if firstSwap.LastGasPrice != "" {
		if price, err := decimal.NewFromString(firstSwap.LastGasPrice); err == nil {
			return price, nil
		}
	}
	quote, err := plugin.GasQuote(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

// quoteWithRetry fetches the native/USD rate with exponential backoff
func (c *ReimbursementCalculator) quoteWithRetry(ctx context.Context, plugin chain.Plugin) (*chain.NativeQuote, error) {
	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt < oracleAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		quote, err := plugin.QuoteNativeUSD(ctx)
		if err == nil {
			return quote, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
