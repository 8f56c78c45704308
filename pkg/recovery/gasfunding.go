// Copyright 2025 OTC Protocol
//
// Gas funding path: before an escrow can issue an ERC-20 approval it needs
// native currency for gas. The tank wallet funds it, unless the tank
// itself would be drained below its own operating cost.

package recovery

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// approvalGasLimit is the safe gas margin assumed for one approval
const approvalGasLimit = 100000

// fundingMultiple scales the estimate so one funding covers follow-up work
var fundingMultiple = decimal.NewFromInt(2)

// ensureEscrowGas guarantees the escrow can pay for an approval. Returns
// true when the escrow already holds enough gas; false when funding was
// queued (or skipped on a low tank) and the caller should retry later.
func (m *Manager) ensureEscrowGas(ctx context.Context, plugin chain.Plugin, dealID uuid.UUID, escrowAddr string) (bool, error) {
	quote, err := plugin.GasQuote(ctx)
	if err != nil {
		return false, err
	}

	// Estimated approval cost in native units
	estimate := quote.Price.Mul(decimal.NewFromInt(approvalGasLimit)).Shift(-18)

	balance, err := plugin.NativeBalance(ctx, escrowAddr)
	if err != nil {
		return false, err
	}
	if balance.GreaterThanOrEqual(estimate) {
		return true, nil
	}

	// A funding transfer may already be in flight
	open, err := m.queue.CountOpenByPurpose(ctx, plugin.Name(), database.PurposeGasFunding, escrowAddr)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	amount := estimate.Mul(fundingMultiple)
	if floor := m.gasFloor(plugin.Name()); amount.LessThan(floor) {
		amount = floor
	}

	// The tank must keep enough to pay for its own transfer
	tankBalance, err := plugin.NativeBalance(ctx, plugin.TankAddress())
	if err != nil {
		return false, err
	}
	tankTxCost := quote.Price.Mul(decimal.NewFromInt(transferGasLimit)).Shift(-18)
	if tankBalance.LessThan(amount.Add(tankTxCost)) {
		m.logger.Printf("ALERT: LOW_TANK_BALANCE on %s: have %s, need %s",
			plugin.Name(), tankBalance, amount.Add(tankTxCost))
		m.record(ctx, phaseAllowances, plugin.Name(), "low_tank_balance", escrowAddr, false, nil,
			map[string]interface{}{
				"tank_balance": tankBalance.String(),
				"required":     amount.Add(tankTxCost).String(),
			})
		return false, nil
	}

	seq, err := m.queue.NextSeq(ctx, dealID, plugin.Name())
	if err != nil {
		return false, err
	}
	item := &database.QueueItem{
		DealID:   dealID,
		Chain:    plugin.Name(),
		FromAddr: plugin.TankAddress(),
		ToAddr:   escrowAddr,
		Amount:   amount.String(),
		Purpose:  database.PurposeGasFunding,
		Seq:      seq,
	}
	if err := m.queue.CreateItem(ctx, item); err != nil {
		return false, err
	}

	// Logged so the gas refund phase can correlate the funding later
	m.record(ctx, phaseAllowances, plugin.Name(), "gas_funding", escrowAddr, true, nil,
		map[string]interface{}{"amount": amount.String(), "deal": dealID, "item": item.ID})
	m.logger.Printf("Gas funding of %s queued from tank to escrow %s on %s",
		amount, escrowAddr, plugin.Name())
	return false, nil
}

// gasFloor reads the chain's minimum funding amount
func (m *Manager) gasFloor(chainName string) decimal.Decimal {
	cfg := m.chainConfig(chainName)
	if cfg == nil || cfg.GasFloor == "" {
		return decimal.Zero
	}
	floor, err := decimal.NewFromString(cfg.GasFloor)
	if err != nil {
		return decimal.Zero
	}
	return floor
}
