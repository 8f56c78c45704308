// Copyright 2025 OTC Protocol
//
// Recovery phases: stuck queue items, suspect submitted transactions,
// missing broker allowances, and gas refunds to the tank.

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// Phase names recorded in the recovery log
const (
	phaseStuck      = "stuck_items"
	phaseSuspect    = "suspect_submitted"
	phaseAllowances = "missing_allowances"
	phaseRefunds    = "gas_refunds"
)

// ============================================================================
// PHASE 1: STUCK QUEUE ITEMS
// ============================================================================

// phaseStuckItems resurrects PENDING items that were never submitted.
// ERC-20 broker operations get their allowance and gas preconditions fixed
// first. An item exhausting its recovery budget fails terminally.
func (m *Manager) phaseStuckItems(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.StuckThreshold)
	items, err := m.queue.GetStuckPending(ctx, cutoff, m.cfg.MaxRecoveryAttempts)
	if err != nil {
		m.logger.Printf("Stuck-item scan failed: %v", err)
		return
	}

	for _, item := range items {
		if item.Purpose.BrokerOperation() && item.TokenAddress != "" {
			if err := m.ensureApprovalPreconditions(ctx, item); err != nil {
				m.record(ctx, phaseStuck, item.Chain, "preflight", item.ID.String(), false, err, nil)
				continue
			}
		}

		attempts := item.RecoveryAttempts + 1
		if err := m.queue.IncrementRecoveryAttempts(ctx, item.ID); err != nil {
			m.record(ctx, phaseStuck, item.Chain, "retry", item.ID.String(), false, err, nil)
			continue
		}

		if attempts >= m.cfg.MaxRecoveryAttempts {
			reason := fmt.Sprintf("recovery attempts exhausted (%d)", attempts)
			if err := m.queue.MarkFailed(ctx, item.ID, reason); err != nil {
				m.record(ctx, phaseStuck, item.Chain, "fail", item.ID.String(), false, err, nil)
				continue
			}
			m.logger.Printf("CRITICAL: item %s failed after %d recovery attempts (%s on %s)",
				item.ID, attempts, item.Purpose, item.Chain)
			m.record(ctx, phaseStuck, item.Chain, "fail", item.ID.String(), true, nil,
				map[string]interface{}{"attempts": attempts, "purpose": item.Purpose})
			continue
		}

		m.record(ctx, phaseStuck, item.Chain, "retry", item.ID.String(), true, nil,
			map[string]interface{}{"attempts": attempts})
	}
}

// ensureApprovalPreconditions guarantees the allowance and gas an ERC-20
// broker operation needs before the dispatcher retries it
func (m *Manager) ensureApprovalPreconditions(ctx context.Context, item *database.QueueItem) error {
	plugin, err := m.chains.Get(item.Chain)
	if err != nil {
		return err
	}

	approved, err := plugin.CheckBrokerApproval(ctx, item.FromAddr, item.TokenAddress)
	if err != nil || approved {
		return err
	}

	escrow, err := escrowRefFor(plugin, item)
	if err != nil {
		return err
	}

	funded, err := m.ensureEscrowGas(ctx, plugin, item.DealID, item.FromAddr)
	if err != nil {
		return err
	}
	if !funded {
		return fmt.Errorf("escrow %s awaiting gas funding", item.FromAddr)
	}

	txid, err := plugin.ApproveBrokerForERC20(ctx, escrow, item.TokenAddress)
	if err != nil {
		return fmt.Errorf("approve broker: %w", err)
	}
	m.record(ctx, phaseStuck, item.Chain, "approve_broker", item.FromAddr, true, nil,
		map[string]interface{}{"tx": txid, "token": item.TokenAddress})
	return nil
}

// escrowRefFor re-derives the escrow account reference backing a queue
// item's from address
func escrowRefFor(plugin chain.Plugin, item *database.QueueItem) (*database.EscrowAccountRef, error) {
	for _, side := range []database.PartySide{database.SideA, database.SideB} {
		ref, err := plugin.DeriveEscrow(item.DealID, side)
		if err != nil {
			return nil, err
		}
		if ref.Address == item.FromAddr {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("address %s is not an escrow of deal %s", item.FromAddr, item.DealID)
}

// ============================================================================
// PHASE 2: SUSPECT SUBMITTED ITEMS
// ============================================================================

// phaseSuspectSubmitted re-checks SUBMITTED items the chain has been quiet
// about: negative confirmations reset the item, threshold confirmations
// promote it, anything else just stamps the check.
func (m *Manager) phaseSuspectSubmitted(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.FailedTxThreshold)
	items, err := m.queue.GetSuspectSubmitted(ctx, cutoff)
	if err != nil {
		m.logger.Printf("Suspect-item scan failed: %v", err)
		return
	}

	for _, item := range items {
		plugin, err := m.chains.Get(item.Chain)
		if err != nil {
			m.record(ctx, phaseSuspect, item.Chain, "check", item.ID.String(), false, err, nil)
			continue
		}

		conf, err := plugin.GetTxConfirmations(ctx, item.SubmittedTx)
		if err != nil {
			m.record(ctx, phaseSuspect, item.Chain, "check", item.ID.String(), false, err, nil)
			continue
		}

		switch {
		case conf < 0:
			reason := fmt.Sprintf("tx %s failed or reorged", item.SubmittedTx)
			if err := m.queue.ResetToPending(ctx, item.ID, reason); err != nil {
				m.record(ctx, phaseSuspect, item.Chain, "reset", item.ID.String(), false, err, nil)
				continue
			}
			m.record(ctx, phaseSuspect, item.Chain, "reset", item.ID.String(), true, nil,
				map[string]interface{}{"tx": item.SubmittedTx})

		case conf >= plugin.ConfirmationThreshold():
			if err := m.queue.MarkConfirmed(ctx, item.ID); err != nil {
				m.record(ctx, phaseSuspect, item.Chain, "promote", item.ID.String(), false, err, nil)
				continue
			}
			m.record(ctx, phaseSuspect, item.Chain, "promote", item.ID.String(), true, nil,
				map[string]interface{}{"tx": item.SubmittedTx, "confirmations": conf})

		default:
			// Still pending on-chain; only stamp the check
			if err := m.queue.TouchRecovery(ctx, item.ID); err != nil {
				m.logger.Printf("Item %s: touch failed: %v", item.ID, err)
			}
		}
	}
}

// ============================================================================
// PHASE 3: MISSING ALLOWANCES
// ============================================================================

// phaseMissingAllowances walks every non-terminal deal's ERC-20 sides and
// issues broker approvals the escrows are missing, funding gas from the
// tank first. Probes per escrow are rate-limited.
func (m *Manager) phaseMissingAllowances(ctx context.Context) {
	deals, err := m.deals.GetActiveDeals(ctx)
	if err != nil {
		m.logger.Printf("Active-deal scan failed: %v", err)
		return
	}

	for _, deal := range deals {
		for _, side := range deal.Sides() {
			party := deal.Party(side)
			if party.Native() || party.Escrow == nil {
				continue
			}

			last, err := m.audit.LastActionAt(ctx, "check_allowance", party.Chain, party.Escrow.Address)
			if err == nil && !last.IsZero() && time.Since(last) < m.cfg.AllowanceRecheckInterval {
				continue
			}

			plugin, err := m.chains.Get(party.Chain)
			if err != nil {
				m.record(ctx, phaseAllowances, party.Chain, "check_allowance", party.Escrow.Address, false, err, nil)
				continue
			}

			approved, err := plugin.CheckBrokerApproval(ctx, party.Escrow.Address, party.TokenAddress)
			m.record(ctx, phaseAllowances, party.Chain, "check_allowance", party.Escrow.Address,
				err == nil, err, map[string]interface{}{"approved": approved, "deal": deal.ID})
			if err != nil || approved {
				continue
			}

			funded, err := m.ensureEscrowGas(ctx, plugin, deal.ID, party.Escrow.Address)
			if err != nil {
				m.record(ctx, phaseAllowances, party.Chain, "gas_funding", party.Escrow.Address, false, err, nil)
				continue
			}
			if !funded {
				continue // funding queued; approve on a later cycle
			}

			txid, err := plugin.ApproveBrokerForERC20(ctx, party.Escrow, party.TokenAddress)
			m.record(ctx, phaseAllowances, party.Chain, "approve_broker", party.Escrow.Address,
				err == nil, err, map[string]interface{}{"tx": txid, "token": party.TokenAddress, "deal": deal.ID})
		}
	}
}

// ============================================================================
// PHASE 4: GAS REFUND TO TANK
// ============================================================================

// transferGasLimit prices the refund transaction itself
const transferGasLimit = 21000

// phaseGasRefunds returns leftover escrow gas to the tank once an approval
// has rested for the lock window and no broker operations remain open for
// the escrow. The GasRefund row and its queue item are created atomically;
// amounts below the chain's dust threshold produce neither.
func (m *Manager) phaseGasRefunds(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ApprovalLockWindow)
	approvals, err := m.queue.GetConfirmedApprovals(ctx, cutoff)
	if err != nil {
		m.logger.Printf("Approval scan failed: %v", err)
		return
	}

	for _, approval := range approvals {
		escrowAddr := approval.FromAddr

		// One refund per approval per escrow
		if _, err := m.refunds.GetGasRefund(ctx, approval.Chain, escrowAddr, approval.SubmittedTx); err == nil {
			continue
		}

		open, err := m.queue.CountOpenBrokerOps(ctx, approval.Chain, escrowAddr)
		if err != nil || open > 0 {
			continue
		}

		plugin, err := m.chains.Get(approval.Chain)
		if err != nil {
			m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, false, err, nil)
			continue
		}

		balance, err := plugin.NativeBalance(ctx, escrowAddr)
		if err != nil {
			m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, false, err, nil)
			continue
		}

		quote, err := plugin.GasQuote(ctx)
		if err != nil {
			m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, false, err, nil)
			continue
		}

		// refundable = nativeBalance - estimatedRefundCost
		refundCost := quote.Price.Mul(decimal.NewFromInt(transferGasLimit)).Shift(-18)
		refundable := balance.Sub(refundCost)

		minThreshold := m.minRefundThreshold(approval.Chain)
		if refundable.LessThanOrEqual(minThreshold) {
			m.record(ctx, phaseRefunds, approval.Chain, "refund_skipped", escrowAddr, true, nil,
				map[string]interface{}{"refundable": refundable.String(), "threshold": minThreshold.String()})
			continue
		}

		seq, err := m.queue.NextSeq(ctx, approval.DealID, approval.Chain)
		if err != nil {
			m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, false, err, nil)
			continue
		}

		item := &database.QueueItem{
			DealID:   approval.DealID,
			Chain:    approval.Chain,
			FromAddr: escrowAddr,
			ToAddr:   plugin.TankAddress(),
			Amount:   refundable.String(),
			Purpose:  database.PurposeGasRefundToTank,
			Seq:      seq,
		}
		refund := &database.GasRefund{
			DealID:         approval.DealID,
			Chain:          approval.Chain,
			EscrowAddress:  escrowAddr,
			ApprovalTxHash: approval.SubmittedTx,
			RefundAmount:   refundable.String(),
			Status:         database.RefundQueued,
		}

		if err := m.refunds.CreateGasRefundWithItem(ctx, refund, item); err != nil {
			m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, false, err, nil)
			continue
		}

		m.record(ctx, phaseRefunds, approval.Chain, "refund", escrowAddr, true, nil,
			map[string]interface{}{"amount": refundable.String(), "approval_tx": approval.SubmittedTx})
		m.logger.Printf("Gas refund of %s queued from escrow %s on %s", refundable, escrowAddr, approval.Chain)
	}
}

// minRefundThreshold reads the chain's dust threshold, defaulting to zero
func (m *Manager) minRefundThreshold(chainName string) decimal.Decimal {
	cfg := m.chainConfig(chainName)
	if cfg == nil || cfg.MinRefundThreshold == "" {
		return decimal.Zero
	}
	threshold, err := decimal.NewFromString(cfg.MinRefundThreshold)
	if err != nil {
		return decimal.Zero
	}
	return threshold
}
