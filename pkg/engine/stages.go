// Copyright 2025 OTC Protocol
//
// Per-stage handlers for the deal state machine.
// DRAFT -> COLLECTION -> READY -> SWAP -> PAYOUT -> CLOSED, with
// COLLECTION/READY -> REVERTED on cancellation or timeout.

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// Queue item phases the engine stamps so payout completion can be judged
// without confusing engine payouts with recovery-created items
const (
	phaseSettlement = "settlement"
	phasePayout     = "payout"
	phaseRevert     = "revert"
)

// ============================================================================
// DRAFT
// ============================================================================

// handleDraft derives escrow addresses for both parties and opens collection
func (e *Engine) handleDraft(ctx context.Context, deal *database.Deal) error {
	for _, side := range deal.Sides() {
		party := deal.Party(side)
		if party.Escrow != nil {
			continue
		}
		plugin, err := e.chains.Get(party.Chain)
		if err != nil {
			return err
		}
		escrow, err := plugin.DeriveEscrow(deal.ID, side)
		if err != nil {
			return fmt.Errorf("derive escrow side %s: %w", side, err)
		}
		party.Escrow = escrow
		deal.AppendEvent("escrow for side %s derived: %s on %s", side, escrow.Address, escrow.Chain)
	}

	if err := deal.Transition(database.StageCollection); err != nil {
		return err
	}
	deal.AppendEvent("collection opened")
	return e.txn.SaveDealTransition(ctx, deal, nil)
}

// ============================================================================
// COLLECTION
// ============================================================================

// handleCollection polls deposits, marks sides funded from confirmed
// balances only, ensures broker allowances, and advances to READY once
// both sides are funded and approved. Cancellation and the deal deadline
// divert to the revert path.
func (e *Engine) handleCollection(ctx context.Context, deal *database.Deal) error {
	if deal.CancelRequested {
		return e.revert(ctx, deal, "cancelled by request")
	}
	if time.Now().After(e.deadline(deal)) {
		return e.revert(ctx, deal, "collection deadline passed")
	}

	changed := false
	for _, side := range deal.Sides() {
		party := deal.Party(side)
		if party.Escrow == nil {
			return fmt.Errorf("side %s has no escrow in COLLECTION", side)
		}

		plugin, err := e.chains.Get(party.Chain)
		if err != nil {
			return err
		}

		asset := chain.Asset{Symbol: party.Asset, TokenAddress: party.TokenAddress}
		list, err := plugin.ListConfirmedDeposits(ctx, asset, party.Escrow.Address, plugin.CollectThreshold())
		if err != nil {
			e.logger.Printf("Deal %s: deposit scan failed on %s: %v", deal.ID, party.Chain, err)
			continue
		}

		e.persistDeposits(ctx, deal, party, list)

		if party.Funded {
			continue
		}
		expected, err := decimal.NewFromString(party.ExpectedAmount)
		if err != nil {
			return fmt.Errorf("bad expected amount %q: %w", party.ExpectedAmount, err)
		}
		if list.TotalConfirmed.GreaterThanOrEqual(expected) {
			now := time.Now().UTC()
			party.Funded = true
			party.FundedAt = &now
			deal.AppendEvent("side %s funded: %s %s confirmed (expected %s)",
				side, list.TotalConfirmed, party.Asset, party.ExpectedAmount)
			changed = true
		}
	}

	if !deal.PartyA.Funded || !deal.PartyB.Funded {
		if changed {
			return e.txn.SaveDealTransition(ctx, deal, nil)
		}
		return nil
	}

	// Both sides funded: every ERC-20 side needs a broker allowance before
	// the deal is READY
	items, allApproved, err := e.ensureApprovals(ctx, deal)
	if err != nil {
		return err
	}

	if allApproved {
		if err := deal.Transition(database.StageReady); err != nil {
			return err
		}
		deal.AppendEvent("both sides funded and approved; ready to settle")
	}

	return e.txn.SaveDealTransition(ctx, deal, items)
}

// persistDeposits stores every observed deposit so the resolver and the
// RPC surface can see them
func (e *Engine) persistDeposits(ctx context.Context, deal *database.Deal, party *database.PartySpec, list *chain.DepositList) {
	for _, dep := range list.Deposits {
		rec := &database.DepositRecord{
			DealID:        deal.ID,
			Chain:         party.Chain,
			EscrowAddress: party.Escrow.Address,
			Asset:         party.Asset,
			TxID:          dep.TxID,
			Amount:        dep.Amount.String(),
			BlockHeight:   dep.BlockHeight,
			Confirmations: dep.Confirmations,
			Synthetic:     dep.Synthetic,
		}
		if err := e.deposits.UpsertDeposit(ctx, rec); err != nil {
			e.logger.Printf("Deal %s: failed to persist deposit %s: %v", deal.ID, dep.TxID, err)
		}
	}
}

// ensureApprovals enqueues APPROVE_BROKER for every ERC-20 side whose
// escrow has not yet approved the broker. Returns the new items and
// whether every required allowance is already live on-chain.
func (e *Engine) ensureApprovals(ctx context.Context, deal *database.Deal) ([]*database.QueueItem, bool, error) {
	existing, err := e.queue.GetItemsByDeal(ctx, deal.ID)
	if err != nil {
		return nil, false, err
	}

	seqs := newSeqAllocator(e.queue, deal.ID)
	var items []*database.QueueItem
	allApproved := true

	for _, side := range deal.Sides() {
		party := deal.Party(side)
		if party.Native() {
			continue
		}

		plugin, err := e.chains.Get(party.Chain)
		if err != nil {
			return nil, false, err
		}

		approved, err := plugin.CheckBrokerApproval(ctx, party.Escrow.Address, party.TokenAddress)
		if err != nil {
			e.logger.Printf("Deal %s: allowance check failed on %s: %v", deal.ID, party.Chain, err)
			allApproved = false
			continue
		}
		if approved {
			continue
		}
		allApproved = false

		if hasOpenApproval(existing, party) {
			continue
		}

		seq, err := seqs.next(ctx, party.Chain)
		if err != nil {
			return nil, false, err
		}
		items = append(items, &database.QueueItem{
			DealID:       deal.ID,
			Chain:        party.Chain,
			FromAddr:     party.Escrow.Address,
			ToAddr:       party.TokenAddress,
			Asset:        party.Asset,
			TokenAddress: party.TokenAddress,
			Purpose:      database.PurposeApproveBroker,
			Seq:          seq,
		})
		deal.AppendEvent("broker approval queued for side %s escrow %s", side, party.Escrow.Address)
	}

	return items, allApproved, nil
}

func hasOpenApproval(items []*database.QueueItem, party *database.PartySpec) bool {
	for _, item := range items {
		if item.Purpose == database.PurposeApproveBroker &&
			item.FromAddr == party.Escrow.Address &&
			item.Status != database.StatusFailed {
			return true
		}
	}
	return false
}

// ============================================================================
// READY -> SWAP
// ============================================================================

// handleReady enqueues the atomic settlement pair. Per chain, sides settle
// in escrow-address order so re-runs produce the same sequence numbers.
func (e *Engine) handleReady(ctx context.Context, deal *database.Deal) error {
	if deal.CancelRequested {
		return e.revert(ctx, deal, "cancelled by request")
	}

	existing, err := e.queue.GetItemsByDeal(ctx, deal.ID)
	if err != nil {
		return err
	}
	for _, item := range existing {
		if item.Phase == phaseSettlement {
			// Settlement already enqueued by an earlier tick that failed
			// to commit the stage; just move on.
			if err := deal.Transition(database.StageSwap); err != nil {
				return err
			}
			return e.txn.SaveDealTransition(ctx, deal, nil)
		}
	}

	sides := orderedSides(deal)
	seqs := newSeqAllocator(e.queue, deal.ID)
	var items []*database.QueueItem

	for _, side := range sides {
		party := deal.Party(side)
		plugin, err := e.chains.Get(party.Chain)
		if err != nil {
			return err
		}

		expected, err := decimal.NewFromString(party.ExpectedAmount)
		if err != nil {
			return fmt.Errorf("bad expected amount %q: %w", party.ExpectedAmount, err)
		}
		fee := decimal.Zero
		if party.FeeAmount != "" {
			fee, err = decimal.NewFromString(party.FeeAmount)
			if err != nil {
				return fmt.Errorf("bad fee amount %q: %w", party.FeeAmount, err)
			}
		}

		purpose := database.PurposeBrokerSwap
		if party.Native() {
			purpose = database.PurposePhase1Swap
		}

		seq, err := seqs.next(ctx, party.Chain)
		if err != nil {
			return err
		}
		items = append(items, &database.QueueItem{
			DealID:       deal.ID,
			Chain:        party.Chain,
			FromAddr:     party.Escrow.Address,
			ToAddr:       party.RecipientAddress,
			Asset:        party.Asset,
			TokenAddress: party.TokenAddress,
			Amount:       expected.Sub(fee).String(),
			Purpose:      purpose,
			Seq:          seq,
			Phase:        phaseSettlement,
			Payback:      party.RefundAddress,
			Recipient:    party.RecipientAddress,
			FeeRecipient: plugin.FeeRecipient(),
			Fees:         fee.String(),
		})
	}

	if err := deal.Transition(database.StageSwap); err != nil {
		return err
	}
	deal.AppendEvent("settlement enqueued: %d broker operations", len(items))
	return e.txn.SaveDealTransition(ctx, deal, items)
}

// orderedSides returns both sides, sorted per chain by escrow address so
// the settlement sequence is deterministic
func orderedSides(deal *database.Deal) []database.PartySide {
	a, b := deal.PartyA, deal.PartyB
	if a.Chain == b.Chain && a.Escrow != nil && b.Escrow != nil &&
		b.Escrow.Address < a.Escrow.Address {
		return []database.PartySide{database.SideB, database.SideA}
	}
	return []database.PartySide{database.SideA, database.SideB}
}

// ============================================================================
// SWAP -> PAYOUT
// ============================================================================

// handleSwap waits for the settlement pair to confirm, then enqueues the
// gas reimbursement and any surplus refunds
func (e *Engine) handleSwap(ctx context.Context, deal *database.Deal) error {
	items, err := e.queue.GetItemsByDeal(ctx, deal.ID)
	if err != nil {
		return err
	}

	var firstSwap *database.QueueItem
	settling := false
	for _, item := range items {
		if item.Phase != phaseSettlement {
			continue
		}
		if item.Status == database.StatusFailed {
			return e.flagForReview(ctx, deal, fmt.Sprintf("settlement item %s failed: %s", item.ID, item.RecoveryError))
		}
		if item.Status != database.StatusConfirmed {
			settling = true
			continue
		}
		if firstSwap == nil || item.ConfirmedAt != nil && firstSwap.ConfirmedAt != nil && item.ConfirmedAt.Before(*firstSwap.ConfirmedAt) {
			firstSwap = item
		}
	}
	if settling || firstSwap == nil {
		return nil // still settling
	}

	seqs := newSeqAllocator(e.queue, deal.ID)
	var payouts []*database.QueueItem

	// Gas reimbursement, when configured and not yet settled
	if e.calc != nil && deal.GasReimbursement != nil && deal.GasReimbursement.Enabled &&
		deal.GasReimbursement.Result == nil {
		item, err := e.enqueueReimbursement(ctx, deal, firstSwap, seqs)
		if err != nil {
			return err
		}
		if item != nil {
			payouts = append(payouts, item)
		}
	}

	// Surplus beyond the expected amount goes back to the payback address,
	// never into the swap
	surplusItems, err := e.enqueueSurplusRefunds(ctx, deal, seqs)
	if err != nil {
		return err
	}
	payouts = append(payouts, surplusItems...)

	if err := deal.Transition(database.StagePayout); err != nil {
		return err
	}
	deal.AppendEvent("settlement confirmed; %d payout operations enqueued", len(payouts))
	return e.txn.SaveDealTransition(ctx, deal, payouts)
}

// enqueueReimbursement runs the calculator and builds the payout to the tank
func (e *Engine) enqueueReimbursement(ctx context.Context, deal *database.Deal, firstSwap *database.QueueItem, seqs *seqAllocator) (*database.QueueItem, error) {
	result, party := e.calc.Compute(ctx, deal, firstSwap)
	deal.GasReimbursement.Result = result

	if result.Skipped {
		deal.AppendEvent("gas reimbursement skipped: %s", result.SkipReason)
		return nil, nil
	}

	plugin, err := e.chains.Get(party.Chain)
	if err != nil {
		return nil, err
	}
	seq, err := seqs.next(ctx, party.Chain)
	if err != nil {
		return nil, err
	}

	deal.AppendEvent("gas reimbursement: %s %s from escrow %s to tank",
		result.TokenAmount, result.TokenSymbol, party.Escrow.Address)

	return &database.QueueItem{
		DealID:       deal.ID,
		Chain:        party.Chain,
		FromAddr:     party.Escrow.Address,
		ToAddr:       plugin.TankAddress(),
		Asset:        party.Asset,
		TokenAddress: party.TokenAddress,
		Amount:       result.TokenAmount,
		Purpose:      database.PurposeGasRefundToTank,
		Seq:          seq,
		Phase:        phasePayout,
	}, nil
}

// enqueueSurplusRefunds returns SURPLUS_REFUND items for deposits beyond
// the expected amount. A deposit exactly equal to the expectation yields
// zero surplus and no item.
func (e *Engine) enqueueSurplusRefunds(ctx context.Context, deal *database.Deal, seqs *seqAllocator) ([]*database.QueueItem, error) {
	var items []*database.QueueItem
	for _, side := range deal.Sides() {
		party := deal.Party(side)
		plugin, err := e.chains.Get(party.Chain)
		if err != nil {
			return nil, err
		}

		asset := chain.Asset{Symbol: party.Asset, TokenAddress: party.TokenAddress}
		list, err := plugin.ListConfirmedDeposits(ctx, asset, party.Escrow.Address, plugin.CollectThreshold())
		if err != nil {
			e.logger.Printf("Deal %s: surplus scan failed on %s: %v", deal.ID, party.Chain, err)
			continue
		}

		expected, err := decimal.NewFromString(party.ExpectedAmount)
		if err != nil {
			return nil, fmt.Errorf("bad expected amount %q: %w", party.ExpectedAmount, err)
		}
		surplus := list.TotalConfirmed.Sub(expected)
		if !surplus.IsPositive() {
			continue
		}

		seq, err := seqs.next(ctx, party.Chain)
		if err != nil {
			return nil, err
		}
		items = append(items, &database.QueueItem{
			DealID:       deal.ID,
			Chain:        party.Chain,
			FromAddr:     party.Escrow.Address,
			ToAddr:       party.RefundAddress,
			Asset:        party.Asset,
			TokenAddress: party.TokenAddress,
			Amount:       surplus.String(),
			Purpose:      database.PurposeSurplusRefund,
			Seq:          seq,
			Phase:        phasePayout,
			Payback:      party.RefundAddress,
		})
		deal.AppendEvent("surplus of %s %s on side %s refunded to %s",
			surplus, party.Asset, side, party.RefundAddress)
	}
	return items, nil
}

// ============================================================================
// PAYOUT -> CLOSED
// ============================================================================

// handlePayout closes the deal once every engine payout item is confirmed
func (e *Engine) handlePayout(ctx context.Context, deal *database.Deal) error {
	items, err := e.queue.GetItemsByDeal(ctx, deal.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Phase != phasePayout {
			continue
		}
		if item.Status == database.StatusFailed {
			return e.flagForReview(ctx, deal, fmt.Sprintf("payout item %s failed: %s", item.ID, item.RecoveryError))
		}
		if item.Status != database.StatusConfirmed {
			return nil
		}
	}

	if err := deal.Transition(database.StageClosed); err != nil {
		return err
	}
	deal.AppendEvent("deal closed: %s %s for %s %s settled (fees %s / %s)",
		deal.PartyA.ExpectedAmount, deal.PartyA.Asset,
		deal.PartyB.ExpectedAmount, deal.PartyB.Asset,
		deal.PartyA.FeeAmount, deal.PartyB.FeeAmount)
	if e.metrics != nil {
		e.metrics.DealsClosed.Inc()
	}
	e.logger.Printf("Deal %s closed", deal.ID)
	return e.txn.SaveDealTransition(ctx, deal, nil)
}

// ============================================================================
// REVERT PATH
// ============================================================================

// revert cancels a deal from COLLECTION or READY. Funded sides get a
// broker revert returning their deposit less fees; unfunded sides need no
// on-chain action. PENDING settlement items are removed in the same
// transaction; SUBMITTED ones settle on-chain and are ignored.
func (e *Engine) revert(ctx context.Context, deal *database.Deal, reason string) error {
	seqs := newSeqAllocator(e.queue, deal.ID)
	var items []*database.QueueItem

	for _, side := range deal.Sides() {
		party := deal.Party(side)
		if !party.Funded || party.Escrow == nil {
			continue
		}

		expected, err := decimal.NewFromString(party.ExpectedAmount)
		if err != nil {
			return fmt.Errorf("bad expected amount %q: %w", party.ExpectedAmount, err)
		}
		fee := decimal.Zero
		if party.FeeAmount != "" {
			fee, err = decimal.NewFromString(party.FeeAmount)
			if err != nil {
				return fmt.Errorf("bad fee amount %q: %w", party.FeeAmount, err)
			}
		}

		purpose := database.PurposeBrokerRevert
		if party.Native() {
			purpose = database.PurposeBrokerRefund
		}

		seq, err := seqs.next(ctx, party.Chain)
		if err != nil {
			return err
		}
		items = append(items, &database.QueueItem{
			DealID:       deal.ID,
			Chain:        party.Chain,
			FromAddr:     party.Escrow.Address,
			ToAddr:       party.RefundAddress,
			Asset:        party.Asset,
			TokenAddress: party.TokenAddress,
			Amount:       expected.Sub(fee).String(),
			Purpose:      purpose,
			Seq:          seq,
			Phase:        phaseRevert,
			Payback:      party.RefundAddress,
			Fees:         fee.String(),
		})
		deal.AppendEvent("revert enqueued for side %s: %s %s to %s",
			side, expected.Sub(fee), party.Asset, party.RefundAddress)
	}

	if err := deal.Transition(database.StageReverted); err != nil {
		return err
	}
	deal.AppendEvent("deal reverted: %s", reason)
	if e.metrics != nil {
		e.metrics.DealsReverted.Inc()
	}
	e.logger.Printf("Deal %s reverted: %s", deal.ID, reason)
	return e.txn.SaveDealReversion(ctx, deal, items)
}

// ============================================================================
// SEQ ALLOCATION
// ============================================================================

// seqAllocator hands out sequence numbers for a batch of items created in
// one transaction, continuing from the persisted maximum per chain
type seqAllocator struct {
	queue  QueueStore
	dealID uuid.UUID
	next_  map[string]int
}

func newSeqAllocator(queue QueueStore, dealID uuid.UUID) *seqAllocator {
	return &seqAllocator{queue: queue, dealID: dealID, next_: make(map[string]int)}
}

func (s *seqAllocator) next(ctx context.Context, chainName string) (int, error) {
	if seq, ok := s.next_[chainName]; ok {
		s.next_[chainName] = seq + 1
		return seq, nil
	}
	seq, err := s.queue.NextSeq(ctx, s.dealID, chainName)
	if err != nil {
		return 0, err
	}
	s.next_[chainName] = seq + 1
	return seq, nil
}
