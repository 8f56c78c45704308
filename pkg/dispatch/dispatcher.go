// Copyright 2025 OTC Protocol
//
// Queue Dispatcher - drains PENDING queue items in per-(deal, chain) seq
// order into the right plugin, tracks submissions to confirmation, and
// re-submits stalled transactions with bumped gas at the same nonce.

package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
	"github.com/otcprotocol/broker/pkg/metrics"
)

// Store is the dispatcher's queue access
type Store interface {
	GetOpenItems(ctx context.Context) ([]*database.QueueItem, error)
	PredecessorsConfirmed(ctx context.Context, item *database.QueueItem) (bool, error)
	MarkSubmitted(ctx context.Context, itemID uuid.UUID, txid string, nonce sql.NullInt64, gasPrice string, at time.Time) error
	MarkConfirmed(ctx context.Context, itemID uuid.UUID) error
	MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error
	ResetToPending(ctx context.Context, itemID uuid.UUID, recoveryError string) error
	RecordGasBump(ctx context.Context, itemID uuid.UUID, txid, gasPrice string, at time.Time) error
}

// RefundStore links GAS_REFUND_TO_TANK queue items back to their GasRefund
// rows so refund statuses track dispatch progress
type RefundStore interface {
	GetGasRefundByQueueItem(ctx context.Context, itemID uuid.UUID) (*database.GasRefund, error)
	UpdateGasRefundStatus(ctx context.Context, refundID uuid.UUID, status database.GasRefundStatus) error
}

// PluginSource resolves chain plugins by name
type PluginSource interface {
	Get(name string) (chain.Plugin, error)
}

// Config holds dispatcher tuning
type Config struct {
	Interval time.Duration

	// Fanout caps submissions per tick
	Fanout int

	// StallWindow is how long a submission may sit unconfirmed before a
	// gas bump
	StallWindow time.Duration

	// GasBumpFactor multiplies the gas price on each re-submission
	GasBumpFactor float64

	// MaxGasBumpAttempts bounds bumps per item
	MaxGasBumpAttempts int

	Logger *log.Logger
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:           10 * time.Second,
		Fanout:             8,
		StallWindow:        3 * time.Minute,
		GasBumpFactor:      1.25,
		MaxGasBumpAttempts: 5,
	}
}

// Dispatcher drains the transaction queue
type Dispatcher struct {
	mu sync.Mutex

	store   Store
	refunds RefundStore
	chains  PluginSource
	cfg     *Config

	metrics *metrics.Metrics
	logger  *log.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a dispatcher
func New(store Store, refunds RefundStore, chains PluginSource, cfg *Config, m *metrics.Metrics) (*Dispatcher, error) {
	if store == nil || chains == nil {
		return nil, fmt.Errorf("dispatcher dependencies cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Dispatcher] ", log.LstdFlags)
	}

	return &Dispatcher{
		store:   store,
		refunds: refunds,
		chains:  chains,
		cfg:     cfg,
		metrics: m,
		logger:  cfg.Logger,
	}, nil
}

// Start begins the dispatch loop
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	go d.run(ctx)

	d.logger.Printf("Started (interval %s, fanout %d)", d.cfg.Interval, d.cfg.Fanout)
	return nil
}

// Stop stops the dispatcher and waits for the loop to finish
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	close(d.stopCh)
	d.running = false
	d.mu.Unlock()

	<-d.doneCh

	d.logger.Println("Stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass: track SUBMITTED items first so freshly
// confirmed predecessors unblock their successors within the same tick,
// then submit eligible PENDING items up to the fan-out limit.
func (d *Dispatcher) Tick(ctx context.Context) {
	items, err := d.store.GetOpenItems(ctx)
	if err != nil {
		d.logger.Printf("Failed to load open items: %v", err)
		return
	}

	var pending []*database.QueueItem
	pendingCount := 0
	for _, item := range items {
		switch item.Status {
		case database.StatusSubmitted:
			d.trackSubmitted(ctx, item)
		case database.StatusPending:
			pending = append(pending, item)
			pendingCount++
		}
	}
	if d.metrics != nil {
		d.metrics.PendingQueueDepth.Set(float64(pendingCount))
	}

	candidates, err := d.selectCandidates(ctx, pending)
	if err != nil {
		d.logger.Printf("Candidate selection failed: %v", err)
		return
	}

	// Chains whose gas circuit breaker trips stay paused for this tick
	paused := make(map[string]bool)

	submitted := 0
	for _, item := range candidates {
		if submitted >= d.cfg.Fanout {
			break
		}
		if paused[item.Chain] {
			continue
		}
		if tripped := d.submit(ctx, item); tripped {
			paused[item.Chain] = true
			continue
		}
		submitted++
	}
}

// selectCandidates groups PENDING items by (deal, chain), keeps the lowest
// seq of each group whose predecessors are all CONFIRMED, and orders the
// result by creation time
func (d *Dispatcher) selectCandidates(ctx context.Context, pending []*database.QueueItem) ([]*database.QueueItem, error) {
	type groupKey struct {
		deal  uuid.UUID
		chain string
	}

	groups := make(map[groupKey]*database.QueueItem)
	for _, item := range pending {
		key := groupKey{deal: item.DealID, chain: item.Chain}
		if best, ok := groups[key]; !ok || item.Seq < best.Seq {
			groups[key] = item
		}
	}

	var candidates []*database.QueueItem
	for _, item := range groups {
		ok, err := d.store.PredecessorsConfirmed(ctx, item)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, item)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates, nil
}

// submit pushes one item through its plugin. Returns true when the chain's
// circuit breaker tripped and the chain should pause for this tick.
func (d *Dispatcher) submit(ctx context.Context, item *database.QueueItem) (tripped bool) {
	plugin, err := d.chains.Get(item.Chain)
	if err != nil {
		d.logger.Printf("Item %s: %v", item.ID, err)
		return false
	}

	result, err := plugin.Submit(ctx, item)
	if err != nil {
		switch {
		case chain.TreatAsSuccess(err):
			// The contract already executed this operation; converge.
			d.logger.Printf("Item %s already executed on-chain, confirming", item.ID)
			d.confirm(ctx, item)
		case chain.Fatal(err):
			d.logger.Printf("Item %s failed fatally: %v", item.ID, err)
			if markErr := d.store.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				d.logger.Printf("Item %s: failed to mark failed: %v", item.ID, markErr)
			}
			if d.metrics != nil {
				d.metrics.QueueFailures.Inc()
			}
		case chain.KindOf(err) == chain.KindCircuitBreaker:
			d.logger.Printf("Chain %s paused: %v", item.Chain, err)
			return true
		default:
			// Transient; the next tick or the recovery manager retries
			d.logger.Printf("Item %s submission failed: %v", item.ID, err)
		}
		return false
	}

	now := time.Now().UTC()
	nonce := sql.NullInt64{Int64: result.Nonce, Valid: true}
	if err := d.store.MarkSubmitted(ctx, item.ID, result.TxID, nonce, result.GasPrice, now); err != nil {
		d.logger.Printf("Item %s: failed to record submission: %v", item.ID, err)
		return false
	}
	d.updateRefundStatus(ctx, item, database.RefundSubmitted)

	if d.metrics != nil {
		d.metrics.QueueSubmissions.WithLabelValues(item.Chain, string(item.Purpose)).Inc()
	}
	d.logger.Printf("Item %s submitted on %s: %s (%s seq %d)", item.ID, item.Chain, result.TxID, item.Purpose, item.Seq)
	return false
}

// trackSubmitted polls one SUBMITTED item: promote at the confirmation
// threshold, reset on negative confirmations, bump gas when stalled.
func (d *Dispatcher) trackSubmitted(ctx context.Context, item *database.QueueItem) {
	plugin, err := d.chains.Get(item.Chain)
	if err != nil {
		d.logger.Printf("Item %s: %v", item.ID, err)
		return
	}

	conf, err := plugin.GetTxConfirmations(ctx, item.SubmittedTx)
	if err != nil {
		d.logger.Printf("Item %s: confirmation poll failed: %v", item.ID, err)
		return
	}

	switch {
	case conf < 0:
		// Failed or reorged away; clear the submission and retry
		d.logger.Printf("Item %s: tx %s reorged or failed, resetting", item.ID, item.SubmittedTx)
		if err := d.store.ResetToPending(ctx, item.ID, "reorg detected for "+item.SubmittedTx); err != nil {
			d.logger.Printf("Item %s: failed to reset: %v", item.ID, err)
		}

	case conf >= plugin.ConfirmationThreshold():
		d.confirm(ctx, item)

	case conf == 0:
		d.maybeBumpGas(ctx, plugin, item)
	}
}

// confirm promotes an item to CONFIRMED and tracks its gas refund, if any
func (d *Dispatcher) confirm(ctx context.Context, item *database.QueueItem) {
	if err := d.store.MarkConfirmed(ctx, item.ID); err != nil {
		d.logger.Printf("Item %s: failed to confirm: %v", item.ID, err)
		return
	}
	d.updateRefundStatus(ctx, item, database.RefundConfirmed)
	if d.metrics != nil {
		d.metrics.QueueConfirmations.Inc()
	}
	d.logger.Printf("Item %s confirmed (%s seq %d)", item.ID, item.Purpose, item.Seq)
}

// maybeBumpGas re-submits a stalled transaction at the same nonce with a
// higher gas price
func (d *Dispatcher) maybeBumpGas(ctx context.Context, plugin chain.Plugin, item *database.QueueItem) {
	if item.LastSubmitAt == nil || time.Since(*item.LastSubmitAt) < d.cfg.StallWindow {
		return
	}
	if item.GasBumpAttempts >= d.cfg.MaxGasBumpAttempts {
		return
	}

	lastPrice, err := decimal.NewFromString(item.LastGasPrice)
	if err != nil || !lastPrice.IsPositive() {
		d.logger.Printf("Item %s stalled but has no usable gas price (%q)", item.ID, item.LastGasPrice)
		return
	}

	bumped := lastPrice.Mul(decimal.NewFromFloat(d.cfg.GasBumpFactor)).Ceil()

	// Re-submit with the pinned nonce and the bumped price; the plugin
	// treats this as a replacement, not a new transaction.
	retry := *item
	retry.LastGasPrice = bumped.String()

	result, err := plugin.Submit(ctx, &retry)
	if err != nil {
		if chain.TreatAsSuccess(err) {
			d.confirm(ctx, item)
			return
		}
		d.logger.Printf("Item %s: gas bump failed: %v", item.ID, err)
		return
	}

	if err := d.store.RecordGasBump(ctx, item.ID, result.TxID, bumped.String(), time.Now().UTC()); err != nil {
		d.logger.Printf("Item %s: failed to record gas bump: %v", item.ID, err)
		return
	}
	if d.metrics != nil {
		d.metrics.GasBumps.Inc()
	}
	d.logger.Printf("Item %s gas bumped to %s wei (attempt %d): %s",
		item.ID, bumped, item.GasBumpAttempts+1, result.TxID)
}

// updateRefundStatus mirrors dispatch progress onto the linked GasRefund
// row when the item is a tank refund created by the recovery manager
func (d *Dispatcher) updateRefundStatus(ctx context.Context, item *database.QueueItem, status database.GasRefundStatus) {
	if d.refunds == nil || item.Purpose != database.PurposeGasRefundToTank {
		return
	}
	refund, err := d.refunds.GetGasRefundByQueueItem(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, database.ErrGasRefundNotFound) {
			d.logger.Printf("Item %s: refund lookup failed: %v", item.ID, err)
		}
		return
	}
	if err := d.refunds.UpdateGasRefundStatus(ctx, refund.ID, status); err != nil {
		d.logger.Printf("Refund %s: failed to update status: %v", refund.ID, err)
	}
}
