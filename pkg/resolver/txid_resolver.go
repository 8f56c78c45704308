// Copyright 2025 OTC Protocol
//
// Txid Resolver - replaces synthetic deposit identifiers (recorded when a
// chain API returned only a balance) with real transaction hashes, by
// matching Transfer events in a block window around the recorded height.
// Every attempt is audited; attempts are bounded, then the deposit is
// marked failed.

package resolver

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// DepositStore is the resolver's deposit access
type DepositStore interface {
	GetUnresolvedSynthetic(ctx context.Context, maxAttempts, limit int) ([]*database.DepositRecord, error)
	GetRecentByChain(ctx context.Context, chainName string, limit int) ([]*database.DepositRecord, error)
	MarkResolved(ctx context.Context, depositID uuid.UUID, realTxID string, confidence float64) error
	MarkResolutionFailed(ctx context.Context, depositID uuid.UUID) error
	IncrementResolutionAttempts(ctx context.Context, depositID uuid.UUID) error
}

// AuditStore records resolution attempts and vesting outcomes
type AuditStore interface {
	RecordResolution(ctx context.Context, res *database.TxidResolution) error
	GetEntry(ctx context.Context, txid string) (*database.VestingCacheEntry, error)
	UpsertEntry(ctx context.Context, entry *database.VestingCacheEntry) error
}

// PluginSource resolves chain plugins; the resolver also needs the full
// chain list to drive vesting classification
type PluginSource interface {
	Get(name string) (chain.Plugin, error)
	Names() []string
}

// Config holds resolver tuning
type Config struct {
	Interval time.Duration

	// WindowSpan is the block radius searched around the recorded height
	WindowSpan int64

	// MaxAttempts bounds resolution attempts per deposit
	MaxAttempts int

	// AmountTolerance accepts near matches, as a fraction (0.0001 = 0.01%)
	AmountTolerance decimal.Decimal

	// BatchLimit caps deposits handled per pass
	BatchLimit int

	Logger *log.Logger
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:        2 * time.Minute,
		WindowSpan:      1000,
		MaxAttempts:     5,
		AmountTolerance: decimal.RequireFromString("0.0001"),
		BatchLimit:      50,
	}
}

// Resolver fixes up synthetic deposit identifiers and drives the vesting
// tracer over UTXO-chain deposits
type Resolver struct {
	mu sync.Mutex

	deposits DepositStore
	audit    AuditStore
	chains   PluginSource
	tracer   *VestingTracer
	cfg      *Config

	logger *log.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a resolver
func New(deposits DepositStore, audit AuditStore, chains PluginSource, tracer *VestingTracer, cfg *Config) (*Resolver, error) {
	if deposits == nil || audit == nil || chains == nil {
		return nil, fmt.Errorf("resolver dependencies cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[TxidResolver] ", log.LstdFlags)
	}

	return &Resolver{
		deposits: deposits,
		audit:    audit,
		chains:   chains,
		tracer:   tracer,
		cfg:      cfg,
		logger:   cfg.Logger,
	}, nil
}

// Start begins the resolution loop
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)

	r.logger.Printf("Started (interval %s, window +/-%d blocks)", r.cfg.Interval, r.cfg.WindowSpan)
	return nil
}

// Stop stops the resolver and waits for the loop to finish
func (r *Resolver) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	close(r.stopCh)
	r.running = false
	r.mu.Unlock()

	<-r.doneCh

	r.logger.Println("Stopped")
	return nil
}

func (r *Resolver) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one pass: synthetic deposit resolution, then vesting
// classification on UTXO chains
func (r *Resolver) Tick(ctx context.Context) {
	r.resolveSynthetic(ctx)
	r.classifyVesting(ctx)
}

// ============================================================================
// SYNTHETIC RESOLUTION
// ============================================================================

func (r *Resolver) resolveSynthetic(ctx context.Context) {
	records, err := r.deposits.GetUnresolvedSynthetic(ctx, r.cfg.MaxAttempts, r.cfg.BatchLimit)
	if err != nil {
		r.logger.Printf("Synthetic scan failed: %v", err)
		return
	}

	for _, rec := range records {
		if err := r.resolveOne(ctx, rec); err != nil {
			r.logger.Printf("Deposit %s: %v", rec.ID, err)
		}
	}
}

// resolveOne runs a single resolution attempt for one synthetic deposit
func (r *Resolver) resolveOne(ctx context.Context, rec *database.DepositRecord) error {
	attempt := rec.ResolutionAttempts + 1
	if err := r.deposits.IncrementResolutionAttempts(ctx, rec.ID); err != nil {
		return err
	}

	plugin, err := r.chains.Get(rec.Chain)
	if err != nil {
		return err
	}

	fromBlock := rec.BlockHeight - r.cfg.WindowSpan
	if fromBlock < 0 {
		fromBlock = 0
	}
	toBlock := rec.BlockHeight + r.cfg.WindowSpan

	audit := &database.TxidResolution{
		DepositID:     rec.ID,
		SyntheticTxID: rec.TxID,
		WindowFrom:    fromBlock,
		WindowTo:      toBlock,
	}

	asset := chain.Asset{Symbol: rec.Asset}
	events, err := plugin.ResolveTransferEvents(ctx, asset, rec.EscrowAddress, fromBlock, toBlock)
	if err != nil {
		r.recordAttempt(ctx, audit)
		r.failWhenExhausted(ctx, rec, attempt)
		return fmt.Errorf("event scan failed: %w", err)
	}

	best, confidence := r.bestMatch(rec, events)
	audit.CandidateCount = len(events)
	audit.Confidence = confidence

	if best == nil {
		r.recordAttempt(ctx, audit)
		r.failWhenExhausted(ctx, rec, attempt)
		return nil
	}

	audit.ChosenTxHash = best.TxHash
	audit.Resolved = true
	r.recordAttempt(ctx, audit)

	if err := r.deposits.MarkResolved(ctx, rec.ID, best.TxHash, confidence); err != nil {
		return err
	}
	r.logger.Printf("Deposit %s resolved: %s -> %s (confidence %.2f)",
		rec.ID, rec.TxID, best.TxHash, confidence)
	return nil
}

// bestMatch filters candidates to the deposit's destination and amount and
// picks the best: highest confidence, then earliest block, then lowest log
// index. Exact amounts score 1.0; near matches within tolerance score 0.9.
func (r *Resolver) bestMatch(rec *database.DepositRecord, events []chain.TransferEvent) (*chain.TransferEvent, float64) {
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return nil, 0
	}

	type scored struct {
		event      chain.TransferEvent
		confidence float64
	}
	var matches []scored

	for _, ev := range events {
		if !equalAddress(ev.To, rec.EscrowAddress) {
			continue
		}
		switch {
		case ev.Amount.Equal(amount):
			matches = append(matches, scored{ev, 1.0})
		case withinTolerance(ev.Amount, amount, r.cfg.AmountTolerance):
			matches = append(matches, scored{ev, 0.9})
		}
	}
	if len(matches) == 0 {
		return nil, 0
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].confidence != matches[j].confidence {
			return matches[i].confidence > matches[j].confidence
		}
		if matches[i].event.BlockHeight != matches[j].event.BlockHeight {
			return matches[i].event.BlockHeight < matches[j].event.BlockHeight
		}
		return matches[i].event.LogIndex < matches[j].event.LogIndex
	})

	best := matches[0]
	return &best.event, best.confidence
}

func (r *Resolver) recordAttempt(ctx context.Context, audit *database.TxidResolution) {
	if err := r.audit.RecordResolution(ctx, audit); err != nil {
		r.logger.Printf("Failed to record resolution attempt: %v", err)
	}
}

func (r *Resolver) failWhenExhausted(ctx context.Context, rec *database.DepositRecord, attempt int) {
	if attempt < r.cfg.MaxAttempts {
		return
	}
	if err := r.deposits.MarkResolutionFailed(ctx, rec.ID); err != nil {
		r.logger.Printf("Deposit %s: failed to mark resolution failed: %v", rec.ID, err)
		return
	}
	r.logger.Printf("Deposit %s: resolution failed after %d attempts", rec.ID, attempt)
}

// ============================================================================
// VESTING CLASSIFICATION
// ============================================================================

// classifyVesting walks recent deposits on UTXO chains through the tracer
func (r *Resolver) classifyVesting(ctx context.Context) {
	if r.tracer == nil {
		return
	}
	for _, name := range r.chains.Names() {
		plugin, err := r.chains.Get(name)
		if err != nil {
			continue
		}
		source, ok := plugin.(chain.UTXOSource)
		if !ok {
			continue
		}

		records, err := r.deposits.GetRecentByChain(ctx, name, r.cfg.BatchLimit)
		if err != nil {
			r.logger.Printf("Vesting scan failed on %s: %v", name, err)
			continue
		}
		for _, rec := range records {
			status, err := r.tracer.Classify(ctx, source, rec.TxID)
			if err != nil {
				r.logger.Printf("Vesting trace of %s: %v", rec.TxID, err)
				continue
			}
			if status == database.VestingUnvested {
				r.logger.Printf("Deposit %s on %s is unvested", rec.TxID, name)
			}
		}
	}
}

// equalAddress compares addresses case-insensitively
func equalAddress(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// withinTolerance reports |candidate - expected| / expected <= tolerance
func withinTolerance(candidate, expected, tolerance decimal.Decimal) bool {
	if expected.IsZero() {
		return candidate.IsZero()
	}
	diff := candidate.Sub(expected).Abs()
	return diff.Div(expected).LessThanOrEqual(tolerance)
}
