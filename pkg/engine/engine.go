// Copyright 2025 OTC Protocol
//
// Deal Engine - advances each deal's state machine on periodic ticks.
// The engine is the only writer of deal stages; every stage write commits
// atomically with the queue items it causes. Stage decisions only ever
// consider confirmed deposits.

package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
	"github.com/otcprotocol/broker/pkg/metrics"
)

// DealStore is the engine's read access to deals
type DealStore interface {
	GetActiveDeals(ctx context.Context) ([]*database.Deal, error)
}

// QueueStore is the engine's read access to queue items
type QueueStore interface {
	GetItemsByDeal(ctx context.Context, dealID uuid.UUID) ([]*database.QueueItem, error)
	NextSeq(ctx context.Context, dealID uuid.UUID, chainName string) (int, error)
}

// DepositStore persists the deposits the engine observes while polling
type DepositStore interface {
	UpsertDeposit(ctx context.Context, rec *database.DepositRecord) error
}

// TransitionStore commits stage writes atomically with their queue writes
type TransitionStore interface {
	SaveDealTransition(ctx context.Context, deal *database.Deal, items []*database.QueueItem) error
	SaveDealReversion(ctx context.Context, deal *database.Deal, revertItems []*database.QueueItem) error
}

// PluginSource resolves chain plugins by name
type PluginSource interface {
	Get(name string) (chain.Plugin, error)
}

// Config holds engine tuning
type Config struct {
	TickInterval time.Duration

	// DealTimeout bounds COLLECTION for deals without an explicit deadline
	DealTimeout time.Duration

	Logger *log.Logger
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval: 15 * time.Second,
		DealTimeout:  24 * time.Hour,
	}
}

// Engine advances deal state machines
type Engine struct {
	mu sync.Mutex

	deals    DealStore
	queue    QueueStore
	deposits DepositStore
	txn      TransitionStore
	chains   PluginSource
	calc     *ReimbursementCalculator

	tickInterval time.Duration
	dealTimeout  time.Duration

	metrics *metrics.Metrics
	logger  *log.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a deal engine
func New(deals DealStore, queue QueueStore, deposits DepositStore, txn TransitionStore, chains PluginSource, calc *ReimbursementCalculator, cfg *Config, m *metrics.Metrics) (*Engine, error) {
	if deals == nil || queue == nil || deposits == nil || txn == nil || chains == nil {
		return nil, fmt.Errorf("engine dependencies cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[DealEngine] ", log.LstdFlags)
	}

	return &Engine{
		deals:        deals,
		queue:        queue,
		deposits:     deposits,
		txn:          txn,
		chains:       chains,
		calc:         calc,
		tickInterval: cfg.TickInterval,
		dealTimeout:  cfg.DealTimeout,
		metrics:      m,
		logger:       cfg.Logger,
	}, nil
}

// Start begins the tick loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go e.run(ctx)

	e.logger.Printf("Started (tick every %s)", e.tickInterval)
	return nil
}

// Stop stops the engine and waits for the loop to finish
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	close(e.stopCh)
	e.running = false
	e.mu.Unlock()

	<-e.doneCh

	e.logger.Println("Stopped")
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one pass over all non-terminal deals. Errors on one deal never
// block the others; the next tick retries.
func (e *Engine) Tick(ctx context.Context) {
	deals, err := e.deals.GetActiveDeals(ctx)
	if err != nil {
		e.logger.Printf("Failed to load active deals: %v", err)
		return
	}

	for _, deal := range deals {
		if deal.OperatorReview {
			continue
		}
		if err := e.advance(ctx, deal); err != nil {
			e.logger.Printf("Deal %s (%s): %v", deal.ID, deal.Stage, err)
		}
	}
}

// advance runs the handler for the deal's current stage
func (e *Engine) advance(ctx context.Context, deal *database.Deal) error {
	switch deal.Stage {
	case database.StageDraft:
		return e.handleDraft(ctx, deal)
	case database.StageCollection:
		return e.handleCollection(ctx, deal)
	case database.StageReady:
		return e.handleReady(ctx, deal)
	case database.StageSwap:
		return e.handleSwap(ctx, deal)
	case database.StagePayout:
		return e.handlePayout(ctx, deal)
	default:
		return nil
	}
}

// flagForReview pauses a deal after a fatal invariant break
func (e *Engine) flagForReview(ctx context.Context, deal *database.Deal, reason string) error {
	deal.OperatorReview = true
	deal.OperatorReviewReason = reason
	deal.AppendEvent("flagged for operator review: %s", reason)
	e.logger.Printf("CRITICAL: deal %s flagged for operator review: %s", deal.ID, reason)
	return e.txn.SaveDealTransition(ctx, deal, nil)
}

// deadline returns the deal's effective COLLECTION deadline
func (e *Engine) deadline(deal *database.Deal) time.Time {
	if deal.Deadline != nil {
		return *deal.Deadline
	}
	return deal.CreatedAt.Add(e.dealTimeout)
}
