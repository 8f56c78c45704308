// Copyright 2025 OTC Protocol
//
// Recovery Manager - periodically reconciles what the store believes with
// what chains actually show. A single cycle runs under the global
// RECOVERY_GLOBAL lease, so at most one manager works at a time across any
// number of redundant broker processes.
//
// Phases, in order: stuck queue items, suspect submitted items, missing
// broker allowances (with tank gas funding), and gas refunds back to the
// tank. A phase failure never aborts the cycle; every attempt is audited
// to the recovery log.

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/config"
	"github.com/otcprotocol/broker/pkg/database"
	"github.com/otcprotocol/broker/pkg/metrics"
)

// LeaseStore coordinates the single-writer recovery lease
type LeaseStore interface {
	Acquire(ctx context.Context, leaseType, holderID string, ttl time.Duration) (*database.Lease, error)
	Release(ctx context.Context, leaseType, holderID string) error
}

// QueueStore is the recovery manager's queue access
type QueueStore interface {
	GetStuckPending(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*database.QueueItem, error)
	GetSuspectSubmitted(ctx context.Context, cutoff time.Time) ([]*database.QueueItem, error)
	GetConfirmedApprovals(ctx context.Context, cutoff time.Time) ([]*database.QueueItem, error)
	CountOpenBrokerOps(ctx context.Context, chainName, escrowAddr string) (int64, error)
	CountOpenByPurpose(ctx context.Context, chainName string, purpose database.QueuePurpose, toAddr string) (int64, error)
	IncrementRecoveryAttempts(ctx context.Context, itemID uuid.UUID) error
	TouchRecovery(ctx context.Context, itemID uuid.UUID) error
	MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error
	MarkConfirmed(ctx context.Context, itemID uuid.UUID) error
	ResetToPending(ctx context.Context, itemID uuid.UUID, recoveryError string) error
	NextSeq(ctx context.Context, dealID uuid.UUID, chainName string) (int, error)
	CreateItem(ctx context.Context, item *database.QueueItem) error
}

// DealStore is the recovery manager's deal access
type DealStore interface {
	GetActiveDeals(ctx context.Context) ([]*database.Deal, error)
}

// AuditStore is the append-only recovery log
type AuditStore interface {
	AppendLog(ctx context.Context, entry *database.RecoveryLogEntry) error
	LastActionAt(ctx context.Context, action, chainName, target string) (time.Time, error)
}

// RefundStore creates gas refund rows atomically with their queue items
type RefundStore interface {
	CreateGasRefundWithItem(ctx context.Context, refund *database.GasRefund, item *database.QueueItem) error
	GetGasRefund(ctx context.Context, chainName, escrowAddr, approvalTxHash string) (*database.GasRefund, error)
}

// PluginSource resolves chain plugins by name
type PluginSource interface {
	Get(name string) (chain.Plugin, error)
}

// Config holds recovery manager tuning
type Config struct {
	Interval time.Duration
	LeaseTTL time.Duration

	// HolderID identifies this process in the lease table
	HolderID string

	// StuckThreshold is how long a PENDING item may sit unsubmitted
	StuckThreshold time.Duration

	// FailedTxThreshold is how long a SUBMITTED item may sit before its
	// transaction is treated as suspect
	FailedTxThreshold time.Duration

	// MaxRecoveryAttempts bounds retries per item; exhaustion is terminal
	MaxRecoveryAttempts int

	// ApprovalLockWindow is how long a confirmed approval must rest before
	// the escrow's leftover gas refunds to the tank
	ApprovalLockWindow time.Duration

	// AllowanceRecheckInterval rate-limits allowance probes per escrow
	AllowanceRecheckInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns default recovery configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:                 time.Minute,
		LeaseTTL:                 45 * time.Second,
		HolderID:                 "broker-default",
		StuckThreshold:           5 * time.Minute,
		FailedTxThreshold:        10 * time.Minute,
		MaxRecoveryAttempts:      5,
		ApprovalLockWindow:       30 * time.Minute,
		AllowanceRecheckInterval: 10 * time.Minute,
	}
}

// Manager runs the recovery cycle
type Manager struct {
	mu sync.Mutex

	leases  LeaseStore
	queue   QueueStore
	deals   DealStore
	audit   AuditStore
	refunds RefundStore
	chains  PluginSource

	chainsCfg *config.ChainsConfig
	cfg       *Config

	metrics *metrics.Metrics
	logger  *log.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a recovery manager
func New(leases LeaseStore, queue QueueStore, deals DealStore, audit AuditStore, refunds RefundStore, chains PluginSource, chainsCfg *config.ChainsConfig, cfg *Config, m *metrics.Metrics) (*Manager, error) {
	if leases == nil || queue == nil || deals == nil || audit == nil || refunds == nil || chains == nil {
		return nil, fmt.Errorf("recovery dependencies cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Recovery] ", log.LstdFlags)
	}

	return &Manager{
		leases:    leases,
		queue:     queue,
		deals:     deals,
		audit:     audit,
		refunds:   refunds,
		chains:    chains,
		chainsCfg: chainsCfg,
		cfg:       cfg,
		metrics:   m,
		logger:    cfg.Logger,
	}, nil
}

// Start begins the recovery loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)

	m.logger.Printf("Started (cycle every %s)", m.cfg.Interval)
	return nil
}

// Stop stops the manager and waits for the loop to finish
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	<-m.doneCh

	m.logger.Println("Stopped")
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one recovery pass under the global lease. When another
// process holds the lease the cycle is skipped entirely.
func (m *Manager) Cycle(ctx context.Context) {
	_, err := m.leases.Acquire(ctx, database.LeaseRecoveryGlobal, m.cfg.HolderID, m.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, database.ErrLeaseHeld) {
			return
		}
		m.logger.Printf("Lease acquisition failed: %v", err)
		return
	}
	defer func() {
		if err := m.leases.Release(ctx, database.LeaseRecoveryGlobal, m.cfg.HolderID); err != nil {
			m.logger.Printf("Lease release failed: %v", err)
		}
	}()

	m.phaseStuckItems(ctx)
	m.phaseSuspectSubmitted(ctx)
	m.phaseMissingAllowances(ctx)
	m.phaseGasRefunds(ctx)
}

// record audits one recovery action and feeds the metrics counters
func (m *Manager) record(ctx context.Context, phase, chainName, action, target string, success bool, actionErr error, meta map[string]interface{}) {
	entry := &database.RecoveryLogEntry{
		Type:    phase,
		Chain:   chainName,
		Action:  action,
		Target:  target,
		Success: success,
	}
	if actionErr != nil {
		entry.Error = actionErr.Error()
	}
	if meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			entry.Metadata = raw
		}
	}

	if err := m.audit.AppendLog(ctx, entry); err != nil {
		m.logger.Printf("Failed to append recovery log (%s/%s): %v", phase, action, err)
	}
	if m.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		m.metrics.RecoveryActions.WithLabelValues(phase, outcome).Inc()
	}
}

// chainConfig looks up the static chain configuration
func (m *Manager) chainConfig(name string) *config.ChainConfig {
	if m.chainsCfg == nil {
		return nil
	}
	if cfg, ok := m.chainsCfg.Chain(name); ok {
		return cfg
	}
	return nil
}
