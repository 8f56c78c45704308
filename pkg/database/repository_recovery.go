// Copyright 2025 OTC Protocol
//
// Recovery Repository - append-only recovery audit log and gas refunds
// A GasRefund and its linked queue item are created in one transaction

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecoveryRepository handles recovery log and gas refund operations
type RecoveryRepository struct {
	client *Client
	queue  *QueueRepository
}

// NewRecoveryRepository creates a new recovery repository
func NewRecoveryRepository(client *Client, queue *QueueRepository) *RecoveryRepository {
	return &RecoveryRepository{client: client, queue: queue}
}

// ============================================================================
// RECOVERY LOG
// ============================================================================

// AppendLog writes one audit entry. The log is append-only.
func (r *RecoveryRepository) AppendLog(ctx context.Context, entry *RecoveryLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO recovery_log (
			entry_id, entry_type, chain, action, target, success, error,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.client.ExecContext(ctx, query,
		entry.ID, entry.Type, entry.Chain, entry.Action, entry.Target,
		entry.Success, entry.Error, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append recovery log: %w", err)
	}

	return nil
}

// LastActionAt returns the most recent timestamp of an action against a
// target, or the zero time when none exists. Used to rate-limit rechecks.
func (r *RecoveryRepository) LastActionAt(ctx context.Context, action, chain, target string) (time.Time, error) {
	query := `
		SELECT created_at
		FROM recovery_log
		WHERE action = $1 AND chain = $2 AND target = $3
		ORDER BY created_at DESC
		LIMIT 1`

	var at time.Time
	err := r.client.QueryRowContext(ctx, query, action, chain, target).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last action: %w", err)
	}
	return at, nil
}

// GetRecentLog retrieves the newest audit entries
func (r *RecoveryRepository) GetRecentLog(ctx context.Context, limit int) ([]*RecoveryLogEntry, error) {
	query := `
		SELECT entry_id, entry_type, chain, action, target, success, error,
			metadata, created_at
		FROM recovery_log
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery log: %w", err)
	}
	defer rows.Close()

	var entries []*RecoveryLogEntry
	for rows.Next() {
		entry := &RecoveryLogEntry{}
		err := rows.Scan(
			&entry.ID, &entry.Type, &entry.Chain, &entry.Action, &entry.Target,
			&entry.Success, &entry.Error, &entry.Metadata, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery log entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// ============================================================================
// GAS REFUNDS
// ============================================================================

// CreateGasRefundWithItem atomically inserts a GasRefund row and its linked
// GAS_REFUND_TO_TANK queue item. Either both rows exist afterwards or
// neither does.
func (r *RecoveryRepository) CreateGasRefundWithItem(ctx context.Context, refund *GasRefund, item *QueueItem) error {
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	refund.CreatedAt = now
	refund.UpdatedAt = now
	refund.QueueItemID = uuid.NullUUID{UUID: item.ID, Valid: true}
	if refund.Status == "" {
		refund.Status = RefundQueued
	}

	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.queue.CreateItemTx(ctx, tx, item); err != nil {
		return err
	}

	query := `
		INSERT INTO gas_refunds (
			refund_id, deal_id, chain, escrow_address, approval_tx_hash,
			refund_amount, status, queue_item_id, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = tx.Tx().ExecContext(ctx, query,
		refund.ID, refund.DealID, refund.Chain, refund.EscrowAddress,
		refund.ApprovalTxHash, refund.RefundAmount, refund.Status,
		refund.QueueItemID, refund.Metadata, refund.CreatedAt, refund.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create gas refund: %w", err)
	}

	return tx.Commit()
}

// GetGasRefund retrieves a refund row for an escrow approval, if one exists
func (r *RecoveryRepository) GetGasRefund(ctx context.Context, chain, escrowAddr, approvalTxHash string) (*GasRefund, error) {
	query := `
		SELECT refund_id, deal_id, chain, escrow_address, approval_tx_hash,
			refund_amount, status, queue_item_id, metadata, created_at, updated_at
		FROM gas_refunds
		WHERE chain = $1 AND escrow_address = $2 AND approval_tx_hash = $3`

	refund := &GasRefund{}
	err := r.client.QueryRowContext(ctx, query, chain, escrowAddr, approvalTxHash).Scan(
		&refund.ID, &refund.DealID, &refund.Chain, &refund.EscrowAddress,
		&refund.ApprovalTxHash, &refund.RefundAmount, &refund.Status,
		&refund.QueueItemID, &refund.Metadata, &refund.CreatedAt, &refund.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGasRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gas refund: %w", err)
	}
	return refund, nil
}

// UpdateGasRefundStatus moves a refund through QUEUED -> SUBMITTED -> CONFIRMED
// (or SKIPPED)
func (r *RecoveryRepository) UpdateGasRefundStatus(ctx context.Context, refundID uuid.UUID, status GasRefundStatus) error {
	query := `
		UPDATE gas_refunds
		SET status = $2, updated_at = $3
		WHERE refund_id = $1`

	_, err := r.client.ExecContext(ctx, query, refundID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update gas refund status: %w", err)
	}
	return nil
}

// GetGasRefundByQueueItem retrieves the refund linked to a queue item
func (r *RecoveryRepository) GetGasRefundByQueueItem(ctx context.Context, itemID uuid.UUID) (*GasRefund, error) {
	query := `
		SELECT refund_id, deal_id, chain, escrow_address, approval_tx_hash,
			refund_amount, status, queue_item_id, metadata, created_at, updated_at
		FROM gas_refunds
		WHERE queue_item_id = $1`

	refund := &GasRefund{}
	err := r.client.QueryRowContext(ctx, query, itemID).Scan(
		&refund.ID, &refund.DealID, &refund.Chain, &refund.EscrowAddress,
		&refund.ApprovalTxHash, &refund.RefundAmount, &refund.Status,
		&refund.QueueItemID, &refund.Metadata, &refund.CreatedAt, &refund.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGasRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gas refund by queue item: %w", err)
	}
	return refund, nil
}
