// Copyright 2025 OTC Protocol
//
// Queue Repository - outbound chain transaction work queue
// Items for the same (deal, chain) submit in strictly increasing seq order

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueRepository handles queue item operations
type QueueRepository struct {
	client *Client
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(client *Client) *QueueRepository {
	return &QueueRepository{client: client}
}

const queueColumns = `
	item_id, deal_id, chain, from_addr, to_addr, asset, token_address,
	amount, purpose, seq, status, phase, submitted_tx, confirmed_at,
	gas_bump_attempts, last_gas_price, original_nonce, last_submit_at,
	recovery_attempts, last_recovery_at, recovery_error,
	payback, recipient, fee_recipient, fees, created_at`

func scanQueueItem(scan func(dest ...interface{}) error) (*QueueItem, error) {
	item := &QueueItem{}
	err := scan(
		&item.ID, &item.DealID, &item.Chain, &item.FromAddr, &item.ToAddr,
		&item.Asset, &item.TokenAddress, &item.Amount, &item.Purpose,
		&item.Seq, &item.Status, &item.Phase, &item.SubmittedTx,
		&item.ConfirmedAt, &item.GasBumpAttempts, &item.LastGasPrice,
		&item.OriginalNonce, &item.LastSubmitAt, &item.RecoveryAttempts,
		&item.LastRecoveryAt, &item.RecoveryError, &item.Payback,
		&item.Recipient, &item.FeeRecipient, &item.Fees, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateItem inserts a new PENDING queue item
func (r *QueueRepository) CreateItem(ctx context.Context, item *QueueItem) error {
	return r.createItem(ctx, r.client.DB(), item)
}

// CreateItemTx inserts a new queue item inside an existing transaction
func (r *QueueRepository) CreateItemTx(ctx context.Context, tx *Tx, item *QueueItem) error {
	return r.createItem(ctx, tx.Tx(), item)
}

func (r *QueueRepository) createItem(ctx context.Context, db execer, item *QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO queue_items (
			item_id, deal_id, chain, from_addr, to_addr, asset, token_address,
			amount, purpose, seq, status, phase, submitted_tx,
			gas_bump_attempts, last_gas_price, original_nonce,
			recovery_attempts, recovery_error,
			payback, recipient, fee_recipient, fees, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err := db.ExecContext(ctx, query,
		item.ID, item.DealID, item.Chain, item.FromAddr, item.ToAddr,
		item.Asset, item.TokenAddress, item.Amount, item.Purpose, item.Seq,
		item.Status, item.Phase, item.SubmittedTx, item.GasBumpAttempts,
		item.LastGasPrice, item.OriginalNonce, item.RecoveryAttempts,
		item.RecoveryError, item.Payback, item.Recipient, item.FeeRecipient,
		item.Fees, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	return nil
}

// GetItem retrieves a queue item by id
func (r *QueueRepository) GetItem(ctx context.Context, itemID uuid.UUID) (*QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE item_id = $1`

	item, err := scanQueueItem(r.client.QueryRowContext(ctx, query, itemID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrQueueItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// GetItemsByDeal retrieves all items for a deal in seq order
func (r *QueueRepository) GetItemsByDeal(ctx context.Context, dealID uuid.UUID) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE deal_id = $1
		ORDER BY chain ASC, seq ASC`
	return r.queryItems(ctx, query, dealID)
}

// GetOpenItems retrieves all PENDING and SUBMITTED items, oldest first
func (r *QueueRepository) GetOpenItems(ctx context.Context) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`
	return r.queryItems(ctx, query, StatusPending, StatusSubmitted)
}

// GetStuckPending retrieves PENDING items created before the cutoff that
// were never submitted and still have recovery budget
func (r *QueueRepository) GetStuckPending(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE status = $1
		  AND submitted_tx = ''
		  AND created_at < $2
		  AND recovery_attempts < $3
		ORDER BY created_at ASC`
	return r.queryItems(ctx, query, StatusPending, cutoff, maxAttempts)
}

// GetSuspectSubmitted retrieves SUBMITTED items whose last submission is
// older than the cutoff
func (r *QueueRepository) GetSuspectSubmitted(ctx context.Context, cutoff time.Time) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE status = $1
		  AND last_submit_at IS NOT NULL
		  AND last_submit_at < $2
		ORDER BY last_submit_at ASC`
	return r.queryItems(ctx, query, StatusSubmitted, cutoff)
}

// GetConfirmedApprovals retrieves APPROVE_BROKER items confirmed before the
// cutoff; used by the gas-refund phase
func (r *QueueRepository) GetConfirmedApprovals(ctx context.Context, cutoff time.Time) ([]*QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE purpose = $1
		  AND status = $2
		  AND confirmed_at IS NOT NULL
		  AND confirmed_at < $3
		ORDER BY confirmed_at ASC`
	return r.queryItems(ctx, query, PurposeApproveBroker, StatusConfirmed, cutoff)
}

// CountOpenBrokerOps counts PENDING/SUBMITTED broker operations spending
// from the given escrow
func (r *QueueRepository) CountOpenBrokerOps(ctx context.Context, chain, escrowAddr string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM queue_items
		WHERE chain = $1
		  AND from_addr = $2
		  AND status IN ($3, $4)
		  AND purpose IN ($5, $6, $7, $8)`

	var count int64
	err := r.client.QueryRowContext(ctx, query, chain, escrowAddr,
		StatusPending, StatusSubmitted,
		PurposeBrokerSwap, PurposeBrokerRevert, PurposeBrokerRefund, PurposePhase1Swap,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open broker ops: %w", err)
	}
	return count, nil
}

// CountOpenByPurpose counts open items of a purpose targeting an address
func (r *QueueRepository) CountOpenByPurpose(ctx context.Context, chain string, purpose QueuePurpose, toAddr string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM queue_items
		WHERE chain = $1 AND purpose = $2 AND to_addr = $3
		  AND status IN ($4, $5)`

	var count int64
	err := r.client.QueryRowContext(ctx, query, chain, purpose, toAddr,
		StatusPending, StatusSubmitted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open items: %w", err)
	}
	return count, nil
}

// PredecessorsConfirmed reports whether every lower-seq item for the same
// (deal, chain) is CONFIRMED
func (r *QueueRepository) PredecessorsConfirmed(ctx context.Context, item *QueueItem) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM queue_items
		WHERE deal_id = $1 AND chain = $2 AND seq < $3 AND status != $4`

	var blocking int64
	err := r.client.QueryRowContext(ctx, query,
		item.DealID, item.Chain, item.Seq, StatusConfirmed).Scan(&blocking)
	if err != nil {
		return false, fmt.Errorf("failed to check predecessors: %w", err)
	}
	return blocking == 0, nil
}

// NextSeq returns the next seq number for a (deal, chain) pair
func (r *QueueRepository) NextSeq(ctx context.Context, dealID uuid.UUID, chain string) (int, error) {
	query := `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM queue_items
		WHERE deal_id = $1 AND chain = $2`

	var seq int
	err := r.client.QueryRowContext(ctx, query, dealID, chain).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}
	return seq, nil
}

// MarkSubmitted records a successful submission
func (r *QueueRepository) MarkSubmitted(ctx context.Context, itemID uuid.UUID, txid string, nonce sql.NullInt64, gasPrice string, at time.Time) error {
	query := `
		UPDATE queue_items
		SET status = $2, submitted_tx = $3, original_nonce = $4,
		    last_gas_price = $5, last_submit_at = $6
		WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, StatusSubmitted, txid, nonce, gasPrice, at)
	if err != nil {
		return fmt.Errorf("failed to mark item submitted: %w", err)
	}
	return nil
}

// MarkConfirmed records on-chain confirmation. CONFIRMED is terminal for a
// successful item.
func (r *QueueRepository) MarkConfirmed(ctx context.Context, itemID uuid.UUID) error {
	query := `
		UPDATE queue_items
		SET status = $2, confirmed_at = $3
		WHERE item_id = $1 AND status != $2`

	_, err := r.client.ExecContext(ctx, query, itemID, StatusConfirmed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark item confirmed: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure
func (r *QueueRepository) MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	query := `
		UPDATE queue_items
		SET status = $2, recovery_error = $3
		WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

// ResetToPending puts a suspect item back on the queue, clearing its
// submission so the dispatcher re-submits from scratch
func (r *QueueRepository) ResetToPending(ctx context.Context, itemID uuid.UUID, recoveryError string) error {
	query := `
		UPDATE queue_items
		SET status = $2, submitted_tx = '', original_nonce = NULL,
		    recovery_error = $3, last_recovery_at = $4
		WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, StatusPending, recoveryError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset item: %w", err)
	}
	return nil
}

// RecordGasBump updates gas price and bump bookkeeping after a re-submission
func (r *QueueRepository) RecordGasBump(ctx context.Context, itemID uuid.UUID, txid, gasPrice string, at time.Time) error {
	query := `
		UPDATE queue_items
		SET submitted_tx = $2, last_gas_price = $3, last_submit_at = $4,
		    gas_bump_attempts = gas_bump_attempts + 1
		WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, txid, gasPrice, at)
	if err != nil {
		return fmt.Errorf("failed to record gas bump: %w", err)
	}
	return nil
}

// IncrementRecoveryAttempts bumps the recovery counter
func (r *QueueRepository) IncrementRecoveryAttempts(ctx context.Context, itemID uuid.UUID) error {
	query := `
		UPDATE queue_items
		SET recovery_attempts = recovery_attempts + 1, last_recovery_at = $2
		WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to increment recovery attempts: %w", err)
	}
	return nil
}

// TouchRecovery only updates last_recovery_at (still-pending outcome)
func (r *QueueRepository) TouchRecovery(ctx context.Context, itemID uuid.UUID) error {
	query := `UPDATE queue_items SET last_recovery_at = $2 WHERE item_id = $1`

	_, err := r.client.ExecContext(ctx, query, itemID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch recovery timestamp: %w", err)
	}
	return nil
}

// DeletePendingSettlement removes PENDING settlement-only items for a
// reverted deal. SUBMITTED items are left to settle on-chain.
func (r *QueueRepository) DeletePendingSettlement(ctx context.Context, tx *Tx, dealID uuid.UUID) (int64, error) {
	query := `
		DELETE FROM queue_items
		WHERE deal_id = $1 AND status = $2 AND purpose IN ($3, $4, $5)`

	result, err := tx.Tx().ExecContext(ctx, query, dealID, StatusPending,
		PurposeBrokerSwap, PurposePhase1Swap, PurposeSurplusRefund)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending settlement items: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// CountByStatus returns the number of items in the given status
func (r *QueueRepository) CountByStatus(ctx context.Context, status QueueStatus) (int64, error) {
	var count int64
	err := r.client.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

func (r *QueueRepository) queryItems(ctx context.Context, query string, args ...interface{}) ([]*QueueItem, error) {
	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}
