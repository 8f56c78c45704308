// Copyright 2025 OTC Protocol
//
// Deposit Repository - observed escrow deposits
// Records are never deleted; confirmations only increase

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DepositRepository handles deposit record operations
type DepositRepository struct {
	client *Client
}

// NewDepositRepository creates a new deposit repository
func NewDepositRepository(client *Client) *DepositRepository {
	return &DepositRepository{client: client}
}

const depositColumns = `
	deposit_id, deal_id, chain, escrow_address, asset, txid, original_txid,
	amount, block_height, confirmations, synthetic, resolution_status,
	resolution_attempts, confidence, first_seen_at, last_seen_at`

func scanDeposit(scan func(dest ...interface{}) error) (*DepositRecord, error) {
	rec := &DepositRecord{}
	err := scan(
		&rec.ID, &rec.DealID, &rec.Chain, &rec.EscrowAddress, &rec.Asset,
		&rec.TxID, &rec.OriginalTxID, &rec.Amount, &rec.BlockHeight,
		&rec.Confirmations, &rec.Synthetic, &rec.ResolutionStatus,
		&rec.ResolutionAttempts, &rec.Confidence, &rec.FirstSeenAt, &rec.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertDeposit inserts a deposit or refreshes the confirmations of an
// existing one. Confirmations never decrease.
func (r *DepositRepository) UpsertDeposit(ctx context.Context, rec *DepositRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	rec.LastSeenAt = now

	query := `
		INSERT INTO escrow_deposits (
			deposit_id, deal_id, chain, escrow_address, asset, txid,
			amount, block_height, confirmations, synthetic,
			resolution_status, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (deal_id, chain, txid) DO UPDATE
		SET confirmations = GREATEST(escrow_deposits.confirmations, EXCLUDED.confirmations),
		    amount = EXCLUDED.amount,
		    block_height = EXCLUDED.block_height,
		    last_seen_at = EXCLUDED.last_seen_at`

	_, err := r.client.ExecContext(ctx, query,
		rec.ID, rec.DealID, rec.Chain, rec.EscrowAddress, rec.Asset,
		rec.TxID, rec.Amount, rec.BlockHeight, rec.Confirmations,
		rec.Synthetic, rec.ResolutionStatus, rec.FirstSeenAt, rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert deposit: %w", err)
	}

	return nil
}

// GetDeposit retrieves a deposit by id
func (r *DepositRepository) GetDeposit(ctx context.Context, depositID uuid.UUID) (*DepositRecord, error) {
	query := `SELECT ` + depositColumns + ` FROM escrow_deposits WHERE deposit_id = $1`

	rec, err := scanDeposit(r.client.QueryRowContext(ctx, query, depositID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return rec, nil
}

// GetDepositsByDeal retrieves all deposits for a deal
func (r *DepositRepository) GetDepositsByDeal(ctx context.Context, dealID uuid.UUID) ([]*DepositRecord, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM escrow_deposits
		WHERE deal_id = $1
		ORDER BY first_seen_at ASC`
	return r.queryDeposits(ctx, query, dealID)
}

// GetUnresolvedSynthetic retrieves synthetic deposits still awaiting txid
// resolution, oldest first
func (r *DepositRepository) GetUnresolvedSynthetic(ctx context.Context, maxAttempts, limit int) ([]*DepositRecord, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM escrow_deposits
		WHERE synthetic = TRUE
		  AND resolution_status IN ('', $1)
		  AND resolution_attempts < $2
		ORDER BY first_seen_at ASC
		LIMIT $3`
	return r.queryDeposits(ctx, query, ResolutionPending, maxAttempts, limit)
}

// GetRecentByChain retrieves the most recently seen deposits of a chain;
// the vesting tracer walks these
func (r *DepositRepository) GetRecentByChain(ctx context.Context, chainName string, limit int) ([]*DepositRecord, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM escrow_deposits
		WHERE chain = $1 AND synthetic = FALSE
		ORDER BY last_seen_at DESC
		LIMIT $2`
	return r.queryDeposits(ctx, query, chainName, limit)
}

// MarkResolved replaces the synthetic txid with the chosen real hash,
// preserving the original identifier
func (r *DepositRepository) MarkResolved(ctx context.Context, depositID uuid.UUID, realTxID string, confidence float64) error {
	query := `
		UPDATE escrow_deposits
		SET original_txid = txid, txid = $2, resolution_status = $3,
		    confidence = $4, last_seen_at = $5
		WHERE deposit_id = $1 AND resolution_status != $3`

	_, err := r.client.ExecContext(ctx, query, depositID, realTxID,
		ResolutionResolved, confidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark deposit resolved: %w", err)
	}
	return nil
}

// MarkResolutionFailed marks a synthetic deposit as unresolvable
func (r *DepositRepository) MarkResolutionFailed(ctx context.Context, depositID uuid.UUID) error {
	query := `
		UPDATE escrow_deposits
		SET resolution_status = $2, last_seen_at = $3
		WHERE deposit_id = $1`

	_, err := r.client.ExecContext(ctx, query, depositID, ResolutionFailed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark resolution failed: %w", err)
	}
	return nil
}

// IncrementResolutionAttempts bumps the resolution attempt counter
func (r *DepositRepository) IncrementResolutionAttempts(ctx context.Context, depositID uuid.UUID) error {
	query := `
		UPDATE escrow_deposits
		SET resolution_attempts = resolution_attempts + 1,
		    resolution_status = $2, last_seen_at = $3
		WHERE deposit_id = $1`

	_, err := r.client.ExecContext(ctx, query, depositID, ResolutionPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to increment resolution attempts: %w", err)
	}
	return nil
}

func (r *DepositRepository) queryDeposits(ctx context.Context, query string, args ...interface{}) ([]*DepositRecord, error) {
	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*DepositRecord
	for rows.Next() {
		rec, err := scanDeposit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, rec)
	}

	return deposits, rows.Err()
}
