// Copyright 2025 OTC Protocol
//
// Vesting Repository - persisted coinbase-vesting cache and txid
// resolution audit rows

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VestingRepository handles vesting cache and txid resolution audit rows
type VestingRepository struct {
	client *Client
}

// NewVestingRepository creates a new vesting repository
func NewVestingRepository(client *Client) *VestingRepository {
	return &VestingRepository{client: client}
}

// GetEntry retrieves a cached vesting trace result, or nil when absent
func (r *VestingRepository) GetEntry(ctx context.Context, txid string) (*VestingCacheEntry, error) {
	query := `
		SELECT txid, is_coinbase, coinbase_block_height, parent_txid,
			vesting_status, traced_at, error_message
		FROM vesting_cache
		WHERE txid = $1`

	entry := &VestingCacheEntry{}
	err := r.client.QueryRowContext(ctx, query, txid).Scan(
		&entry.TxID, &entry.IsCoinbase, &entry.CoinbaseBlockHeight,
		&entry.ParentTxID, &entry.VestingStatus, &entry.TracedAt,
		&entry.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vesting entry: %w", err)
	}
	return entry, nil
}

// UpsertEntry persists a vesting trace outcome. Only permanent outcomes
// should reach this method; transient errors stay memory-only.
func (r *VestingRepository) UpsertEntry(ctx context.Context, entry *VestingCacheEntry) error {
	if entry.TracedAt.IsZero() {
		entry.TracedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vesting_cache (
			txid, is_coinbase, coinbase_block_height, parent_txid,
			vesting_status, traced_at, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (txid) DO UPDATE
		SET is_coinbase = EXCLUDED.is_coinbase,
		    coinbase_block_height = EXCLUDED.coinbase_block_height,
		    parent_txid = EXCLUDED.parent_txid,
		    vesting_status = EXCLUDED.vesting_status,
		    traced_at = EXCLUDED.traced_at,
		    error_message = EXCLUDED.error_message`

	_, err := r.client.ExecContext(ctx, query,
		entry.TxID, entry.IsCoinbase, entry.CoinbaseBlockHeight,
		entry.ParentTxID, entry.VestingStatus, entry.TracedAt, entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert vesting entry: %w", err)
	}

	return nil
}

// RecordResolution appends one txid resolution audit row
func (r *VestingRepository) RecordResolution(ctx context.Context, res *TxidResolution) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO txid_resolutions (
			resolution_id, deposit_id, synthetic_txid, window_from, window_to,
			candidate_count, confidence, chosen_tx_hash, resolved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.client.ExecContext(ctx, query,
		res.ID, res.DepositID, res.SyntheticTxID, res.WindowFrom, res.WindowTo,
		res.CandidateCount, res.Confidence, res.ChosenTxHash, res.Resolved,
		res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record txid resolution: %w", err)
	}

	return nil
}

// GetResolutionsByDeposit retrieves the audit trail of one deposit
func (r *VestingRepository) GetResolutionsByDeposit(ctx context.Context, depositID uuid.UUID) ([]*TxidResolution, error) {
	query := `
		SELECT resolution_id, deposit_id, synthetic_txid, window_from, window_to,
			candidate_count, confidence, chosen_tx_hash, resolved, created_at
		FROM txid_resolutions
		WHERE deposit_id = $1
		ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}
	defer rows.Close()

	var resolutions []*TxidResolution
	for rows.Next() {
		res := &TxidResolution{}
		err := rows.Scan(
			&res.ID, &res.DepositID, &res.SyntheticTxID, &res.WindowFrom,
			&res.WindowTo, &res.CandidateCount, &res.Confidence,
			&res.ChosenTxHash, &res.Resolved, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		resolutions = append(resolutions, res)
	}

	return resolutions, rows.Err()
}
