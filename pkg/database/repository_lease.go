// Copyright 2025 OTC Protocol
//
// Lease Repository - single-writer coordination for whole-system operations
// Acquisition is a conditional upsert keyed on lease type; release is by
// holder or by expiry.

package database

import (
	"context"
	"fmt"
	"time"
)

// LeaseRepository handles lease operations
type LeaseRepository struct {
	client *Client
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(client *Client) *LeaseRepository {
	return &LeaseRepository{client: client}
}

// Acquire attempts to take the lease for ttl. Returns ErrLeaseHeld when a
// live lease belongs to another holder. The same holder may re-acquire its
// own lease before expiry.
func (r *LeaseRepository) Acquire(ctx context.Context, leaseType, holderID string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO leases (lease_type, holder_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lease_type) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at < $4 OR leases.holder_id = EXCLUDED.holder_id`

	result, err := r.client.ExecContext(ctx, query, leaseType, holderID, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrLeaseHeld
	}

	return &Lease{Type: leaseType, HolderID: holderID, ExpiresAt: expiresAt}, nil
}

// Release drops the lease if still held by holderID
func (r *LeaseRepository) Release(ctx context.Context, leaseType, holderID string) error {
	query := `DELETE FROM leases WHERE lease_type = $1 AND holder_id = $2`

	_, err := r.client.ExecContext(ctx, query, leaseType, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get retrieves the current lease of a type, if any
func (r *LeaseRepository) Get(ctx context.Context, leaseType string) (*Lease, error) {
	query := `SELECT lease_type, holder_id, expires_at FROM leases WHERE lease_type = $1`

	lease := &Lease{}
	err := r.client.QueryRowContext(ctx, query, leaseType).Scan(
		&lease.Type, &lease.HolderID, &lease.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return lease, nil
}
