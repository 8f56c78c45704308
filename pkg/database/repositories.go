// Copyright 2025 OTC Protocol
//
// Repository aggregation plus the cross-repository transactional writes
// the engine relies on: a deal stage write commits atomically with the
// queue items it causes.

package database

import (
	"context"

	"github.com/google/uuid"
)

// Repositories bundles all repositories sharing one client
type Repositories struct {
	Deals    *DealRepository
	Queue    *QueueRepository
	Deposits *DepositRepository
	Leases   *LeaseRepository
	Recovery *RecoveryRepository
	Vesting  *VestingRepository

	client *Client
}

// NewRepositories creates all repositories on a shared client
func NewRepositories(client *Client) *Repositories {
	queue := NewQueueRepository(client)
	return &Repositories{
		Deals:    NewDealRepository(client),
		Queue:    queue,
		Deposits: NewDepositRepository(client),
		Leases:   NewLeaseRepository(client),
		Recovery: NewRecoveryRepository(client, queue),
		Vesting:  NewVestingRepository(client),
		client:   client,
	}
}

// Client returns the underlying database client
func (r *Repositories) Client() *Client {
	return r.client
}

// SaveDealTransition commits a deal update together with any queue items
// the transition caused, in one transaction.
func (r *Repositories) SaveDealTransition(ctx context.Context, deal *Deal, items []*QueueItem) error {
	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.Deals.UpdateDealTx(ctx, tx, deal); err != nil {
		return err
	}
	for _, item := range items {
		if err := r.Queue.CreateItemTx(ctx, tx, item); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveDealReversion commits the REVERTED deal update, removes its PENDING
// settlement-only queue items, and inserts the revert items, atomically.
func (r *Repositories) SaveDealReversion(ctx context.Context, deal *Deal, revertItems []*QueueItem) error {
	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := r.Queue.DeletePendingSettlement(ctx, tx, deal.ID); err != nil {
		return err
	}
	if err := r.Deals.UpdateDealTx(ctx, tx, deal); err != nil {
		return err
	}
	for _, item := range revertItems {
		if err := r.Queue.CreateItemTx(ctx, tx, item); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// NextSeq delegates to the queue repository
func (r *Repositories) NextSeq(ctx context.Context, dealID uuid.UUID, chain string) (int, error) {
	return r.Queue.NextSeq(ctx, dealID, chain)
}
