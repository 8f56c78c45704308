// Copyright 2025 OTC Protocol
//
// Deal Repository - deals stored as JSON documents with indexed stage

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DealRepository handles deal document operations
type DealRepository struct {
	client *Client
}

// NewDealRepository creates a new deal repository
func NewDealRepository(client *Client) *DealRepository {
	return &DealRepository{client: client}
}

// CreateDeal persists a new deal in DRAFT
func (r *DealRepository) CreateDeal(ctx context.Context, deal *Deal) error {
	if deal.ID == uuid.Nil {
		deal.ID = uuid.New()
	}
	now := time.Now().UTC()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = now
	if deal.Stage == "" {
		deal.Stage = StageDraft
	}

	body, err := json.Marshal(deal)
	if err != nil {
		return fmt.Errorf("failed to marshal deal: %w", err)
	}

	query := `
		INSERT INTO deals (deal_id, stage, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = r.client.ExecContext(ctx, query,
		deal.ID, deal.Stage, body, deal.CreatedAt, deal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create deal: %w", err)
	}

	return nil
}

// GetDeal retrieves a deal by id
func (r *DealRepository) GetDeal(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	query := `SELECT body FROM deals WHERE deal_id = $1`

	var body []byte
	err := r.client.QueryRowContext(ctx, query, dealID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deal: %w", err)
	}

	deal := &Deal{}
	if err := json.Unmarshal(body, deal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deal: %w", err)
	}
	return deal, nil
}

// UpdateDeal rewrites the deal document and its indexed columns
func (r *DealRepository) UpdateDeal(ctx context.Context, deal *Deal) error {
	return r.updateDeal(ctx, r.client.DB(), deal)
}

// UpdateDealTx rewrites the deal inside an existing transaction
func (r *DealRepository) UpdateDealTx(ctx context.Context, tx *Tx, deal *Deal) error {
	return r.updateDeal(ctx, tx.Tx(), deal)
}

// execer covers both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *DealRepository) updateDeal(ctx context.Context, db execer, deal *Deal) error {
	deal.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(deal)
	if err != nil {
		return fmt.Errorf("failed to marshal deal: %w", err)
	}

	query := `
		UPDATE deals
		SET stage = $2, body = $3, updated_at = $4
		WHERE deal_id = $1`

	result, err := db.ExecContext(ctx, query, deal.ID, deal.Stage, body, deal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDealNotFound
	}

	return nil
}

// GetActiveDeals retrieves all deals not yet in a terminal stage
func (r *DealRepository) GetActiveDeals(ctx context.Context) ([]*Deal, error) {
	query := `
		SELECT body FROM deals
		WHERE stage NOT IN ($1, $2)
		ORDER BY created_at ASC`

	return r.queryDeals(ctx, query, StageClosed, StageReverted)
}

// ListDeals retrieves deals, optionally filtered by stage, newest first
func (r *DealRepository) ListDeals(ctx context.Context, stage DealStage, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	if stage != "" {
		query := `
			SELECT body FROM deals
			WHERE stage = $1
			ORDER BY created_at DESC
			LIMIT $2`
		return r.queryDeals(ctx, query, stage, limit)
	}
	query := `
		SELECT body FROM deals
		ORDER BY created_at DESC
		LIMIT $1`
	return r.queryDeals(ctx, query, limit)
}

func (r *DealRepository) queryDeals(ctx context.Context, query string, args ...interface{}) ([]*Deal, error) {
	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w", err)
	}
	defer rows.Close()

	var deals []*Deal
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		deal := &Deal{}
		if err := json.Unmarshal(body, deal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deal: %w", err)
		}
		deals = append(deals, deal)
	}

	return deals, rows.Err()
}

// CountByStage returns the number of deals in the given stage
func (r *DealRepository) CountByStage(ctx context.Context, stage DealStage) (int64, error) {
	var count int64
	err := r.client.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deals WHERE stage = $1`, stage).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deals: %w", err)
	}
	return count, nil
}
