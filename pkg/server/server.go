// Copyright 2025 OTC Protocol
//
// RPC surface - the HTTP API the outer collaborator drives:
// create-deal, get-deal, list-deals, cancel-deal, and admin
// spend-from-escrow. Deal creation only writes a DRAFT document; every
// stage transition afterwards belongs to the deal engine.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// DealStore is the server's deal access
type DealStore interface {
	CreateDeal(ctx context.Context, deal *database.Deal) error
	GetDeal(ctx context.Context, dealID uuid.UUID) (*database.Deal, error)
	ListDeals(ctx context.Context, stage database.DealStage, limit int) ([]*database.Deal, error)
	UpdateDeal(ctx context.Context, deal *database.Deal) error
}

// QueueStore is the server's queue access
type QueueStore interface {
	CreateItem(ctx context.Context, item *database.QueueItem) error
	NextSeq(ctx context.Context, dealID uuid.UUID, chainName string) (int, error)
	GetItemsByDeal(ctx context.Context, dealID uuid.UUID) ([]*database.QueueItem, error)
}

// DepositStore is the server's deposit access
type DepositStore interface {
	GetDepositsByDeal(ctx context.Context, dealID uuid.UUID) ([]*database.DepositRecord, error)
}

// PluginSource validates chain names on deal creation
type PluginSource interface {
	Get(name string) (chain.Plugin, error)
}

// Server is the broker's HTTP API
type Server struct {
	deals    DealStore
	queue    QueueStore
	deposits DepositStore
	chains   PluginSource

	httpServer *http.Server
	logger     *log.Logger
}

// New builds the server on the given listen address
func New(addr string, deals DealStore, queue QueueStore, deposits DepositStore, chains PluginSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[Server] ", log.LstdFlags)
	}

	s := &Server{
		deals:    deals,
		queue:    queue,
		deposits: deposits,
		chains:   chains,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deals", s.handleCreateDeal)
	mux.HandleFunc("GET /v1/deals", s.handleListDeals)
	mux.HandleFunc("GET /v1/deals/{id}", s.handleGetDeal)
	mux.HandleFunc("POST /v1/deals/{id}/cancel", s.handleCancelDeal)
	mux.HandleFunc("POST /v1/admin/escrow-spend", s.handleEscrowSpend)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown; ErrServerClosed is swallowed
func (s *Server) Start() error {
	s.logger.Printf("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

type partyRequest struct {
	Chain            string `json:"chain"`
	Asset            string `json:"asset"`
	TokenAddress     string `json:"token_address,omitempty"`
	RefundAddress    string `json:"refund_address"`
	RecipientAddress string `json:"recipient_address"`
	ExpectedAmount   string `json:"expected_amount"`
	FeeAmount        string `json:"fee_amount"`
}

type createDealRequest struct {
	PartyA   *partyRequest `json:"party_a"`
	PartyB   *partyRequest `json:"party_b"`
	Deadline *time.Time    `json:"deadline,omitempty"`

	GasReimbursement *struct {
		Enabled    bool   `json:"enabled"`
		PayingSide string `json:"paying_side,omitempty"`
	} `json:"gas_reimbursement,omitempty"`
}

type escrowSpendRequest struct {
	DealID        string `json:"deal_id"`
	Chain         string `json:"chain"`
	EscrowAddress string `json:"escrow_address"`
	ToAddress     string `json:"to_address"`
	Asset         string `json:"asset"`
	TokenAddress  string `json:"token_address,omitempty"`
	Amount        string `json:"amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	partyA, err := s.buildParty(req.PartyA, "party_a")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	partyB, err := s.buildParty(req.PartyB, "party_b")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	deal := &database.Deal{
		Stage:    database.StageDraft,
		PartyA:   partyA,
		PartyB:   partyB,
		Deadline: req.Deadline,
	}
	if req.GasReimbursement != nil && req.GasReimbursement.Enabled {
		deal.GasReimbursement = &database.GasReimbursementConfig{
			Enabled:    true,
			PayingSide: database.PartySide(req.GasReimbursement.PayingSide),
		}
	}
	deal.AppendEvent("deal created: %s %s for %s %s",
		partyA.ExpectedAmount, partyA.Asset, partyB.ExpectedAmount, partyB.Asset)

	if err := s.deals.CreateDeal(r.Context(), deal); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Printf("Deal %s created (%s/%s vs %s/%s)",
		deal.ID, partyA.Chain, partyA.Asset, partyB.Chain, partyB.Asset)
	s.writeJSON(w, http.StatusCreated, deal)
}

// buildParty validates one side of a create request
func (s *Server) buildParty(req *partyRequest, label string) (*database.PartySpec, error) {
	if req == nil {
		return nil, fmt.Errorf("%s is required", label)
	}
	if req.Chain == "" || req.Asset == "" {
		return nil, fmt.Errorf("%s: chain and asset are required", label)
	}
	if req.RefundAddress == "" || req.RecipientAddress == "" {
		return nil, fmt.Errorf("%s: refund and recipient addresses are required", label)
	}
	if _, err := s.chains.Get(req.Chain); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	expected, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil || !expected.IsPositive() {
		return nil, fmt.Errorf("%s: expected_amount must be a positive decimal", label)
	}
	fee := decimal.Zero
	if req.FeeAmount != "" {
		fee, err = decimal.NewFromString(req.FeeAmount)
		if err != nil || fee.IsNegative() {
			return nil, fmt.Errorf("%s: fee_amount must be a non-negative decimal", label)
		}
	}
	if fee.GreaterThanOrEqual(expected) {
		return nil, fmt.Errorf("%s: fee_amount must be below expected_amount", label)
	}

	return &database.PartySpec{
		Chain:            req.Chain,
		Asset:            req.Asset,
		TokenAddress:     req.TokenAddress,
		RefundAddress:    req.RefundAddress,
		RecipientAddress: req.RecipientAddress,
		ExpectedAmount:   expected.String(),
		FeeAmount:        fee.String(),
	}, nil
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	dealID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deal id"))
		return
	}

	deal, err := s.deals.GetDeal(r.Context(), dealID)
	if errors.Is(err, database.ErrDealNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	deposits, _ := s.deposits.GetDepositsByDeal(r.Context(), dealID)
	items, _ := s.queue.GetItemsByDeal(r.Context(), dealID)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deal":        deal,
		"deposits":    deposits,
		"queue_items": items,
	})
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	stage := database.DealStage(r.URL.Query().Get("stage"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}

	deals, err := s.deals.ListDeals(r.Context(), stage, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deals": deals})
}

func (s *Server) handleCancelDeal(w http.ResponseWriter, r *http.Request) {
	dealID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deal id"))
		return
	}

	deal, err := s.deals.GetDeal(r.Context(), dealID)
	if errors.Is(err, database.ErrDealNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch deal.Stage {
	case database.StageDraft, database.StageCollection, database.StageReady:
	default:
		s.writeError(w, http.StatusConflict,
			fmt.Errorf("deal in stage %s cannot be cancelled", deal.Stage))
		return
	}

	deal.CancelRequested = true
	deal.AppendEvent("cancellation requested")
	if err := s.deals.UpdateDeal(r.Context(), deal); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Printf("Deal %s cancellation requested", dealID)
	s.writeJSON(w, http.StatusAccepted, deal)
}

// handleEscrowSpend lets an operator move funds out of an escrow manually.
// Rejected while the deal settles: a concurrent spend would race the swap.
func (s *Server) handleEscrowSpend(w http.ResponseWriter, r *http.Request) {
	var req escrowSpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	dealID, err := uuid.Parse(req.DealID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deal id"))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amount must be a positive decimal"))
		return
	}

	deal, err := s.deals.GetDeal(r.Context(), dealID)
	if errors.Is(err, database.ErrDealNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if deal.Stage == database.StageSwap {
		s.writeError(w, http.StatusConflict,
			fmt.Errorf("escrow spend rejected during SWAP stage"))
		return
	}

	seq, err := s.queue.NextSeq(r.Context(), dealID, req.Chain)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	item := &database.QueueItem{
		DealID:       dealID,
		Chain:        req.Chain,
		FromAddr:     req.EscrowAddress,
		ToAddr:       req.ToAddress,
		Asset:        req.Asset,
		TokenAddress: req.TokenAddress,
		Amount:       amount.String(),
		Purpose:      database.PurposeSurplusRefund,
		Seq:          seq,
	}
	if err := s.queue.CreateItem(r.Context(), item); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Printf("Admin spend queued: %s %s from %s to %s (deal %s)",
		amount, req.Asset, req.EscrowAddress, req.ToAddress, dealID)
	s.writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
