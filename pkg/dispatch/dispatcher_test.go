// Copyright 2025 OTC Protocol
//
// Queue dispatcher tests: per-(deal, chain) seq ordering, confirmation
// boundaries, reorg resets and gas bumps, over an in-memory queue.

package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/chain/chaintest"
	"github.com/otcprotocol/broker/pkg/database"
)

// ============================================================================
// IN-MEMORY QUEUE
// ============================================================================

type memQueue struct {
	items map[uuid.UUID]*database.QueueItem
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[uuid.UUID]*database.QueueItem)}
}

func (q *memQueue) add(item *database.QueueItem) *database.QueueItem {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = database.StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	q.items[item.ID] = item
	return item
}

func (q *memQueue) GetOpenItems(ctx context.Context) ([]*database.QueueItem, error) {
	var out []*database.QueueItem
	for _, item := range q.items {
		if item.Open() {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memQueue) PredecessorsConfirmed(ctx context.Context, item *database.QueueItem) (bool, error) {
	for _, other := range q.items {
		if other.DealID == item.DealID && other.Chain == item.Chain &&
			other.Seq < item.Seq && other.Status != database.StatusConfirmed {
			return false, nil
		}
	}
	return true, nil
}

func (q *memQueue) MarkSubmitted(ctx context.Context, itemID uuid.UUID, txid string, nonce sql.NullInt64, gasPrice string, at time.Time) error {
	item := q.items[itemID]
	item.Status = database.StatusSubmitted
	item.SubmittedTx = txid
	item.OriginalNonce = nonce
	item.LastGasPrice = gasPrice
	item.LastSubmitAt = &at
	return nil
}

func (q *memQueue) MarkConfirmed(ctx context.Context, itemID uuid.UUID) error {
	item := q.items[itemID]
	if item.Status == database.StatusConfirmed {
		return nil
	}
	now := time.Now()
	item.Status = database.StatusConfirmed
	item.ConfirmedAt = &now
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	q.items[itemID].Status = database.StatusFailed
	q.items[itemID].RecoveryError = reason
	return nil
}

func (q *memQueue) ResetToPending(ctx context.Context, itemID uuid.UUID, recoveryError string) error {
	item := q.items[itemID]
	item.Status = database.StatusPending
	item.SubmittedTx = ""
	item.OriginalNonce = sql.NullInt64{}
	item.RecoveryError = recoveryError
	return nil
}

func (q *memQueue) RecordGasBump(ctx context.Context, itemID uuid.UUID, txid, gasPrice string, at time.Time) error {
	item := q.items[itemID]
	item.SubmittedTx = txid
	item.LastGasPrice = gasPrice
	item.LastSubmitAt = &at
	item.GasBumpAttempts++
	return nil
}

// ============================================================================
// FIXTURES
// ============================================================================

func newTestDispatcher(t *testing.T, q *memQueue, plugins ...chain.Plugin) *Dispatcher {
	t.Helper()
	d, err := New(q, nil, chaintest.NewRegistry(plugins...), &Config{
		Interval:           time.Hour,
		Fanout:             8,
		StallWindow:        time.Minute,
		GasBumpFactor:      1.25,
		MaxGasBumpAttempts: 3,
	}, nil)
	if err != nil {
		t.Fatalf("dispatcher construction failed: %v", err)
	}
	return d
}

// ============================================================================
// ORDERING
// ============================================================================

func TestSeqOrderingWithinDeal(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	dealID := uuid.New()
	first := q.add(&database.QueueItem{DealID: dealID, Chain: "ethereum", Seq: 1, Purpose: database.PurposeApproveBroker})
	second := q.add(&database.QueueItem{DealID: dealID, Chain: "ethereum", Seq: 2, Purpose: database.PurposeBrokerSwap})

	d.Tick(ctx)
	if first.Status != database.StatusSubmitted {
		t.Fatalf("seq 1 not submitted, status %s", first.Status)
	}
	if second.Status != database.StatusPending {
		t.Fatalf("seq 2 submitted before seq 1 confirmed, status %s", second.Status)
	}

	// seq 1 confirms; seq 2 becomes eligible
	plugin.Confirmations[first.SubmittedTx] = plugin.Threshold
	d.Tick(ctx)
	if first.Status != database.StatusConfirmed {
		t.Fatalf("seq 1 not confirmed, status %s", first.Status)
	}
	if second.Status != database.StatusSubmitted {
		t.Fatalf("seq 2 not submitted after predecessor confirmed, status %s", second.Status)
	}
}

func TestFailedPredecessorBlocksSuccessor(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	dealID := uuid.New()
	q.add(&database.QueueItem{DealID: dealID, Chain: "ethereum", Seq: 1, Status: database.StatusFailed})
	second := q.add(&database.QueueItem{DealID: dealID, Chain: "ethereum", Seq: 2})

	d.Tick(ctx)
	if second.Status != database.StatusPending {
		t.Fatalf("successor of FAILED item submitted, status %s", second.Status)
	}
}

func TestIndependentDealsDispatchConcurrently(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	a := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})
	b := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})

	d.Tick(ctx)
	if a.Status != database.StatusSubmitted || b.Status != database.StatusSubmitted {
		t.Fatalf("independent deals not dispatched together: %s / %s", a.Status, b.Status)
	}
}

func TestFanoutLimit(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)
	d.cfg.Fanout = 2

	for i := 0; i < 5; i++ {
		q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})
	}

	d.Tick(ctx)
	if len(plugin.Submitted) != 2 {
		t.Fatalf("fanout 2 submitted %d items", len(plugin.Submitted))
	}
}

// ============================================================================
// CONFIRMATION TRACKING
// ============================================================================

func TestConfirmationAtExactThreshold(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	now := time.Now()
	item := q.add(&database.QueueItem{
		DealID: uuid.New(), Chain: "ethereum", Seq: 1,
		Status: database.StatusSubmitted, SubmittedTx: "0xabc",
		LastSubmitAt: &now, LastGasPrice: "50000000000",
	})

	// One below threshold: stays submitted
	plugin.Confirmations["0xabc"] = plugin.Threshold - 1
	d.Tick(ctx)
	if item.Status != database.StatusSubmitted {
		t.Fatalf("confirmed below threshold, status %s", item.Status)
	}

	// Exactly the threshold counts as confirmed
	plugin.Confirmations["0xabc"] = plugin.Threshold
	d.Tick(ctx)
	if item.Status != database.StatusConfirmed {
		t.Fatalf("not confirmed at threshold, status %s", item.Status)
	}
}

func TestReorgResetsToPending(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	now := time.Now()
	item := q.add(&database.QueueItem{
		DealID: uuid.New(), Chain: "ethereum", Seq: 1,
		Status: database.StatusSubmitted, SubmittedTx: "0xgone",
		LastSubmitAt: &now,
	})

	plugin.Confirmations["0xgone"] = -1
	d.Tick(ctx)

	if item.Status != database.StatusPending {
		t.Fatalf("reorged item not reset, status %s", item.Status)
	}
	if item.SubmittedTx != "" {
		t.Fatalf("reorged item kept submitted tx %s", item.SubmittedTx)
	}
	if item.RecoveryError == "" {
		t.Fatal("reorg left no recovery error")
	}

	// The dispatcher re-submits on the same tick's pending pass or the
	// next; eventually the item confirms (scenario: reorged swap)
	d.Tick(ctx)
	if item.Status != database.StatusSubmitted {
		t.Fatalf("reset item not re-submitted, status %s", item.Status)
	}
	plugin.Confirmations[item.SubmittedTx] = plugin.Threshold
	d.Tick(ctx)
	if item.Status != database.StatusConfirmed {
		t.Fatalf("re-submitted item not confirmed, status %s", item.Status)
	}
}

func TestGasBumpOnStall(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	stale := time.Now().Add(-2 * time.Minute)
	item := q.add(&database.QueueItem{
		DealID: uuid.New(), Chain: "ethereum", Seq: 1,
		Status: database.StatusSubmitted, SubmittedTx: "0xstalled",
		LastSubmitAt: &stale, LastGasPrice: "100",
		OriginalNonce: sql.NullInt64{Int64: 7, Valid: true},
	})

	d.Tick(ctx)

	if item.GasBumpAttempts != 1 {
		t.Fatalf("gas bump attempts %d, want 1", item.GasBumpAttempts)
	}
	if item.LastGasPrice != "125" {
		t.Fatalf("bumped price %s, want 125", item.LastGasPrice)
	}
	if len(plugin.Submitted) != 1 {
		t.Fatalf("bump submitted %d times", len(plugin.Submitted))
	}
	// The re-submission reuses the pinned nonce
	if !plugin.Submitted[0].OriginalNonce.Valid || plugin.Submitted[0].OriginalNonce.Int64 != 7 {
		t.Fatalf("bump lost the original nonce: %+v", plugin.Submitted[0].OriginalNonce)
	}
}

func TestGasBumpCapped(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	stale := time.Now().Add(-2 * time.Minute)
	item := q.add(&database.QueueItem{
		DealID: uuid.New(), Chain: "ethereum", Seq: 1,
		Status: database.StatusSubmitted, SubmittedTx: "0xstalled",
		LastSubmitAt: &stale, LastGasPrice: "100",
		GasBumpAttempts: 3,
	})

	d.Tick(ctx)
	if item.GasBumpAttempts != 3 {
		t.Fatalf("bump exceeded cap: %d", item.GasBumpAttempts)
	}
	if len(plugin.Submitted) != 0 {
		t.Fatal("capped item was re-submitted")
	}
}

// ============================================================================
// ERROR POLICY
// ============================================================================

func TestAlreadyExecutedCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	plugin.SubmitFunc = func(item *database.QueueItem) (*chain.SubmitResult, error) {
		return nil, chain.NewError(chain.KindAlreadyExecuted, "ethereum", errors.New("deal processed"))
	}
	d := newTestDispatcher(t, q, plugin)

	item := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})

	d.Tick(ctx)
	if item.Status != database.StatusConfirmed {
		t.Fatalf("already-executed item not confirmed, status %s", item.Status)
	}
}

func TestUnauthorizedIsFatal(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	plugin.SubmitFunc = func(item *database.QueueItem) (*chain.SubmitResult, error) {
		return nil, chain.NewError(chain.KindUnauthorized, "ethereum", errors.New("not operator"))
	}
	d := newTestDispatcher(t, q, plugin)

	item := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})

	d.Tick(ctx)
	if item.Status != database.StatusFailed {
		t.Fatalf("unauthorized item not failed, status %s", item.Status)
	}
}

func TestCircuitBreakerPausesChain(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()

	eth := chaintest.NewFakePlugin("ethereum")
	eth.SubmitFunc = func(item *database.QueueItem) (*chain.SubmitResult, error) {
		return nil, chain.NewError(chain.KindCircuitBreaker, "ethereum", errors.New("gas too high"))
	}
	polygon := chaintest.NewFakePlugin("polygon")
	d := newTestDispatcher(t, q, eth, polygon)

	older := time.Now().Add(-time.Minute)
	ethItem := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1, CreatedAt: older})
	ethItem2 := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "ethereum", Seq: 1})
	polyItem := q.add(&database.QueueItem{DealID: uuid.New(), Chain: "polygon", Seq: 1})

	d.Tick(ctx)

	// Only the first ethereum item reaches the plugin; the chain pauses
	if len(eth.Submitted) != 1 {
		t.Fatalf("paused chain saw %d submissions", len(eth.Submitted))
	}
	if ethItem.Status != database.StatusPending || ethItem2.Status != database.StatusPending {
		t.Fatal("circuit-broken items should stay pending")
	}
	// The other chain is unaffected
	if polyItem.Status != database.StatusSubmitted {
		t.Fatalf("polygon item status %s", polyItem.Status)
	}
}

// TestConfirmedItemIsNoOp verifies retrying a confirmed item does nothing
// (the open-item scan excludes it entirely)
func TestConfirmedItemIsNoOp(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	plugin := chaintest.NewFakePlugin("ethereum")
	d := newTestDispatcher(t, q, plugin)

	q.add(&database.QueueItem{
		DealID: uuid.New(), Chain: "ethereum", Seq: 1,
		Status: database.StatusConfirmed, SubmittedTx: "0xdone",
	})

	d.Tick(ctx)
	if len(plugin.Submitted) != 0 {
		t.Fatalf("confirmed item re-submitted %d times", len(plugin.Submitted))
	}
}
