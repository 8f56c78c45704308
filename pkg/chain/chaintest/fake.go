// Copyright 2025 OTC Protocol
//
// In-memory chain plugin for tests. State is plain maps the test mutates
// directly; no goroutine safety is attempted.

package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/database"
)

// FakePlugin implements chain.Plugin against in-memory state
type FakePlugin struct {
	ChainName        string
	Threshold        int
	CollectThresholdVal int

	// Deposits by escrow address
	DepositLists map[string]*chain.DepositList

	// Transfer events returned by ResolveTransferEvents
	Events    []chain.TransferEvent
	EventsErr error

	// Confirmations by txid; missing entries read as 0
	Confirmations map[string]int

	// Approvals by escrowAddr
	Approvals   map[string]bool
	ApprovalErr error

	// Balances by address, native units
	Balances map[string]decimal.Decimal

	GasPrice decimal.Decimal
	GasErr   error

	USDQuote *chain.NativeQuote
	USDErr   error

	// SubmitFunc overrides submission; default succeeds with a derived txid
	SubmitFunc func(item *database.QueueItem) (*chain.SubmitResult, error)

	// Submitted records every item handed to Submit
	Submitted []*database.QueueItem

	// ApprovalTxs records direct ApproveBrokerForERC20 calls
	ApprovalTxs []string

	Operator     string
	Tank         string
	FeeRecipient_ string
}

// NewFakePlugin builds a fake with sane defaults
func NewFakePlugin(name string) *FakePlugin {
	return &FakePlugin{
		ChainName:           name,
		Threshold:           3,
		CollectThresholdVal: 3,
		DepositLists:        make(map[string]*chain.DepositList),
		Confirmations:       make(map[string]int),
		Approvals:           make(map[string]bool),
		Balances:            make(map[string]decimal.Decimal),
		GasPrice:            decimal.NewFromInt(50_000_000_000),
		Operator:            "0xoperator-" + name,
		Tank:                "0xtank-" + name,
		FeeRecipient_:       "0xfees-" + name,
	}
}

func (f *FakePlugin) Name() string              { return f.ChainName }
func (f *FakePlugin) ConfirmationThreshold() int { return f.Threshold }
func (f *FakePlugin) CollectThreshold() int      { return f.CollectThresholdVal }
func (f *FakePlugin) OperatorAddress() string    { return f.Operator }
func (f *FakePlugin) TankAddress() string        { return f.Tank }
func (f *FakePlugin) FeeRecipient() string       { return f.FeeRecipient_ }
func (f *FakePlugin) Provider() any              { return nil }

// DeriveEscrow derives a deterministic fake address
func (f *FakePlugin) DeriveEscrow(dealID uuid.UUID, side database.PartySide) (*database.EscrowAccountRef, error) {
	sum := sha256.Sum256([]byte(f.ChainName + dealID.String() + string(side)))
	return &database.EscrowAccountRef{
		Chain:    f.ChainName,
		Address:  "0x" + hex.EncodeToString(sum[:10]),
		KeyIndex: uint32(sum[0]),
	}, nil
}

func (f *FakePlugin) ListConfirmedDeposits(ctx context.Context, asset chain.Asset, address string, minConfirmations int) (*chain.DepositList, error) {
	if list, ok := f.DepositLists[address]; ok {
		return list, nil
	}
	return &chain.DepositList{TotalConfirmed: decimal.Zero}, nil
}

func (f *FakePlugin) ResolveTransferEvents(ctx context.Context, asset chain.Asset, address string, fromBlock, toBlock int64) ([]chain.TransferEvent, error) {
	if f.EventsErr != nil {
		return nil, f.EventsErr
	}
	var out []chain.TransferEvent
	for _, ev := range f.Events {
		if ev.BlockHeight >= fromBlock && ev.BlockHeight <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *FakePlugin) GetTxConfirmations(ctx context.Context, txid string) (int, error) {
	return f.Confirmations[txid], nil
}

func (f *FakePlugin) Submit(ctx context.Context, item *database.QueueItem) (*chain.SubmitResult, error) {
	f.Submitted = append(f.Submitted, item)
	if f.SubmitFunc != nil {
		return f.SubmitFunc(item)
	}
	return &chain.SubmitResult{
		TxID:     fmt.Sprintf("0xtx-%s-%d", item.ID, len(f.Submitted)),
		Nonce:    int64(len(f.Submitted)),
		GasPrice: f.GasPrice.String(),
	}, nil
}

func (f *FakePlugin) CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error) {
	if f.ApprovalErr != nil {
		return false, f.ApprovalErr
	}
	return f.Approvals[escrowAddr], nil
}

func (f *FakePlugin) ApproveBrokerForERC20(ctx context.Context, escrow *database.EscrowAccountRef, tokenAddr string) (string, error) {
	txid := fmt.Sprintf("0xapprove-%s-%d", escrow.Address, len(f.ApprovalTxs))
	f.ApprovalTxs = append(f.ApprovalTxs, txid)
	f.Approvals[escrow.Address] = true
	return txid, nil
}

func (f *FakePlugin) QuoteNativeUSD(ctx context.Context) (*chain.NativeQuote, error) {
	if f.USDErr != nil {
		return nil, f.USDErr
	}
	if f.USDQuote != nil {
		return f.USDQuote, nil
	}
	return &chain.NativeQuote{Price: decimal.NewFromInt(3000), Source: "fake"}, nil
}

func (f *FakePlugin) GasQuote(ctx context.Context) (*chain.GasQuote, error) {
	if f.GasErr != nil {
		return nil, f.GasErr
	}
	return &chain.GasQuote{Price: f.GasPrice, QuotedAt: time.Now()}, nil
}

func (f *FakePlugin) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return f.Balances[address], nil
}

var _ chain.Plugin = (*FakePlugin)(nil)

// Registry is a trivial PluginSource over fakes
type Registry struct {
	Plugins map[string]chain.Plugin
}

// NewRegistry builds a registry over the given fakes
func NewRegistry(plugins ...chain.Plugin) *Registry {
	r := &Registry{Plugins: make(map[string]chain.Plugin)}
	for _, p := range plugins {
		r.Plugins[p.Name()] = p
	}
	return r
}

// Get implements the PluginSource interfaces
func (r *Registry) Get(name string) (chain.Plugin, error) {
	p, ok := r.Plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownChain, name)
	}
	return p, nil
}

// Names lists registered chains
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Plugins))
	for name := range r.Plugins {
		names = append(names, name)
	}
	return names
}
