// Copyright 2025 OTC Protocol
//
// UTXO Chain Plugin
// Implements the chain.Plugin capability set for bitcoin-family chains:
// P2PKH escrow derivation, deposit discovery via listunspent, simple
// payment submission with locally signed inputs, and the coinbase-walk
// support the vesting tracer needs.
//
// Broker contracts do not exist on these chains; refunds and sweeps are
// plain payments from the escrow. Approval-related capabilities return
// ErrNotSupported.

package utxo

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/chain/hdwallet"
	"github.com/otcprotocol/broker/pkg/config"
	"github.com/otcprotocol/broker/pkg/database"
)

// coinDecimals is the base-unit precision of bitcoin-family chains
const coinDecimals = 8

// estimated P2PKH transaction weight components, vbytes
const (
	inputVBytes  = 148
	outputVBytes = 34
	txOverhead   = 10
)

// Plugin implements chain.Plugin for UTXO chains
type Plugin struct {
	cfg    *config.ChainConfig
	client *rpcclient.Client
	wallet *hdwallet.Wallet

	operatorAddr string
	tankAddr     string

	logger *log.Logger
}

// New connects to the node RPC and builds a plugin
func New(cfg *config.ChainConfig, wallet *hdwallet.Wallet, logger *log.Logger) (*Plugin, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chain config is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[UTXO:"+cfg.Name+"] ", log.LstdFlags)
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         strings.TrimPrefix(strings.TrimPrefix(cfg.RPC, "http://"), "https://"),
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   !strings.HasPrefix(cfg.RPC, "https://"),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Name, err)
	}

	operatorAddr, err := wallet.P2PKHAddress(cfg.CoinType, cfg.OperatorKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("derive operator address for %s: %w", cfg.Name, err)
	}
	tankAddr, err := wallet.P2PKHAddress(cfg.CoinType, cfg.TankKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("derive tank address for %s: %w", cfg.Name, err)
	}

	p := &Plugin{
		cfg:          cfg,
		client:       client,
		wallet:       wallet,
		operatorAddr: operatorAddr,
		tankAddr:     tankAddr,
		logger:       logger,
	}
	logger.Printf("Connected (operator=%s)", operatorAddr)
	return p, nil
}

// Name implements chain.Plugin
func (p *Plugin) Name() string { return p.cfg.Name }

// ConfirmationThreshold implements chain.Plugin
func (p *Plugin) ConfirmationThreshold() int { return p.cfg.Confirmations }

// CollectThreshold implements chain.Plugin
func (p *Plugin) CollectThreshold() int { return p.cfg.CollectConfirmations }

// FeeRecipient implements chain.Plugin; falls back to the operator
func (p *Plugin) FeeRecipient() string {
	if p.cfg.FeeRecipient != "" {
		return p.cfg.FeeRecipient
	}
	return p.operatorAddr
}

// OperatorAddress implements chain.Plugin
func (p *Plugin) OperatorAddress() string { return p.operatorAddr }

// TankAddress implements chain.Plugin
func (p *Plugin) TankAddress() string { return p.tankAddr }

// Provider implements chain.Plugin; returns the underlying RPC client
func (p *Plugin) Provider() any { return p.client }

// DeriveEscrow implements chain.Plugin
func (p *Plugin) DeriveEscrow(dealID uuid.UUID, side database.PartySide) (*database.EscrowAccountRef, error) {
	index := hdwallet.DealIndex(dealID, side)
	addr, err := p.wallet.P2PKHAddress(p.cfg.CoinType, index)
	if err != nil {
		return nil, fmt.Errorf("derive escrow for deal %s side %s: %w", dealID, side, err)
	}
	return &database.EscrowAccountRef{
		Chain:    p.cfg.Name,
		Address:  addr,
		KeyIndex: index,
	}, nil
}

// ============================================================================
// DEPOSITS AND CONFIRMATIONS
// ============================================================================

// ListConfirmedDeposits implements chain.Plugin via listunspent; every
// UTXO carries its real txid, so nothing here is synthetic.
func (p *Plugin) ListConfirmedDeposits(ctx context.Context, asset chain.Asset, address string, minConfirmations int) (*chain.DepositList, error) {
	if !asset.Native() {
		return nil, chain.ErrNotSupported
	}

	unspent, err := p.listUnspent(address)
	if err != nil {
		return nil, err
	}

	list := &chain.DepositList{TotalConfirmed: decimal.Zero}
	for _, utxo := range unspent {
		amount := decimal.NewFromFloat(utxo.Amount)
		dep := chain.Deposit{
			TxID:          utxo.TxID,
			Amount:        amount,
			Confirmations: int(utxo.Confirmations),
		}
		list.Deposits = append(list.Deposits, dep)
		if int(utxo.Confirmations) >= minConfirmations {
			list.TotalConfirmed = list.TotalConfirmed.Add(amount)
		}
	}
	return list, nil
}

func (p *Plugin) listUnspent(address string) ([]btcjson.ListUnspentResult, error) {
	addr, err := btcutil.DecodeAddress(address, p.wallet.Params())
	if err != nil {
		return nil, fmt.Errorf("bad address %s: %w", address, err)
	}
	unspent, err := p.client.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("listunspent for %s: %w", address, err)
	}
	return unspent, nil
}

// ResolveTransferEvents implements chain.Plugin; UTXO chains never emit
// synthetic deposit identifiers
func (p *Plugin) ResolveTransferEvents(ctx context.Context, asset chain.Asset, address string, fromBlock, toBlock int64) ([]chain.TransferEvent, error) {
	return nil, chain.ErrNotSupported
}

// GetTxConfirmations implements chain.Plugin
func (p *Plugin) GetTxConfirmations(ctx context.Context, txid string) (int, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("bad txid %s: %w", txid, err)
	}

	raw, err := p.client.GetRawTransactionVerbose(hash)
	if err != nil {
		// An unknown transaction was dropped or reorged away
		if strings.Contains(strings.ToLower(err.Error()), "no information") {
			return -1, nil
		}
		return 0, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}

	return int(raw.Confirmations), nil
}

// NativeBalance implements chain.Plugin as the sum of unspent outputs
func (p *Plugin) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	unspent, err := p.listUnspent(address)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, utxo := range unspent {
		total = total.Add(decimal.NewFromFloat(utxo.Amount))
	}
	return total, nil
}

// ============================================================================
// GAS / FEES
// ============================================================================

// GasQuote implements chain.Plugin; the price is a fee rate in satoshi
// per vbyte
func (p *Plugin) GasQuote(ctx context.Context) (*chain.GasQuote, error) {
	mode := btcjson.EstimateModeEconomical
	estimate, err := p.client.EstimateSmartFee(6, &mode)
	if err != nil || estimate.FeeRate == nil {
		// Fallback rate when the node has no fee data
		return &chain.GasQuote{Price: decimal.NewFromInt(2), QuotedAt: time.Now().UTC()}, nil
	}
	// FeeRate is coin/kB; convert to satoshi/vB
	rate := decimal.NewFromFloat(*estimate.FeeRate).Shift(coinDecimals).Div(decimal.NewFromInt(1000))
	if rate.LessThan(decimal.NewFromInt(1)) {
		rate = decimal.NewFromInt(1)
	}
	return &chain.GasQuote{Price: rate, QuotedAt: time.Now().UTC()}, nil
}

// QuoteNativeUSD implements chain.Plugin. UTXO chains carry no stablecoin
// side, so gas reimbursement never needs this quote.
func (p *Plugin) QuoteNativeUSD(ctx context.Context) (*chain.NativeQuote, error) {
	return nil, chain.NewError(chain.KindNoPriceOracle, p.cfg.Name,
		fmt.Errorf("no price oracle for %s", p.cfg.Name))
}

// ============================================================================
// APPROVALS (unsupported)
// ============================================================================

// CheckBrokerApproval implements chain.Plugin
func (p *Plugin) CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error) {
	return false, chain.ErrNotSupported
}

// ApproveBrokerForERC20 implements chain.Plugin
func (p *Plugin) ApproveBrokerForERC20(ctx context.Context, escrow *database.EscrowAccountRef, tokenAddr string) (string, error) {
	return "", chain.ErrNotSupported
}

// ============================================================================
// SUBMISSION
// ============================================================================

// Submit implements chain.Plugin. Only simple payments exist here: refunds,
// sweeps and tank movements from an address we hold the key for.
func (p *Plugin) Submit(ctx context.Context, item *database.QueueItem) (*chain.SubmitResult, error) {
	switch item.Purpose {
	case database.PurposeBrokerRefund, database.PurposeSurplusRefund,
		database.PurposeGasFunding, database.PurposeGasRefundToTank:
	default:
		return nil, fmt.Errorf("%w: purpose %s", chain.ErrNotSupported, item.Purpose)
	}

	amount, err := decimal.NewFromString(item.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", item.Amount, err)
	}

	keyIndex, err := p.keyIndexFor(item)
	if err != nil {
		return nil, err
	}

	quote, err := p.GasQuote(ctx)
	if err != nil {
		return nil, err
	}

	txid, err := p.sendPayment(keyIndex, item.FromAddr, item.ToAddr, amount, quote.Price)
	if err != nil {
		return nil, err
	}

	return &chain.SubmitResult{TxID: txid, GasPrice: quote.Price.String()}, nil
}

// keyIndexFor finds the derivation index controlling the item's from address
func (p *Plugin) keyIndexFor(item *database.QueueItem) (uint32, error) {
	candidates := []uint32{p.cfg.OperatorKeyIndex, p.cfg.TankKeyIndex}
	if item.DealID != uuid.Nil {
		candidates = append(candidates,
			hdwallet.DealIndex(item.DealID, database.SideA),
			hdwallet.DealIndex(item.DealID, database.SideB))
	}
	for _, index := range candidates {
		addr, err := p.wallet.P2PKHAddress(p.cfg.CoinType, index)
		if err != nil {
			return 0, err
		}
		if addr == item.FromAddr {
			return index, nil
		}
	}
	return 0, fmt.Errorf("no key for address %s on %s", item.FromAddr, p.cfg.Name)
}

// sendPayment builds, signs and broadcasts a P2PKH payment
func (p *Plugin) sendPayment(keyIndex uint32, fromAddr, toAddr string, amount, feeRate decimal.Decimal) (string, error) {
	unspent, err := p.listUnspent(fromAddr)
	if err != nil {
		return "", err
	}

	targetSats := amount.Shift(coinDecimals).Truncate(0).IntPart()

	// Greedy coin selection in the order the node lists the outputs;
	// unconfirmed outputs are skipped
	var selected []btcjson.ListUnspentResult
	var selectedSats int64
	for _, utxo := range unspent {
		if utxo.Confirmations == 0 {
			continue
		}
		selected = append(selected, utxo)
		selectedSats += int64(decimal.NewFromFloat(utxo.Amount).Shift(coinDecimals).IntPart())

		feeSats := p.estimateFee(len(selected), 2, feeRate)
		if selectedSats >= targetSats+feeSats {
			break
		}
	}
	feeSats := p.estimateFee(len(selected), 2, feeRate)
	if selectedSats < targetSats+feeSats {
		return "", chain.NewError(chain.KindInsufficientBalance, p.cfg.Name,
			fmt.Errorf("have %d sats, need %d", selectedSats, targetSats+feeSats))
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", fmt.Errorf("bad utxo txid: %w", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, utxo.Vout), nil, nil))
	}

	dest, err := btcutil.DecodeAddress(toAddr, p.wallet.Params())
	if err != nil {
		return "", fmt.Errorf("bad destination %s: %w", toAddr, err)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return "", fmt.Errorf("build destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(targetSats, destScript))

	// Change back to the sending address, dropped when it would be dust
	change := selectedSats - targetSats - feeSats
	if change > 546 {
		changeAddr, err := btcutil.DecodeAddress(fromAddr, p.wallet.Params())
		if err != nil {
			return "", fmt.Errorf("bad change address: %w", err)
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return "", fmt.Errorf("build change script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	priv, err := p.wallet.DeriveKey(p.cfg.CoinType, keyIndex)
	if err != nil {
		return "", fmt.Errorf("derive signing key: %w", err)
	}

	fromDecoded, err := btcutil.DecodeAddress(fromAddr, p.wallet.Params())
	if err != nil {
		return "", fmt.Errorf("bad from address: %w", err)
	}
	prevScript, err := txscript.PayToAddrScript(fromDecoded)
	if err != nil {
		return "", fmt.Errorf("build input script: %w", err)
	}

	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	hash, err := p.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	p.logger.Printf("Sent %s %s -> %s (tx %s)", amount, fromAddr, toAddr, hash)
	return hash.String(), nil
}

// estimateFee returns the fee in satoshi for a payment of the given shape
func (p *Plugin) estimateFee(inputs, outputs int, feeRate decimal.Decimal) int64 {
	vbytes := int64(inputs*inputVBytes + outputs*outputVBytes + txOverhead)
	return feeRate.Mul(decimal.NewFromInt(vbytes)).Ceil().IntPart()
}

// ============================================================================
// VESTING SUPPORT
// ============================================================================

// GetTransactionInputs implements chain.UTXOSource
func (p *Plugin) GetTransactionInputs(ctx context.Context, txid string) ([]chain.TxInput, bool, int64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, false, 0, fmt.Errorf("bad txid %s: %w", txid, err)
	}

	raw, err := p.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return nil, false, 0, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}

	var blockHeight int64
	if raw.BlockHash != "" {
		blockHash, err := chainhash.NewHashFromStr(raw.BlockHash)
		if err == nil {
			if block, err := p.client.GetBlockVerbose(blockHash); err == nil {
				blockHeight = block.Height
			}
		}
	}

	if len(raw.Vin) > 0 && raw.Vin[0].IsCoinBase() {
		return nil, true, blockHeight, nil
	}

	inputs := make([]chain.TxInput, 0, len(raw.Vin))
	for _, vin := range raw.Vin {
		inputs = append(inputs, chain.TxInput{ParentTxID: vin.Txid, Vout: vin.Vout})
	}
	return inputs, false, blockHeight, nil
}

// CoinbaseMaturityHeight implements chain.UTXOSource
func (p *Plugin) CoinbaseMaturityHeight() int64 {
	return p.cfg.CoinbaseMaturity
}
