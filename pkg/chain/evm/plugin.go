// Copyright 2025 OTC Protocol
//
// EVM Chain Plugin
// Implements the chain.Plugin capability set for Ethereum and
// EVM-compatible chains: HD escrow derivation, deposit scanning by
// Transfer logs with a balance-probe fallback, broker calls with operator
// signatures, gas pricing with a circuit breaker, and idempotent
// nonce-pinned submission.

package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/chain/hdwallet"
	"github.com/otcprotocol/broker/pkg/config"
	"github.com/otcprotocol/broker/pkg/database"
)

// NativeSyntheticPrefix marks native deposits recorded from a balance probe
const NativeSyntheticPrefix = "native-balance-"

// nativeDecimals is the base-unit precision of EVM native assets
const nativeDecimals = 18

// Fixed gas limits per operation class
const (
	gasLimitTransfer = 21000
	gasLimitERC20    = 90000
	gasLimitApprove  = 70000
	gasLimitBroker   = 350000
)

// Plugin implements chain.Plugin for EVM chains
type Plugin struct {
	cfg    *config.ChainConfig
	client *ethclient.Client
	wallet *hdwallet.Wallet

	chainID      *big.Int
	broker       common.Address
	operatorKey  *ecdsa.PrivateKey
	operatorAddr common.Address
	tankAddr     common.Address

	oracle *gasOracle
	prices *priceClient

	// nonceMu serializes nonce assignment across concurrent submissions
	nonceMu sync.Mutex

	logger *log.Logger
}

// New connects to the chain and builds a plugin
func New(cfg *config.ChainConfig, wallet *hdwallet.Wallet, gasCacheTTL time.Duration, logger *log.Logger) (*Plugin, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chain config is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVM:"+cfg.Name+"] ", log.LstdFlags)
	}

	client, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID for %s: %w", cfg.Name, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain %s: node reports chain id %d, config says %d",
			cfg.Name, chainID.Int64(), cfg.ChainID)
	}

	operatorKey, err := wallet.DeriveECDSA(cfg.CoinType, cfg.OperatorKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("derive operator key for %s: %w", cfg.Name, err)
	}
	tankKey, err := wallet.DeriveECDSA(cfg.CoinType, cfg.TankKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("derive tank key for %s: %w", cfg.Name, err)
	}

	p := &Plugin{
		cfg:          cfg,
		client:       client,
		wallet:       wallet,
		chainID:      chainID,
		broker:       common.HexToAddress(cfg.BrokerContract),
		operatorKey:  operatorKey,
		operatorAddr: addressOf(operatorKey),
		tankAddr:     addressOf(tankKey),
		prices:       newPriceClient(cfg.Name, cfg.ExplorerURL, cfg.ExplorerAPIKey),
		logger:       logger,
	}
	p.oracle = newGasOracle(cfg.Name, func(ctx context.Context) (*big.Int, error) {
		return client.SuggestGasPrice(ctx)
	}, cfg.GasCeilingGwei, gasCacheTTL)

	logger.Printf("Connected (chain_id=%s, operator=%s)", chainID, p.operatorAddr.Hex())
	return p, nil
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Name implements chain.Plugin
func (p *Plugin) Name() string { return p.cfg.Name }

// ConfirmationThreshold implements chain.Plugin
func (p *Plugin) ConfirmationThreshold() int { return p.cfg.Confirmations }

// CollectThreshold implements chain.Plugin
func (p *Plugin) CollectThreshold() int { return p.cfg.CollectConfirmations }

// FeeRecipient implements chain.Plugin; falls back to the operator when no
// dedicated fee account is configured
func (p *Plugin) FeeRecipient() string {
	if p.cfg.FeeRecipient != "" {
		return p.cfg.FeeRecipient
	}
	return p.operatorAddr.Hex()
}

// OperatorAddress implements chain.Plugin
func (p *Plugin) OperatorAddress() string { return p.operatorAddr.Hex() }

// TankAddress implements chain.Plugin
func (p *Plugin) TankAddress() string { return p.tankAddr.Hex() }

// Provider implements chain.Plugin; returns the underlying ethclient
func (p *Plugin) Provider() any { return p.client }

// DeriveEscrow implements chain.Plugin
func (p *Plugin) DeriveEscrow(dealID uuid.UUID, side database.PartySide) (*database.EscrowAccountRef, error) {
	index := hdwallet.DealIndex(dealID, side)
	addr, err := p.wallet.EVMAddress(p.cfg.CoinType, index)
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
// DEPOSIT SCANNING
// ============================================================================

// ListConfirmedDeposits implements chain.Plugin. ERC-20 deposits come from
// a Transfer-log scan over a bounded window; when the node cannot serve
// the scan (pruned history) the plugin falls back to a balance probe and
// emits a synthetic identifier for the txid resolver to fix up later.
// Native deposits are always balance probes.
func (p *Plugin) ListConfirmedDeposits(ctx context.Context, asset chain.Asset, address string, minConfirmations int) (*chain.DepositList, error) {
	asset = p.resolveAsset(asset)
	if asset.Native() {
		return p.nativeBalanceDeposit(ctx, address, minConfirmations)
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	fromBlock := int64(head) - p.cfg.DepositScanBlocks
	if fromBlock < 0 {
		fromBlock = 0
	}

	events, err := p.ResolveTransferEvents(ctx, asset, address, fromBlock, int64(head))
	if err != nil {
		p.logger.Printf("Transfer scan failed for %s, falling back to balance probe: %v", address, err)
		return p.erc20BalanceDeposit(ctx, asset, address, minConfirmations)
	}

	list := &chain.DepositList{TotalConfirmed: decimal.Zero}
	for _, ev := range events {
		conf := int(int64(head) - ev.BlockHeight + 1)
		dep := chain.Deposit{
			TxID:          ev.TxHash,
			Amount:        ev.Amount,
			BlockHeight:   ev.BlockHeight,
			Confirmations: conf,
		}
		list.Deposits = append(list.Deposits, dep)
		if conf >= minConfirmations {
			list.TotalConfirmed = list.TotalConfirmed.Add(ev.Amount)
		}
	}
	return list, nil
}

func (p *Plugin) nativeBalanceDeposit(ctx context.Context, address string, minConfirmations int) (*chain.DepositList, error) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	// Read the balance a full confirmation window behind the head so the
	// reported total is itself confirmed.
	probeBlock := int64(head) - int64(minConfirmations) + 1
	if probeBlock < 0 {
		probeBlock = 0
	}

	wei, err := p.client.BalanceAt(ctx, common.HexToAddress(address), big.NewInt(probeBlock))
	if err != nil {
		return nil, p.classify(err)
	}

	amount := decimal.NewFromBigInt(wei, -nativeDecimals)
	list := &chain.DepositList{TotalConfirmed: amount}
	if amount.IsPositive() {
		list.Deposits = append(list.Deposits, chain.Deposit{
			TxID:          NativeSyntheticPrefix + strings.ToLower(address),
			Amount:        amount,
			BlockHeight:   probeBlock,
			Confirmations: minConfirmations,
			Synthetic:     true,
		})
	}
	return list, nil
}

func (p *Plugin) erc20BalanceDeposit(ctx context.Context, asset chain.Asset, address string, minConfirmations int) (*chain.DepositList, error) {
	decimals, err := p.assetDecimals(asset)
	if err != nil {
		return nil, err
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	probeBlock := int64(head) - int64(minConfirmations) + 1
	if probeBlock < 0 {
		probeBlock = 0
	}

	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	token := common.HexToAddress(asset.TokenAddress)
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, big.NewInt(probeBlock))
	if err != nil {
		return nil, p.classify(err)
	}
	balance := new(big.Int).SetBytes(raw)

	amount := decimal.NewFromBigInt(balance, -decimals)
	list := &chain.DepositList{TotalConfirmed: amount}
	if amount.IsPositive() {
		list.Deposits = append(list.Deposits, chain.Deposit{
			TxID:          database.SyntheticTxPrefix + strings.ToLower(address),
			Amount:        amount,
			BlockHeight:   probeBlock,
			Confirmations: minConfirmations,
			Synthetic:     true,
		})
	}
	return list, nil
}

// ResolveTransferEvents implements chain.Plugin
func (p *Plugin) ResolveTransferEvents(ctx context.Context, asset chain.Asset, address string, fromBlock, toBlock int64) ([]chain.TransferEvent, error) {
	asset = p.resolveAsset(asset)
	if asset.Native() {
		return nil, chain.ErrNotSupported
	}
	decimals, err := p.assetDecimals(asset)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{common.HexToAddress(asset.TokenAddress)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(common.HexToAddress(address).Bytes())},
		},
	}

	logs, err := p.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, p.classify(err)
	}

	events := make([]chain.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Removed {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		events = append(events, chain.TransferEvent{
			TxHash:      lg.TxHash.Hex(),
			From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount:      decimal.NewFromBigInt(value, -decimals),
			BlockHeight: int64(lg.BlockNumber),
			LogIndex:    lg.Index,
		})
	}
	return events, nil
}

// ============================================================================
// CONFIRMATIONS
// ============================================================================

// GetTxConfirmations implements chain.Plugin. Returns -1 when the
// transaction is unknown (dropped or reorged) or reverted on-chain.
func (p *Plugin) GetTxConfirmations(ctx context.Context, txid string) (int, error) {
	hash := common.HexToHash(txid)

	receipt, err := p.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// Still in the mempool counts as pending, gone entirely counts
		// as failed/reorged.
		_, pending, txErr := p.client.TransactionByHash(ctx, hash)
		if txErr == nil && pending {
			return 0, nil
		}
		return -1, nil
	}
	if err != nil {
		return 0, p.classify(err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return -1, nil
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, p.classify(err)
	}
	conf := int(int64(head) - receipt.BlockNumber.Int64() + 1)
	if conf < 0 {
		conf = 0
	}
	return conf, nil
}

// GetTxGasUsed implements chain.ReceiptProvider
func (p *Plugin) GetTxGasUsed(ctx context.Context, txid string) (uint64, error) {
	receipt, err := p.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return 0, p.classify(err)
	}
	return receipt.GasUsed, nil
}

// ============================================================================
// GAS AND BALANCES
// ============================================================================

// GasQuote implements chain.Plugin
func (p *Plugin) GasQuote(ctx context.Context) (*chain.GasQuote, error) {
	return p.oracle.quote(ctx)
}

// QuoteNativeUSD implements chain.Plugin
func (p *Plugin) QuoteNativeUSD(ctx context.Context) (*chain.NativeQuote, error) {
	return p.prices.quoteUSD(ctx)
}

// NativeBalance implements chain.Plugin
func (p *Plugin) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	wei, err := p.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, p.classify(err)
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals), nil
}

// ============================================================================
// BROKER APPROVALS
// ============================================================================

// CheckBrokerApproval implements chain.Plugin
func (p *Plugin) CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error) {
	data, err := erc20ABI.Pack("allowance",
		common.HexToAddress(escrowAddr), p.broker)
	if err != nil {
		return false, fmt.Errorf("pack allowance: %w", err)
	}
	token := common.HexToAddress(tokenAddr)
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, p.classify(err)
	}
	allowance := new(big.Int).SetBytes(raw)
	return allowance.Sign() > 0, nil
}

// ApproveBrokerForERC20 implements chain.Plugin. Issues an unlimited
// approval from the escrow to the broker.
func (p *Plugin) ApproveBrokerForERC20(ctx context.Context, escrow *database.EscrowAccountRef, tokenAddr string) (string, error) {
	key, err := p.wallet.DeriveECDSA(p.cfg.CoinType, escrow.KeyIndex)
	if err != nil {
		return "", fmt.Errorf("derive escrow key: %w", err)
	}

	maxApproval := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := erc20ABI.Pack("approve", p.broker, maxApproval)
	if err != nil {
		return "", fmt.Errorf("pack approve: %w", err)
	}

	token := common.HexToAddress(tokenAddr)
	txid, _, _, err := p.sendTx(ctx, key, &token, big.NewInt(0), gasLimitApprove, data, nil, "")
	if err != nil {
		return "", err
	}
	p.logger.Printf("Approved broker for token %s from escrow %s (tx %s)", tokenAddr, escrow.Address, txid)
	return txid, nil
}

// ============================================================================
// SUBMISSION
// ============================================================================

// Submit implements chain.Plugin. Re-submissions reuse the item's original
// nonce and the gas price the dispatcher set, which makes them idempotent
// replacement transactions rather than duplicates.
func (p *Plugin) Submit(ctx context.Context, item *database.QueueItem) (*chain.SubmitResult, error) {
	key, from, err := p.resolveSigningKey(item)
	if err != nil {
		return nil, err
	}

	to, value, gasLimit, data, err := p.buildCall(item, from)
	if err != nil {
		return nil, err
	}

	var pinnedNonce *uint64
	if item.OriginalNonce.Valid {
		n := uint64(item.OriginalNonce.Int64)
		pinnedNonce = &n
	}

	txid, nonce, gasPrice, err := p.sendTx(ctx, key, to, value, gasLimit, data, pinnedNonce, item.LastGasPrice)
	if err != nil {
		return nil, err
	}

	return &chain.SubmitResult{
		TxID:     txid,
		Nonce:    int64(nonce),
		GasPrice: gasPrice.String(),
	}, nil
}

// buildCall assembles the transaction payload for a queue item
func (p *Plugin) buildCall(item *database.QueueItem, from common.Address) (to *common.Address, value *big.Int, gasLimit uint64, data []byte, err error) {
	asset := chain.Asset{Symbol: item.Asset, TokenAddress: item.TokenAddress}

	amount := big.NewInt(0)
	if item.Amount != "" {
		amount, err = p.toBaseUnits(asset, item.Amount)
		if err != nil {
			return nil, nil, 0, nil, err
		}
	}
	fees := big.NewInt(0)
	if item.Fees != "" {
		fees, err = p.toBaseUnits(asset, item.Fees)
		if err != nil {
			return nil, nil, 0, nil, err
		}
	}

	escrow := common.HexToAddress(item.FromAddr)
	dealID := DealID(escrow, p.chainID)
	payback := common.HexToAddress(item.Payback)
	recipient := common.HexToAddress(item.Recipient)
	feeRecipient := common.HexToAddress(item.FeeRecipient)

	switch item.Purpose {
	case database.PurposeApproveBroker:
		maxApproval := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		data, err = erc20ABI.Pack("approve", p.broker, maxApproval)
		token := common.HexToAddress(item.TokenAddress)
		return &token, big.NewInt(0), gasLimitApprove, data, err

	case database.PurposeBrokerSwap:
		data, err = brokerABI.Pack("swapERC20",
			common.HexToAddress(item.TokenAddress), escrow, dealID,
			payback, recipient, feeRecipient, amount, fees)
		return &p.broker, big.NewInt(0), gasLimitBroker, data, err

	case database.PurposeBrokerRevert:
		data, err = brokerABI.Pack("revertERC20",
			common.HexToAddress(item.TokenAddress), escrow, dealID, payback, amount)
		return &p.broker, big.NewInt(0), gasLimitBroker, data, err

	case database.PurposePhase1Swap:
		sig, sigErr := SignNativeOperation(p.operatorKey, p.broker, dealID,
			payback, recipient, feeRecipient, amount, fees, from)
		if sigErr != nil {
			return nil, nil, 0, nil, sigErr
		}
		data, err = brokerABI.Pack("swapNative", dealID, payback, recipient, feeRecipient, amount, fees, sig)
		total := new(big.Int).Add(amount, fees)
		return &p.broker, total, gasLimitBroker, data, err

	case database.PurposeBrokerRefund:
		sig, sigErr := SignNativeOperation(p.operatorKey, p.broker, dealID,
			payback, payback, payback, amount, big.NewInt(0), from)
		if sigErr != nil {
			return nil, nil, 0, nil, sigErr
		}
		data, err = brokerABI.Pack("revertNative", dealID, payback, sig)
		return &p.broker, amount, gasLimitBroker, data, err

	case database.PurposeSurplusRefund, database.PurposeGasRefundToTank, database.PurposeGasFunding:
		dest := common.HexToAddress(item.ToAddr)
		if asset.Native() {
			return &dest, amount, gasLimitTransfer, nil, nil
		}
		data, err = erc20ABI.Pack("transfer", dest, amount)
		token := common.HexToAddress(item.TokenAddress)
		return &token, big.NewInt(0), gasLimitERC20, data, err

	default:
		return nil, nil, 0, nil, fmt.Errorf("unsupported queue purpose %s", item.Purpose)
	}
}

// sendTx signs and broadcasts a transaction. When pinnedNonce is set the
// transaction replaces the earlier submission at that nonce; pinnedPrice
// (wei, decimal string) overrides the oracle when non-empty.
func (p *Plugin) sendTx(ctx context.Context, key *ecdsa.PrivateKey, to *common.Address, value *big.Int, gasLimit uint64, data []byte, pinnedNonce *uint64, pinnedPrice string) (string, uint64, *big.Int, error) {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	from := addressOf(key)

	var nonce uint64
	if pinnedNonce != nil {
		nonce = *pinnedNonce
	} else {
		pending, err := p.client.PendingNonceAt(ctx, from)
		if err != nil {
			return "", 0, nil, p.classify(err)
		}
		nonce = pending
	}

	var gasPrice *big.Int
	if pinnedPrice != "" {
		price, ok := new(big.Int).SetString(pinnedPrice, 10)
		if !ok {
			return "", 0, nil, fmt.Errorf("bad pinned gas price %q", pinnedPrice)
		}
		gasPrice = price
	} else {
		quote, err := p.oracle.quote(ctx)
		if err != nil {
			return "", 0, nil, err
		}
		gasPrice = quote.Price.BigInt()
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.chainID), key)
	if err != nil {
		return "", 0, nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return "", 0, nil, p.classify(err)
	}

	return signed.Hash().Hex(), nonce, gasPrice, nil
}

// resolveSigningKey picks the account that must send the item's
// transaction. ERC-20 broker calls are operator-only (the funds move via
// transferFrom against the escrow's allowance); gas funding is sent by the
// tank; everything else is sent by the account at the item's from address,
// which must be the operator, the tank, or one of the deal's escrows.
func (p *Plugin) resolveSigningKey(item *database.QueueItem) (*ecdsa.PrivateKey, common.Address, error) {
	switch item.Purpose {
	case database.PurposeBrokerSwap, database.PurposeBrokerRevert:
		return p.operatorKey, p.operatorAddr, nil
	case database.PurposeGasFunding:
		key, err := p.wallet.DeriveECDSA(p.cfg.CoinType, p.cfg.TankKeyIndex)
		if err != nil {
			return nil, common.Address{}, err
		}
		return key, p.tankAddr, nil
	}

	from := common.HexToAddress(item.FromAddr)

	candidates := []uint32{p.cfg.OperatorKeyIndex, p.cfg.TankKeyIndex}
	if item.DealID != uuid.Nil {
		candidates = append(candidates,
			hdwallet.DealIndex(item.DealID, database.SideA),
			hdwallet.DealIndex(item.DealID, database.SideB))
	}

	for _, index := range candidates {
		key, err := p.wallet.DeriveECDSA(p.cfg.CoinType, index)
		if err != nil {
			return nil, common.Address{}, err
		}
		if addressOf(key) == from {
			return key, from, nil
		}
	}
	return nil, common.Address{}, fmt.Errorf("no key for address %s on %s", item.FromAddr, p.cfg.Name)
}

// ============================================================================
// HELPERS
// ============================================================================

// resolveAsset fills in the token contract when callers only know the
// symbol (deposit records store symbols, not contracts)
func (p *Plugin) resolveAsset(asset chain.Asset) chain.Asset {
	if asset.TokenAddress == "" && asset.Symbol != "" {
		if token, ok := p.cfg.Token(asset.Symbol); ok {
			asset.TokenAddress = token.Contract
		}
	}
	return asset
}

// assetDecimals resolves an asset's base-unit precision from the token
// registry
func (p *Plugin) assetDecimals(asset chain.Asset) (int32, error) {
	if asset.Native() {
		return nativeDecimals, nil
	}
	if token, ok := p.cfg.Token(asset.TokenAddress); ok {
		return token.Decimals, nil
	}
	if token, ok := p.cfg.Token(asset.Symbol); ok {
		return token.Decimals, nil
	}
	return 0, fmt.Errorf("unknown token %s (%s) on %s", asset.Symbol, asset.TokenAddress, p.cfg.Name)
}

// toBaseUnits converts a token-unit decimal string to base units
func (p *Plugin) toBaseUnits(asset chain.Asset, amount string) (*big.Int, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	decimals, err := p.assetDecimals(asset)
	if err != nil {
		return nil, err
	}
	return dec.Shift(decimals).Truncate(0).BigInt(), nil
}

// classify maps raw node errors onto the broker error taxonomy
func (p *Plugin) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.NewError(chain.KindDeadline, p.cfg.Name, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already executed"), strings.Contains(msg, "deal processed"):
		return chain.NewError(chain.KindAlreadyExecuted, p.cfg.Name, err)
	case strings.Contains(msg, "invalid state"):
		return chain.NewError(chain.KindInvalidState, p.cfg.Name, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return chain.NewError(chain.KindInsufficientBalance, p.cfg.Name, err)
	case strings.Contains(msg, "transfer failed"):
		return chain.NewError(chain.KindTransferFailed, p.cfg.Name, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not operator"):
		return chain.NewError(chain.KindUnauthorized, p.cfg.Name, err)
	default:
		return fmt.Errorf("%s: %w", p.cfg.Name, err)
	}
}
