// Copyright 2025 OTC Protocol
//
// Broker contract bindings for EVM chains.
// The shared broker distributes escrow funds atomically:
//   swapNative / revertNative  - value-carrying calls authorized by an
//                                operator ECDSA signature (EIP-191)
//   swapERC20 / revertERC20    - operator-only calls spending through a
//                                prior escrow allowance
// A deal is identified on-chain by keccak256(escrowAddress || chainId);
// the broker processes each deal id at most once.

package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const brokerABIJSON = `[
	{"type":"function","name":"swapNative","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},
		{"name":"payback","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"fees","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"revertNative","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},
		{"name":"payback","type":"address"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"swapERC20","stateMutability":"nonpayable","inputs":[
		{"name":"token","type":"address"},
		{"name":"escrow","type":"address"},
		{"name":"dealId","type":"bytes32"},
		{"name":"payback","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"fees","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"revertERC20","stateMutability":"nonpayable","inputs":[
		{"name":"token","type":"address"},
		{"name":"escrow","type":"address"},
		{"name":"dealId","type":"bytes32"},
		{"name":"payback","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"processedDeals","stateMutability":"view","inputs":[
		{"name":"dealId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	brokerABI abi.ABI
	erc20ABI  abi.ABI

	// transferTopic is keccak256("Transfer(address,address,uint256)")
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	var err error
	brokerABI, err = abi.JSON(strings.NewReader(brokerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid broker ABI: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 ABI: %v", err))
	}
}

// DealID computes the on-chain deal identifier:
// keccak256(escrowAddress || chainId)
func DealID(escrowAddr common.Address, chainID *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		escrowAddr.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)
}

// operatorDigest packs the native-operation tuple the broker verifies:
// { contractAddress, dealId, payback, recipient, feeRecipient, amount,
//   fees, msg.sender }
func operatorDigest(contract common.Address, dealID common.Hash, payback, recipient, feeRecipient common.Address, amount, fees *big.Int, sender common.Address) []byte {
	return crypto.Keccak256(
		contract.Bytes(),
		dealID.Bytes(),
		payback.Bytes(),
		recipient.Bytes(),
		feeRecipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(fees.Bytes(), 32),
		sender.Bytes(),
	)
}

// SignNativeOperation produces the EIP-191 prefixed operator signature the
// broker's swapNative/revertNative verify. The signature is produced
// per-call and never cached.
func SignNativeOperation(key *ecdsa.PrivateKey, contract common.Address, dealID common.Hash, payback, recipient, feeRecipient common.Address, amount, fees *big.Int, sender common.Address) ([]byte, error) {
	digest := operatorDigest(contract, dealID, payback, recipient, feeRecipient, amount, fees, sender)

	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign native operation: %w", err)
	}
	// Solidity's ecrecover expects v in {27, 28}
	sig[64] += 27
	return sig, nil
}

// RecoverNativeOperation recovers the signer address of a native-operation
// signature; used to verify operator signatures round-trip.
func RecoverNativeOperation(sig []byte, contract common.Address, dealID common.Hash, payback, recipient, feeRecipient common.Address, amount, fees *big.Int, sender common.Address) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	digest := operatorDigest(contract, dealID, payback, recipient, feeRecipient, amount, fees, sender)

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
