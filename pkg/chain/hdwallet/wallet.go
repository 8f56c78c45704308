// Copyright 2025 OTC Protocol
//
// Hot Wallet - BIP32/BIP39 key derivation for escrow, operator and tank
// accounts. The wallet holds only the master key; per-deal escrow keys
// are re-derived on demand from a deterministic index and never cached
// or persisted.

package hdwallet

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/otcprotocol/broker/pkg/database"
)

// Wallet derives chain keys from a single hot seed
type Wallet struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

// New builds a wallet from a BIP39 mnemonic or a hex-encoded seed
func New(seedOrMnemonic string) (*Wallet, error) {
	if seedOrMnemonic == "" {
		return nil, fmt.Errorf("hot wallet seed is empty")
	}

	var seed []byte
	if bip39.IsMnemonicValid(seedOrMnemonic) {
		seed = bip39.NewSeed(seedOrMnemonic, "")
	} else {
		decoded, err := hex.DecodeString(strings.TrimPrefix(seedOrMnemonic, "0x"))
		if err != nil {
			return nil, fmt.Errorf("seed is neither a valid mnemonic nor hex: %w", err)
		}
		seed = decoded
	}

	params := &chaincfg.MainNetParams
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{master: master, params: params}, nil
}

// DealIndex maps (dealID, side) to a stable derivation index. The high bit
// is cleared so the index stays below the hardened-key boundary.
func DealIndex(dealID uuid.UUID, side database.PartySide) uint32 {
	sum := sha256.Sum256([]byte(dealID.String() + ":" + string(side)))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7FFFFFFF
}

// DeriveKey derives the private key at m/44'/coinType'/0'/0/index
func (w *Wallet) DeriveKey(coinType, index uint32) (*btcec.PrivateKey, error) {
	key := w.master
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	for _, child := range path {
		derived, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", child, err)
		}
		key = derived
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return priv, nil
}

// DeriveECDSA derives the key in the ECDSA form the EVM stack signs with
func (w *Wallet) DeriveECDSA(coinType, index uint32) (*ecdsa.PrivateKey, error) {
	priv, err := w.DeriveKey(coinType, index)
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// EVMAddress returns the checksummed EVM address at the given index
func (w *Wallet) EVMAddress(coinType, index uint32) (string, error) {
	priv, err := w.DeriveECDSA(coinType, index)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// P2PKHAddress returns the pay-to-pubkey-hash address at the given index
func (w *Wallet) P2PKHAddress(coinType, index uint32) (string, error) {
	priv, err := w.DeriveKey(coinType, index)
	if err != nil {
		return "", err
	}
	pubHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubHash, w.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// Params returns the network parameters used for UTXO address encoding
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}
