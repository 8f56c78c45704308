// Copyright 2025 OTC Protocol
//
// Hot wallet derivation tests

package hdwallet

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/otcprotocol/broker/pkg/database"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDerivationIsDeterministic(t *testing.T) {
	w1, err := New(testMnemonic)
	require.NoError(t, err)
	w2, err := New(testMnemonic)
	require.NoError(t, err)

	a1, err := w1.EVMAddress(60, 7)
	require.NoError(t, err)
	a2, err := w2.EVMAddress(60, 7)
	require.NoError(t, err)
	require.Equal(t, a1, a2, "same seed and index must derive the same address")

	other, err := w1.EVMAddress(60, 8)
	require.NoError(t, err)
	require.NotEqual(t, a1, other, "different indexes must derive different addresses")
}

func TestDealIndexStableAndSideSeparated(t *testing.T) {
	dealID := uuid.MustParse("a2f0c9e4-9d3b-4d0e-8f35-27e51c6b90aa")

	indexA := DealIndex(dealID, database.SideA)
	indexB := DealIndex(dealID, database.SideB)

	require.Equal(t, indexA, DealIndex(dealID, database.SideA), "index must be stable")
	require.NotEqual(t, indexA, indexB, "sides must never collide")

	// Indexes stay below the hardened boundary
	require.Less(t, indexA, uint32(0x80000000))
	require.Less(t, indexB, uint32(0x80000000))

	require.NotEqual(t, indexA, DealIndex(uuid.New(), database.SideA))
}

func TestHexSeedAccepted(t *testing.T) {
	w, err := New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	addr, err := w.EVMAddress(60, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "0x"))
	require.Len(t, addr, 42)
}

func TestBadSeedRejected(t *testing.T) {
	_, err := New("")
	require.Error(t, err)

	_, err = New("not a mnemonic and not hex!!")
	require.Error(t, err)
}

func TestP2PKHAddress(t *testing.T) {
	w, err := New(testMnemonic)
	require.NoError(t, err)

	addr, err := w.P2PKHAddress(0, 1)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	again, err := w.P2PKHAddress(0, 1)
	require.NoError(t, err)
	require.Equal(t, addr, again)
}
