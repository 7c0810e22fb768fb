// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
)

// litecoinHeader1341188 returns the header the mainnet checkpoint is built
// from.
func litecoinHeader1341188(t *testing.T) *BlockHeader {
	t.Helper()

	prev, err := chainhash.NewHashFromStr(
		"d0a2824855062497a4b03c89b06def42abcb45158c406713cf219e5b4055a426")
	require.NoError(t, err)
	merkle, err := chainhash.NewHashFromStr(
		"e97314257cbd625676411a9c295861256c3932bae95312a0672d99711daf40d1")
	require.NoError(t, err)

	return NewBlockHeader(536870912, prev, merkle, 1514572031, 0x1a04865f,
		2046883480)
}

// TestBlockHeaderHash verifies a known mainnet header hashes to its known
// block hash.
func TestBlockHeaderHash(t *testing.T) {
	header := litecoinHeader1341188(t)

	want, err := chainhash.NewHashFromStr(
		"2dd9a6d0d30ded8925c303b8228713e72c345e0e3aed488897643d6d35b9d6ee")
	require.NoError(t, err)

	got := header.BlockHash()
	require.True(t, got.IsEqual(want), "hash mismatch: %s", spew.Sdump(header))

	// The cache must return the identical value.
	again := header.BlockHash()
	require.Equal(t, got, again)
}

// TestBlockHeaderWire tests the wire encode and decode for BlockHeader.
func TestBlockHeaderWire(t *testing.T) {
	header := litecoinHeader1341188(t)

	var buf bytes.Buffer
	require.NoError(t, header.BtcEncode(&buf, ProtocolVersion, BaseEncoding))
	require.Equal(t, BlockHeaderLen, buf.Len())

	var decoded BlockHeader
	require.NoError(t, decoded.BtcDecode(&buf, ProtocolVersion, BaseEncoding))

	require.Equal(t, header.Version, decoded.Version)
	require.Equal(t, header.PrevBlock, decoded.PrevBlock)
	require.Equal(t, header.MerkleRoot, decoded.MerkleRoot)
	require.Equal(t, header.Timestamp, decoded.Timestamp)
	require.Equal(t, header.Bits, decoded.Bits)
	require.Equal(t, header.Nonce, decoded.Nonce)
	require.Equal(t, header.BlockHash(), decoded.BlockHash())
}

// TestBlockHeaderSerialize tests the internal format which carries the
// median-time-past annotation.
func TestBlockHeaderSerialize(t *testing.T) {
	header := litecoinHeader1341188(t)
	header.MedianTimePast = 1514570000

	var buf bytes.Buffer
	require.NoError(t, header.Serialize(&buf))
	require.Equal(t, BlockHeaderLen+4, buf.Len())
	require.Equal(t, BlockHeaderLen+4, header.SerializeSize(false))

	var decoded BlockHeader
	require.NoError(t, decoded.Deserialize(&buf))
	require.Equal(t, header.MedianTimePast, decoded.MedianTimePast)
	require.Equal(t, header.BlockHash(), decoded.BlockHash())
}

// TestBlockHeaderCacheInvalidation ensures a mutator makes the next hash
// request recompute.
func TestBlockHeaderCacheInvalidation(t *testing.T) {
	header := litecoinHeader1341188(t)

	before := header.BlockHash()
	powBefore := header.PowHash()

	header.SetNonce(header.Nonce + 1)

	after := header.BlockHash()
	powAfter := header.PowHash()

	require.NotEqual(t, before, after)
	require.NotEqual(t, powBefore, powAfter)

	// Restoring the nonce restores the hashes.
	header.SetNonce(header.Nonce - 1)
	require.Equal(t, before, header.BlockHash())
	require.Equal(t, powBefore, header.PowHash())
}

// TestBlockHeaderHashConcurrent hammers the cached hash from many
// goroutines; every reader must observe the same value.
func TestBlockHeaderHashConcurrent(t *testing.T) {
	header := litecoinHeader1341188(t)
	want := header.BlockHash()
	header.InvalidateCache()

	var wg sync.WaitGroup
	results := make([]chainhash.Hash, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = header.BlockHash()
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.Equal(t, want, results[i])
	}
}
