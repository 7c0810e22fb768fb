// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"sync"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
)

// BlockHeaderLen is the number of bytes a block header occupies on the wire.
// Version 4 bytes + PrevBlock and MerkleRoot hashes + Timestamp 4 bytes +
// Bits 4 bytes + Nonce 4 bytes.
const BlockHeaderLen = 16 + (chainhash.HashSize * 2)

// blockHeaderInternalLen is BlockHeaderLen plus the trailing
// median-time-past annotation used by the non-wire serialization.
const blockHeaderInternalLen = BlockHeaderLen + 4

// BlockHeader defines information about a block without its transactions.
// It is the unit tracked by the header chain and referenced by pin anchors.
//
// The identity hash and the scrypt proof-of-work hash are expensive, so both
// are cached after the first computation.  Mutating a field through one of
// the Set methods invalidates the caches; callers that write the exported
// fields directly after a hash has been requested must call InvalidateCache
// themselves.
type BlockHeader struct {
	// Version of the block.  This is not the same as the protocol version.
	Version int32

	// Hash of the previous block header in the block chain.
	PrevBlock chainhash.Hash

	// Merkle tree reference to hash of all transactions for the block.
	MerkleRoot chainhash.Hash

	// Time the block was created.  This is, unfortunately, encoded as a
	// uint32 on the wire and therefore is limited to 2106.
	Timestamp uint32

	// Difficulty target for the block.
	Bits uint32

	// Nonce used to generate the block.
	Nonce uint32

	// Height and MedianTimePast annotate the header once it is connected
	// to the chain.  Neither is part of the wire encoding; MedianTimePast
	// travels in the internal Serialize form only.
	Height         int32
	MedianTimePast uint32

	cacheMtx     sync.RWMutex
	hashCache    *chainhash.Hash
	powHashCache *chainhash.Hash
}

// NewBlockHeader returns a new BlockHeader using the provided version,
// previous block hash, merkle root hash, timestamp, difficulty bits, and
// nonce with defaults for the remaining fields.
func NewBlockHeader(version int32, prevHash, merkleRootHash *chainhash.Hash,
	timestamp, bits, nonce uint32) *BlockHeader {

	return &BlockHeader{
		Version:    version,
		PrevBlock:  *prevHash,
		MerkleRoot: *merkleRootHash,
		Timestamp:  timestamp,
		Bits:       bits,
		Nonce:      nonce,
	}
}

// BlockHash computes the block identifier hash for the given block header:
// the double sha256 of the 80 wire bytes.  The result is cached.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	h.cacheMtx.RLock()
	if h.hashCache != nil {
		hash := *h.hashCache
		h.cacheMtx.RUnlock()
		return hash
	}
	h.cacheMtx.RUnlock()

	h.cacheMtx.Lock()
	defer h.cacheMtx.Unlock()
	if h.hashCache == nil {
		hash := chainhash.DoubleHashH(h.wireBytes())
		h.hashCache = &hash
	}
	return *h.hashCache
}

// PowHash computes the proof-of-work hash for the given block header: the
// Litecoin-style scrypt digest of the 80 wire bytes salted with themselves.
// The result is cached.
func (h *BlockHeader) PowHash() chainhash.Hash {
	h.cacheMtx.RLock()
	if h.powHashCache != nil {
		hash := *h.powHashCache
		h.cacheMtx.RUnlock()
		return hash
	}
	h.cacheMtx.RUnlock()

	h.cacheMtx.Lock()
	defer h.cacheMtx.Unlock()
	if h.powHashCache == nil {
		hash := pow.HeaderPowHash(h.wireBytes())
		h.powHashCache = &hash
	}
	return *h.powHashCache
}

// InvalidateCache drops the cached identity and proof-of-work hashes so the
// next request recomputes them.
func (h *BlockHeader) InvalidateCache() {
	h.cacheMtx.Lock()
	h.hashCache = nil
	h.powHashCache = nil
	h.cacheMtx.Unlock()
}

// SetVersion sets the header version and invalidates the hash caches.
func (h *BlockHeader) SetVersion(version int32) {
	h.Version = version
	h.InvalidateCache()
}

// SetPrevBlock sets the previous block hash and invalidates the hash caches.
func (h *BlockHeader) SetPrevBlock(prev chainhash.Hash) {
	h.PrevBlock = prev
	h.InvalidateCache()
}

// SetMerkleRoot sets the merkle root and invalidates the hash caches.
func (h *BlockHeader) SetMerkleRoot(merkleRoot chainhash.Hash) {
	h.MerkleRoot = merkleRoot
	h.InvalidateCache()
}

// SetTimestamp sets the timestamp and invalidates the hash caches.
func (h *BlockHeader) SetTimestamp(timestamp uint32) {
	h.Timestamp = timestamp
	h.InvalidateCache()
}

// SetBits sets the difficulty bits and invalidates the hash caches.
func (h *BlockHeader) SetBits(bits uint32) {
	h.Bits = bits
	h.InvalidateCache()
}

// SetNonce sets the nonce and invalidates the hash caches.
func (h *BlockHeader) SetNonce(nonce uint32) {
	h.Nonce = nonce
	h.InvalidateCache()
}

// wireBytes returns the 80-byte wire encoding of the header.
func (h *BlockHeader) wireBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, BlockHeaderLen))
	_ = writeBlockHeader(buf, 0, h)
	return buf.Bytes()
}

// Copy creates a copy of the header without the cached hashes.
func (h *BlockHeader) Copy() *BlockHeader {
	return &BlockHeader{
		Version:        h.Version,
		PrevBlock:      h.PrevBlock,
		MerkleRoot:     h.MerkleRoot,
		Timestamp:      h.Timestamp,
		Bits:           h.Bits,
		Nonce:          h.Nonce,
		Height:         h.Height,
		MedianTimePast: h.MedianTimePast,
	}
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
// See Deserialize for decoding block headers stored to disk, such as in a
// database, as opposed to decoding block headers from the wire.
func (h *BlockHeader) BtcDecode(r io.Reader, pver uint32, enc MessageEncoding) error {
	return readBlockHeader(r, pver, h)
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
// See Serialize for encoding block headers to be stored to disk, such as in a
// database, as opposed to encoding block headers for the wire.
func (h *BlockHeader) BtcEncode(w io.Writer, pver uint32, enc MessageEncoding) error {
	return writeBlockHeader(w, pver, h)
}

// Deserialize decodes a block header from r into the receiver using the
// internal format which carries the median-time-past annotation after the
// wire fields.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	if err := readBlockHeader(r, 0, h); err != nil {
		return err
	}
	return ReadElement(r, &h.MedianTimePast)
}

// Serialize encodes a block header to w using the internal format which
// carries the median-time-past annotation after the wire fields.
func (h *BlockHeader) Serialize(w io.Writer) error {
	if err := writeBlockHeader(w, 0, h); err != nil {
		return err
	}
	return WriteElement(w, h.MedianTimePast)
}

// SerializeSize returns the number of bytes it would take to serialize the
// header.  The wire form is always BlockHeaderLen; the internal form adds
// the median-time-past annotation.
func (h *BlockHeader) SerializeSize(wireForm bool) int {
	if wireForm {
		return BlockHeaderLen
	}
	return blockHeaderInternalLen
}

// readBlockHeader reads a block header from r.
func readBlockHeader(r io.Reader, pver uint32, bh *BlockHeader) error {
	err := ReadElements(r, &bh.Version, &bh.PrevBlock, &bh.MerkleRoot,
		&bh.Timestamp, &bh.Bits, &bh.Nonce)
	if err != nil {
		return err
	}
	bh.InvalidateCache()
	return nil
}

// writeBlockHeader writes a block header to w.
func writeBlockHeader(w io.Writer, pver uint32, bh *BlockHeader) error {
	return WriteElements(w, bh.Version, &bh.PrevBlock, &bh.MerkleRoot,
		bh.Timestamp, bh.Bits, bh.Nonce)
}
