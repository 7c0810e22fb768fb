// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"errors"

	"github.com/holiman/uint256"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// ErrBadCheckpoint is returned when the hard-coded checkpoint header does
// not hash to its recorded value.  Startup must abort in that case since
// every header the node will ever accept descends from it.
var ErrBadCheckpoint = errors.New("checkpoint header hash mismatch")

// Checkpoint pins the root of the in-memory header chain: a full header,
// its height on the host chain and the hash it must produce.
type Checkpoint struct {
	Height int32
	Hash   *chainhash.Hash
	Header *wire.BlockHeader
}

// DNSSeed identifies a DNS seed of the host chain.
type DNSSeed struct {
	// Host defines the hostname of the seed.
	Host string

	// HasFiltering defines whether the seed supports filtering by service
	// flags.
	HasFiltering bool
}

// Params defines a pinboard overlay network by its parameters.  Since the
// overlay rides an existing chain's gossip topology, most of these are host
// chain parameters.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net wire.PinNet

	// DefaultPort defines the default peer-to-peer port of the host chain.
	DefaultPort string

	// DefaultOverlayPort is the default listening port for inbound
	// overlay connections.
	DefaultOverlayPort uint16

	// DNSSeeds defines a list of DNS seeds of the host chain used to
	// bootstrap peer discovery.
	DNSSeeds []DNSSeed

	// PowLimitBits defines the highest allowed proof of work target for
	// headers in compact form, once difficulty retargeting applies.
	PowLimitBits uint32

	// PowLimitBitsNoRetarget is the limit used before retargeting is
	// negotiated.
	PowLimitBitsNoRetarget uint32

	// Checkpoint is the trusted header installed at boot.
	Checkpoint Checkpoint
}

// MinPinTarget is the configured upper bound on a pin's proof-of-work value:
// admission rejects anything above it.  2^240 means an expected 2^16 hashing
// attempts for the smallest acceptable certificate.
func MinPinTarget() *uint256.Int {
	t := uint256.NewInt(1)
	return t.Lsh(t, 240)
}

// CheckpointHeader verifies the hard-coded checkpoint and returns the header
// annotated with its height.  ErrBadCheckpoint is returned when the header
// does not hash to the recorded value.
func (p *Params) CheckpointHeader() (*wire.BlockHeader, error) {
	header := p.Checkpoint.Header.Copy()
	header.Height = p.Checkpoint.Height

	hash := header.BlockHash()
	if !hash.IsEqual(p.Checkpoint.Hash) {
		return nil, ErrBadCheckpoint
	}
	return header, nil
}

// MainNetParams defines the network parameters for the main network.
var MainNetParams = Params{
	Name:               "mainnet",
	Net:                wire.MainNet,
	DefaultPort:        "9333",
	DefaultOverlayPort: 29333,
	DNSSeeds: []DNSSeed{
		{"seed-a.litecoin.loshan.co.uk", true},
		{"dnsseed.thrasher.io", true},
		{"dnsseed.litecointools.com", false},
		{"dnsseed.litecoinpool.org", false},
	},

	PowLimitBits:           0x1e0fffff,
	PowLimitBitsNoRetarget: 0x207fffff,

	Checkpoint: Checkpoint{
		Height: 1341188,
		Hash:   newHashFromStr("2dd9a6d0d30ded8925c303b8228713e72c345e0e3aed488897643d6d35b9d6ee"),
		Header: &wire.BlockHeader{
			Version:    536870912,
			PrevBlock:  *newHashFromStr("d0a2824855062497a4b03c89b06def42abcb45158c406713cf219e5b4055a426"),
			MerkleRoot: *newHashFromStr("e97314257cbd625676411a9c295861256c3932bae95312a0672d99711daf40d1"),
			Timestamp:  1514572031,
			Bits:       0x1a04865f,
			Nonce:      2046883480,
		},
	},
}

// TestNet4Params defines the network parameters for the test network
// (version 4).
var TestNet4Params = Params{
	Name:               "testnet4",
	Net:                wire.TestNet4,
	DefaultPort:        "19335",
	DefaultOverlayPort: 19335,
	DNSSeeds: []DNSSeed{
		{"testnet-seed.litecointools.com", false},
		{"seed-b.litecoin.loshan.co.uk", true},
	},

	PowLimitBits:           0x1e0fffff,
	PowLimitBitsNoRetarget: 0x207fffff,

	// The testnet checkpoint is refreshed along with the mainnet one on
	// release.  Until then testnet roots at the mainnet header; the hash
	// assertion keeps a stale build from silently syncing garbage.
	Checkpoint: MainNetParams.Checkpoint,
}

// SimNetParams defines the network parameters for the simulation test
// network.  It exists for private integration runs where headers are mined
// under the no-retarget limit.
var SimNetParams = Params{
	Name:               "simnet",
	Net:                wire.SimNet,
	DefaultPort:        "18555",
	DefaultOverlayPort: 18555,
	DNSSeeds:           []DNSSeed{},

	PowLimitBits:           0x207fffff,
	PowLimitBitsNoRetarget: 0x207fffff,

	Checkpoint: MainNetParams.Checkpoint,
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in
// that it panics on an error since it will only (and must only) be called
// with hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		panic(err)
	}
	return hash
}
