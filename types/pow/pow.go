// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pow implements the proof-of-work primitives shared by the header
// validator, the pin store and the miner: the compact difficulty encoding,
// the scrypt parameter sets and the work-done arithmetic over 256-bit
// unsigned integers.
package pow

import (
	"github.com/holiman/uint256"
	"golang.org/x/crypto/scrypt"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
)

// Type identifies one of the supported proof-of-work algorithms.  The
// numeric values are serialized in the PowCertificate and must not change.
type Type uint32

const (
	// Plain means no proof-of-work is attached.
	Plain Type = 0

	// Scrypt_14_1_8 is scrypt with N=2^14, r=8, p=1, the recommended
	// parameters for memory-hard certificates.
	Scrypt_14_1_8 Type = 1

	// Scrypt_10_1_1 is scrypt with N=2^10, r=1, p=1, the parameters used
	// by Litecoin block headers.
	Scrypt_10_1_1 Type = 2

	// MaxType is one past the highest valid Type.
	MaxType Type = 3
)

// DefaultType is the only algorithm accepted for pin certificates.
const DefaultType = Scrypt_14_1_8

// ChainTag identifies the blockchain a certificate anchor belongs to.
type ChainTag uint32

const (
	TagUnknown       ChainTag = 0
	TagBitcoinMain   ChainTag = 1
	TagBitcoinTest3  ChainTag = 2
	TagLitecoinMain  ChainTag = 10
	TagLitecoinTest4 ChainTag = 11

	// MaxChainTag is one past the highest valid ChainTag.
	MaxChainTag ChainTag = 12
)

var typeStrings = map[Type]string{
	Plain:         "plain",
	Scrypt_14_1_8: "scrypt_14_1_8",
	Scrypt_10_1_1: "scrypt_10_1_1",
}

// String returns the Type in human-readable form.
func (t Type) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return "unknown"
}

// Mul returns the TTL multiplier granted per unit of work for the given
// algorithm.
func (t Type) Mul() uint32 {
	switch t {
	case Scrypt_14_1_8:
		return 30
	case Scrypt_10_1_1:
		return 10
	default:
		return 0
	}
}

// Sum computes the proof-of-work digest of data under the given algorithm.
// For the scrypt variants the data is used as its own salt.
func Sum(t Type, data []byte) chainhash.Hash {
	var digest []byte
	switch t {
	case Scrypt_14_1_8:
		digest, _ = scrypt.Key(data, data, 16384, 8, 1, chainhash.HashSize)
	case Scrypt_10_1_1:
		digest, _ = scrypt.Key(data, data, 1024, 1, 1, chainhash.HashSize)
	default:
		return chainhash.HashH(data)
	}

	var h chainhash.Hash
	copy(h[:], digest)
	return h
}

// HeaderPowHash computes the Litecoin-style scrypt digest of a serialized
// block header, with the header as its own salt.
func HeaderPowHash(serialized []byte) chainhash.Hash {
	return Sum(Scrypt_10_1_1, serialized)
}

// HashToValue interprets a proof-of-work digest as a big-endian 256-bit
// unsigned integer.
func HashToValue(h *chainhash.Hash) *uint256.Int {
	v := new(uint256.Int)
	v.SetBytes(h[:])
	return v
}

// WorkFromValue converts a proof-of-work value into the expected number of
// hash attempts needed to reach it: (~value)/(value+1) + 1.
func WorkFromValue(value *uint256.Int) *uint256.Int {
	numerator := new(uint256.Int).Not(value)
	denominator := new(uint256.Int).AddUint64(value, 1)
	if denominator.IsZero() {
		// value was 2^256-1: one try is all it takes.
		return uint256.NewInt(1)
	}

	work := new(uint256.Int).Div(numerator, denominator)
	return work.AddUint64(work, 1)
}
