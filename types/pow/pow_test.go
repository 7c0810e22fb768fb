// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pow

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
)

func TestCompactRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		compact uint32
	}{
		{"regtest limit", 0x207fffff},
		{"litecoin limit", 0x1e0fffff},
		{"checkpoint bits", 0x1a04865f},
		{"small", 0x03123456},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, bad := CompactToUint256(tt.compact)
			require.False(t, bad)
			require.False(t, target.IsZero())
			require.Equal(t, tt.compact, Uint256ToCompact(target))
		})
	}
}

func TestCompactToUint256Special(t *testing.T) {
	// Zero mantissa decodes to zero.
	target, bad := CompactToUint256(0x00000000)
	require.False(t, bad)
	require.True(t, target.IsZero())

	// The sign bit makes the value unusable as a target.
	_, bad = CompactToUint256(0x01800000 | 0x12)
	require.True(t, bad)

	// An exponent pushing the mantissa past 256 bits overflows.
	_, bad = CompactToUint256(0xff123456)
	require.True(t, bad)
}

func TestHashToValueBigEndian(t *testing.T) {
	var h chainhash.Hash
	h[0] = 0x01 // most significant byte

	v := HashToValue(&h)
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 248)
	require.Zero(t, v.Cmp(want))
}

func TestWorkFromValue(t *testing.T) {
	// A value of 2^255 means one expected try.
	v := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	require.Equal(t, "1", WorkFromValue(v).Dec())

	// A value of 2^254 means roughly three tries: (~v)/(v+1)+1 = 3.
	v = new(uint256.Int).Lsh(uint256.NewInt(1), 254)
	require.Equal(t, "3", WorkFromValue(v).Dec())

	// The all-ones value is reachable in a single try.
	v = new(uint256.Int).Not(new(uint256.Int))
	require.Equal(t, "1", WorkFromValue(v).Dec())
}

func TestSumParameterSets(t *testing.T) {
	data := []byte("pinboard pow vector")

	h1 := Sum(Scrypt_14_1_8, data)
	h2 := Sum(Scrypt_10_1_1, data)
	require.NotEqual(t, h1, h2)

	// Deterministic per algorithm.
	require.Equal(t, h1, Sum(Scrypt_14_1_8, data))
	require.Equal(t, h2, Sum(Scrypt_10_1_1, data))
}

func TestTypeMul(t *testing.T) {
	require.Equal(t, uint32(30), Scrypt_14_1_8.Mul())
	require.Equal(t, uint32(10), Scrypt_10_1_1.Mul())
	require.Equal(t, uint32(0), Plain.Mul())
}
