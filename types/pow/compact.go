// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pow

import (
	"github.com/holiman/uint256"
)

// CompactToUint256 converts a compact representation of a whole number N to
// an unsigned 256-bit number.  The representation is similar to IEEE754
// floating point numbers.
//
// Like IEEE754 floating point, there are three basic components: the sign,
// the exponent, and the mantissa.  They are broken out of the 32-bit number
// as follows:
//
//   - the most significant 8 bits represent the unsigned base 256 exponent
//
//   - bit 23 (the 24th bit) represents the sign bit
//
//   - the least significant 23 bits represent the mantissa
//
//     -------------------------------------------------
//     |   Exponent     |    Sign    |    Mantissa     |
//     -------------------------------------------------
//     | 8 bits [31-24] | 1 bit [23] | 23 bits [22-00] |
//     -------------------------------------------------
//
// The formula to calculate N is:
//
//	N = (-1^sign) * mantissa * 256^(exponent-3)
//
// This compact form is only used to encode unsigned 256-bit numbers which
// represent difficulty targets, thus there really is not a sign bit or
// negative values in practice, but the check is performed anyway since the
// encoding permits it.  The second return value reports whether the encoded
// value is negative or overflows 256 bits; such targets are unusable.
func CompactToUint256(compact uint32) (*uint256.Int, bool) {
	// Extract the mantissa, sign bit, and exponent.
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	// Since the base for the exponent is 256, the exponent can be treated
	// as the number of bytes to represent the full 256-bit number.  So,
	// treat the exponent as the number of bytes and shift the mantissa
	// right or left accordingly.
	var target *uint256.Int
	overflow := false
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = uint256.NewInt(uint64(mantissa))
	} else {
		// A mantissa shifted left past bit 255 no longer fits.
		shift := 8 * (exponent - 3)
		target = uint256.NewInt(uint64(mantissa))
		if mantissa != 0 && int(shift)+target.BitLen() > 256 {
			overflow = true
		}
		if shift > 255 {
			target.Clear()
		} else {
			target.Lsh(target, shift)
		}
	}

	return target, isNegative || overflow
}

// Uint256ToCompact converts an unsigned 256-bit number to a compact
// representation using an unsigned 32-bit number.  The compact representation
// only provides 23 bits of precision, so values larger than (2^23 - 1) only
// encode the most significant digits of the number.
func Uint256ToCompact(n *uint256.Int) uint32 {
	if n.IsZero() {
		return 0
	}

	// Since the base for the exponent is 256, the exponent can be treated
	// as the number of bytes.  So, shift the number right or left
	// accordingly.  This is equivalent to: mantissa = n / 256^(exponent-3)
	var mantissa uint32
	exponent := uint((n.BitLen() + 7) / 8)
	if exponent <= 3 {
		mantissa = uint32(n.Uint64() << (8 * (3 - exponent)))
	} else {
		tn := new(uint256.Int).Rsh(n, 8*(exponent-3))
		mantissa = uint32(tn.Uint64())
	}

	// When the mantissa already has the sign bit set, the number is too
	// large to fit into the available 23-bits, so divide the number by 256
	// and increment the exponent accordingly.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	// Pack the exponent, sign bit, and mantissa into an unsigned 32-bit
	// int and return it.
	return uint32(exponent<<24) | mantissa
}
