// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"time"

	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// timestampFutureSeconds is how far past wall-clock a header timestamp may
// reach before the header is rejected.
const timestampFutureSeconds = 2 * 60 * 60

// medianTimeBlocks is the number of ancestors considered when computing a
// header's median time past.
const medianTimeBlocks = 11

// CheckHeader performs the context-free validation of a header: the compact
// target must decode without overflow and lie in [1, powLimit], the scrypt
// proof-of-work of the serialized header must not exceed the target, and
// the timestamp must not be more than two hours in the future.
//
// Error precedence follows the wire behavior: proof-of-work problems are
// reported before timestamp problems.
func CheckHeader(header *wire.BlockHeader, powLimitBits uint32, now time.Time) error {
	if !validProofOfWork(header, powLimitBits) {
		return ErrInvalidProofOfWork
	}

	if int64(header.Timestamp) > now.Unix()+timestampFutureSeconds {
		return ErrFuturisticTimestamp
	}

	return nil
}

// validProofOfWork reports whether the header's scrypt digest satisfies its
// own claimed target and the claim is within the configured limit.
func validProofOfWork(header *wire.BlockHeader, powLimitBits uint32) bool {
	target, bad := pow.CompactToUint256(header.Bits)
	if bad {
		return false
	}

	powLimit, _ := pow.CompactToUint256(powLimitBits)
	if target.IsZero() || target.Gt(powLimit) {
		return false
	}

	powHash := header.PowHash()
	return !pow.HashToValue(&powHash).Gt(target)
}

// HeaderContext carries the chain-state inputs of contextual header
// acceptance: what target retargeting requires at this height, the median
// time of the ancestor window, and the version floor.
type HeaderContext struct {
	// WorkRequiredBits is the compact target retargeting demands.
	WorkRequiredBits uint32

	// MedianTimePast is the median timestamp of the ancestor window.
	MedianTimePast uint32

	// MinVersion is the minimum header version for this height.
	MinVersion int32

	// UnderCheckpoint is set when the height is at or below the trusted
	// checkpoint, which waives version and timestamp rules.
	UnderCheckpoint bool

	// CheckpointHash, when non-nil, is the only acceptable hash at this
	// height.
	CheckpointHash *[32]byte
}

// AcceptHeader performs the contextual checks a header must pass on top of
// CheckHeader before extending the chain.
func AcceptHeader(header *wire.BlockHeader, ctx *HeaderContext) error {
	if header.Bits != ctx.WorkRequiredBits {
		return ErrIncorrectProofOfWork
	}

	if ctx.CheckpointHash != nil {
		hash := header.BlockHash()
		if hash != *ctx.CheckpointHash {
			return ErrCheckpointsFailed
		}
	}

	if ctx.UnderCheckpoint {
		return nil
	}

	if header.Version < ctx.MinVersion {
		return ErrOldVersionBlock
	}

	if header.Timestamp <= ctx.MedianTimePast {
		return ErrTimestampTooEarly
	}

	return nil
}
