// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"errors"
)

// Error kinds shared by header validation, merging and pin admission.  They
// are sentinels so callers can branch on them with errors.Is.
var (
	// ErrInvalidProofOfWork means the proof-of-work is below what the
	// header claims, the claim itself is out of range, or a certificate
	// uses the wrong algorithm or too little work.
	ErrInvalidProofOfWork = errors.New("invalid proof of work")

	// ErrIncorrectProofOfWork means the claimed target does not match
	// what the chain state requires.
	ErrIncorrectProofOfWork = errors.New("incorrect proof of work")

	// ErrFuturisticTimestamp means the header timestamp is more than the
	// allowed window past wall-clock time.
	ErrFuturisticTimestamp = errors.New("futuristic timestamp")

	// ErrTimestampTooEarly means the header timestamp does not advance
	// past the median time of its ancestors.
	ErrTimestampTooEarly = errors.New("timestamp too early")

	// ErrCheckpointsFailed means the header conflicts with a checkpoint.
	ErrCheckpointsFailed = errors.New("checkpoints failed")

	// ErrOldVersionBlock means the header version is below the minimum
	// for its height.
	ErrOldVersionBlock = errors.New("old version block")

	// ErrInvalidPreviousBlock means a headers batch was rejected by the
	// tracker.
	ErrInvalidPreviousBlock = errors.New("invalid previous block")

	// ErrUnknown means a required antecedent is missing.  It is
	// recoverable: the antecedent may arrive later.
	ErrUnknown = errors.New("unknown antecedent")
)
