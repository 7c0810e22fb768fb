// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// TestCheckpointHeader verifies the hard-coded mainnet checkpoint parses
// and hashes to its recorded value.
func TestCheckpointHeader(t *testing.T) {
	header, err := MainNetParams.CheckpointHeader()
	require.NoError(t, err)

	require.Equal(t, int32(1341188), header.Height)

	hash := header.BlockHash()
	require.Equal(t,
		"2dd9a6d0d30ded8925c303b8228713e72c345e0e3aed488897643d6d35b9d6ee",
		hash.String())
}

// TestCheckpointHeaderMismatch ensures a tampered checkpoint aborts.
func TestCheckpointHeaderMismatch(t *testing.T) {
	bad := MainNetParams
	badHash, err := chainhash.NewHashFromStr("01")
	require.NoError(t, err)
	bad.Checkpoint = Checkpoint{
		Height: MainNetParams.Checkpoint.Height,
		Hash:   badHash,
		Header: MainNetParams.Checkpoint.Header,
	}

	_, err = bad.CheckpointHeader()
	require.ErrorIs(t, err, ErrBadCheckpoint)
}

// TestMinPinTarget ensures the admission bound is 2^240.
func TestMinPinTarget(t *testing.T) {
	target := MinPinTarget()
	require.Equal(t, 241, target.BitLen())

	// Each call returns a fresh value.
	other := MinPinTarget()
	other.Clear()
	require.Equal(t, 241, MinPinTarget().BitLen())
}

// TestNetworkMagics pins the wire magics to the host chain values.
func TestNetworkMagics(t *testing.T) {
	require.Equal(t, wire.PinNet(0xDBB6C0FB), MainNetParams.Net)
	require.Equal(t, wire.PinNet(0xF1C8D2FD), TestNet4Params.Net)
	require.Equal(t, "9333", MainNetParams.DefaultPort)
}
