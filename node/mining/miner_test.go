// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// fakeTips serves a fixed tip set.
type fakeTips struct {
	tips []chainhash.Hash
}

func (f *fakeTips) LastKnownBlockHashes() []chainhash.Hash {
	return f.tips
}

func TestMineEasyTarget(t *testing.T) {
	var tip chainhash.Hash
	tip[7] = 0x42
	chain := &fakeTips{tips: []chainhash.Hash{tip}}

	payload := wire.NewObjectPayload([]byte("mined message"))
	miner := New(payload, chain, nil)

	// An all-ones target admits (virtually) any digest, so the first
	// nonce wins.
	target := new(uint256.Int).Not(new(uint256.Int))
	require.NoError(t, miner.Mine(context.Background(), target))

	// The certificate is fully populated.
	require.Equal(t, pow.DefaultType, payload.Pow.Type)
	require.Equal(t, pow.TagLitecoinMain, payload.Pow.Tag)
	require.Equal(t, tip, payload.Pow.Anchor)

	// And the claimed work holds.
	value, err := payload.PowValue()
	require.NoError(t, err)
	require.True(t, value.Lt(target))
}

func TestMineNoTips(t *testing.T) {
	payload := wire.NewObjectPayload([]byte("x"))
	miner := New(payload, &fakeTips{}, nil)

	target := new(uint256.Int).Not(new(uint256.Int))
	require.ErrorIs(t, miner.Mine(context.Background(), target),
		chainsync.ErrUnknown)
}

func TestMineCancel(t *testing.T) {
	var tip chainhash.Hash
	tip[0] = 0x01
	chain := &fakeTips{tips: []chainhash.Hash{tip}}

	payload := wire.NewObjectPayload([]byte("never mined"))
	miner := New(payload, chain, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// A target of one is unreachable in any reasonable time.
	err := miner.Mine(ctx, uint256.NewInt(1))
	require.ErrorIs(t, err, context.Canceled)
}
