// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p_test

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/network/p2p"
	"gitlab.com/pinboard/pinboardd/node"
	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/node/pinboard"
	"gitlab.com/pinboard/pinboardd/types/chaincfg"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

const testPowLimitBits = 0x207fffff

// testNode bundles one in-process overlay node.
type testNode struct {
	server      *p2p.Server
	chain       *chainsync.SyncState
	pins        *pinboard.Pinboard
	broadcaster *node.MessageBroadcaster
}

// newTestNode spins up a node on a loopback listener.  connectTo, when
// non-empty, runs the node in persistent-connect mode toward that address.
func newTestNode(t *testing.T, listen bool, connectTo []string) *testNode {
	t.Helper()

	checkpoint, err := chaincfg.SimNetParams.CheckpointHeader()
	require.NoError(t, err)

	broadcaster := node.NewMessageBroadcaster()
	chain := chainsync.New(checkpoint, testPowLimitBits, broadcaster, nil)

	minTarget := new(uint256.Int).Not(new(uint256.Int))
	pins := pinboard.New(broadcaster, chain, minTarget, nil)

	var listeners []string
	if listen {
		listeners = []string{"127.0.0.1:0"}
	}

	cfg := &p2p.Config{
		ChainParams:    &chaincfg.SimNetParams,
		Listeners:      listeners,
		ConnectPeers:   connectTo,
		MaxInbound:     8,
		TargetOutbound: 2,
		MaxAddresses:   64,
		DisableDNSSeed: true,
		AllowSelfConns: true,
	}

	server, err := p2p.NewServer(cfg, chain, pins)
	require.NoError(t, err)
	broadcaster.LinkToNode(server)

	server.Start()
	t.Cleanup(func() {
		_ = server.Stop()
		server.WaitForShutdown()
	})

	return &testNode{
		server:      server,
		chain:       chain,
		pins:        pins,
		broadcaster: broadcaster,
	}
}

// mineTestHeader produces a header linked to prev that passes validation
// under the easy test target.
func mineTestHeader(t *testing.T, prev *wire.BlockHeader, timestamp uint32) *wire.BlockHeader {
	t.Helper()

	prevHash := prev.BlockHash()
	merkle := chainhash.DoubleHashH(prevHash[:])
	header := wire.NewBlockHeader(536870912, &prevHash, &merkle, timestamp,
		testPowLimitBits, 0)

	now := time.Unix(int64(timestamp), 0)
	for nonce := uint32(0); ; nonce++ {
		header.SetNonce(nonce)
		if chainsync.CheckHeader(header, testPowLimitBits, now) == nil {
			return header
		}
	}
}

// TestOverlaySync runs two nodes against each other and drives the full
// loop: connect, header sync via inventory, pin broadcast with header
// bridging, pin admission on the remote side.
func TestOverlaySync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping two-node overlay test in short mode")
	}

	alpha := newTestNode(t, true, nil)
	listenAddrs := alpha.server.ListenAddrs()
	require.Len(t, listenAddrs, 1)

	beta := newTestNode(t, false, []string{listenAddrs[0]})

	// Both sides see one fully negotiated pin-capable connection.
	require.Eventually(t, func() bool {
		return alpha.server.ConnectionCount(wire.SFNodePinboard) == 1 &&
			beta.server.ConnectionCount(wire.SFNodePinboard) == 1
	}, 10*time.Second, 50*time.Millisecond, "peers never connected")

	// Extend alpha's chain; the inventory announcement must drag beta to
	// the same tip.
	checkpoint, err := chaincfg.SimNetParams.CheckpointHeader()
	require.NoError(t, err)

	baseTime := uint32(time.Now().Unix()) - 3
	headers := make([]*wire.BlockHeader, 0, 3)
	prev := checkpoint
	for i := 0; i < 3; i++ {
		h := mineTestHeader(t, prev, baseTime+uint32(i))
		headers = append(headers, h)
		prev = h
	}
	require.NoError(t, alpha.chain.Merge(headers))
	require.Equal(t, checkpoint.Height+3, alpha.chain.TopHeight())

	require.Eventually(t, func() bool {
		return beta.chain.TopHeight() == checkpoint.Height+3
	}, 10*time.Second, 50*time.Millisecond, "header sync never completed")

	// Submit a pin to alpha; the broadcast must land it in beta's store.
	anchor := headers[2].BlockHash()
	obj := mineTestObject(t, []byte("overlay pin"), anchor)
	require.NoError(t, alpha.pins.Process(obj))

	require.Eventually(t, func() bool {
		return beta.pins.Count() == 1
	}, 10*time.Second, 50*time.Millisecond, "pin never propagated")

	// Re-processing on beta is idempotent and does not bounce the pin
	// back and forth.
	require.Equal(t, 1, alpha.pins.Count())
}

// mineTestObject searches nonces until the certificate buys at least a
// minute of lifetime, enough to survive the test.
func mineTestObject(t *testing.T, body []byte, anchor chainhash.Hash) *wire.MsgObject {
	t.Helper()

	for nonce := uint64(0); ; nonce++ {
		payload := wire.NewObjectPayload(body)
		payload.Pow = *wire.NewPowCertificate(pow.DefaultType,
			pow.TagLitecoinMain, anchor, nonce)

		work, err := payload.WorkDone()
		require.NoError(t, err)

		// ttl = mul * work / size; a work of a few hundred buys
		// minutes.
		size := uint256.NewInt(uint64(payload.SerializeSize()))
		ttl := new(uint256.Int).Mul(
			uint256.NewInt(uint64(pow.DefaultType.Mul())), work)
		ttl.Div(ttl, size)
		if ttl.GtUint64(60) {
			return wire.NewMsgObject(payload)
		}
	}
}
