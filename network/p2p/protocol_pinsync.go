// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"
	"sync"

	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/node/pinboard"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// pinSyncProtocol is the per-peer pin synchronization state machine.  It
// only exists on sessions where both sides advertise the pin service bit.
//
// oldestKnownHashes tracks the latest header(s) we believe the peer already
// holds.  Everything the peer confirms above that high-water mark unlocks
// the pins anchored in the newly covered window; everything we send below
// it must be bridged with headers first, since the peer cannot verify a pin
// whose anchor it doesn't know.
type pinSyncProtocol struct {
	sp    *serverPeer
	chain chainSource
	pins  *pinboard.Pinboard

	mtx               sync.RWMutex
	oldestKnownHashes map[chainhash.Hash]struct{}
}

func newPinSyncProtocol(sp *serverPeer) *pinSyncProtocol {
	return &pinSyncProtocol{
		sp:                sp,
		chain:             sp.server.chain,
		pins:              sp.server.pins,
		oldestKnownHashes: make(map[chainhash.Hash]struct{}),
	}
}

// start seeds the high-water mark from the start height the peer reported
// in its version message.
func (ps *pinSyncProtocol) start() {
	sp := ps.sp
	sp.server.logger.Infof("pin service bit detected on [%s]", sp)

	startHeight := sp.StartingHeight()
	hashes := ps.chain.KnownBlockHashes(startHeight)
	if len(hashes) == 0 || hashes[0].IsZero() {
		return
	}

	ps.mtx.Lock()
	for _, h := range hashes {
		ps.oldestKnownHashes[h] = struct{}{}
	}
	ps.mtx.Unlock()

	sp.server.logger.Infof("updated [%s] pin sync state to height %d",
		sp, startHeight)
}

// onInventory scans the announcement from the tail for the first block
// entry.  When that block raises the peer's confirmed height, the
// high-water set is replaced with the new hash and every stored pin whose
// anchor lies in the newly covered window is pushed to the peer.
func (ps *pinSyncProtocol) onInventory(msg *wire.MsgInv) {
	if len(msg.InvList) == 0 {
		return
	}

	for i := len(msg.InvList) - 1; i >= 0; i-- {
		iv := msg.InvList[i]
		if iv.Type != wire.InvTypeBlock {
			continue
		}

		newHash := iv.Hash
		newHeight, ok := ps.chain.HeightByHash(&newHash)
		if !ok {
			// The peer announced a header we don't hold yet; the
			// header-sync protocol is fetching it.
			return
		}

		maxOldHeight := ps.maxKnownHeight()
		if newHeight <= maxOldHeight {
			return
		}

		ps.mtx.Lock()
		ps.oldestKnownHashes = map[chainhash.Hash]struct{}{newHash: {}}
		ps.mtx.Unlock()

		ps.sp.server.logger.Infof("updated [%s] pin sync state to height %d",
			ps.sp, newHeight)

		// The peer just confirmed it holds headers up to newHeight,
		// so every pin anchored in (maxOldHeight, newHeight] became
		// sendable.
		ps.pins.ForEach(func(payload *wire.ObjectPayload) {
			anchor := payload.Pow.Anchor
			anchorHeight, ok := ps.chain.HeightByHash(&anchor)
			if !ok {
				return
			}
			if anchorHeight > maxOldHeight && anchorHeight <= newHeight {
				ps.sp.AddKnownObject(payload.ID())
				ps.sp.QueueMessage(wire.NewMsgObject(payload), nil)
			}
		})
		return
	}
}

// onObject hands a received pin to the store.  Malformed pins and pins with
// broken proof-of-work get the channel stopped; a missing anchor is
// tolerated since it may arrive later.
func (ps *pinSyncProtocol) onObject(msg *wire.MsgObject) {
	sp := ps.sp
	sp.AddKnownObject(msg.Payload.ID())

	err := ps.pins.Process(msg)
	if err == nil {
		return
	}

	if errors.Is(err, pinboard.ErrBadStream) ||
		errors.Is(err, chainsync.ErrInvalidProofOfWork) {
		sp.server.logger.Warnf("incorrect object received from [%s], disconnecting", sp)
		sp.Disconnect()
		return
	}

	sp.server.logger.Debugf("object from [%s] not stored: %v", sp, err)
}

// maxKnownHeight returns the greatest height among the high-water hashes.
func (ps *pinSyncProtocol) maxKnownHeight() int32 {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	var max int32
	for h := range ps.oldestKnownHashes {
		if h.IsZero() {
			continue
		}
		hash := h
		if height, ok := ps.chain.HeightByHash(&hash); ok && height > max {
			max = height
		}
	}
	return max
}

// sendObject pushes a pin to the peer, prepending whatever headers bridge
// from the peer's high-water mark to the pin's anchor, in batches of up to
// 2000.  The high-water set advances with every batch so a later send does
// not repeat them.  It reports false when the anchor chain cannot be
// resolved locally.
func (ps *pinSyncProtocol) sendObject(payload *wire.ObjectPayload) bool {
	sp := ps.sp
	logger := sp.server.logger
	logger.Debugf("sending object to [%s]", sp)

	anchor := payload.Pow.Anchor
	if _, ok := ps.chain.HeightByHash(&anchor); !ok {
		logger.Errorf("can't find height for anchor %s", anchor)
		return false
	}

	// Collect the headers the peer is missing, oldest first.
	var missing []chainhash.Hash
	walk := anchor
	for !ps.isKnownToPeer(walk) {
		missing = append(missing, walk)
		prev, ok := ps.chain.PrevHashByHash(&walk)
		if !ok {
			logger.Errorf("can't find prev hash for known header %s", walk)
			return false
		}
		walk = prev
	}
	for i, j := 0, len(missing)-1; i < j; i, j = i+1, j-1 {
		missing[i], missing[j] = missing[j], missing[i]
	}

	for len(missing) > 0 {
		batch := missing
		if len(batch) > wire.MaxBlockHeadersPerMsg {
			batch = batch[:wire.MaxBlockHeadersPerMsg]
		}
		missing = missing[len(batch):]

		headersMsg := wire.NewMsgHeaders()
		for i := range batch {
			header, ok := ps.chain.HeaderByHash(&batch[i])
			if !ok {
				logger.Errorf("can't find header %s", batch[i])
				return false
			}
			_ = headersMsg.AddBlockHeader(header.Copy())
		}

		sp.QueueMessage(headersMsg, nil)

		ps.mtx.Lock()
		ps.oldestKnownHashes = map[chainhash.Hash]struct{}{
			batch[len(batch)-1]: {},
		}
		ps.mtx.Unlock()
	}

	doneChan := make(chan struct{}, 1)
	sp.QueueMessage(wire.NewMsgObject(payload), doneChan)
	<-doneChan

	return true
}

// isKnownToPeer reports whether the hash is in the peer's high-water set.
func (ps *pinSyncProtocol) isKnownToPeer(hash chainhash.Hash) bool {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	_, ok := ps.oldestKnownHashes[hash]
	return ok
}
