// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// headerSyncProtocol is the per-peer header synchronization state machine.
// One instance exists per session for the session's lifetime.  On start it
// requests headers from every current tip; afterwards it reacts to block
// inventory, merges incoming header batches into the tracker and serves the
// remote's getheaders requests.
type headerSyncProtocol struct {
	sp    *serverPeer
	chain chainSource
}

// chainSource is the subset of the header tracker the protocols use.
type chainSource interface {
	Merge(headers []*wire.BlockHeader) error
	LastKnownBlockHashes() []chainhash.Hash
	KnownBlockHashes(height int32) []chainhash.Hash
	HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, bool)
	HeightByHash(hash *chainhash.Hash) (int32, bool)
	PrevHashByHash(hash *chainhash.Hash) (chainhash.Hash, bool)
}

func newHeaderSyncProtocol(sp *serverPeer) *headerSyncProtocol {
	return &headerSyncProtocol{
		sp:    sp,
		chain: sp.server.chain,
	}
}

// start kicks the synchronization off by requesting everything the peer has
// past our tips.
func (hs *headerSyncProtocol) start() {
	hs.requestMissingHeaders(chainhash.ZeroHash)
}

// requestMissingHeaders asks the peer for headers between our tips and
// last.  On a fork a request is sent from every competing tip, which
// maximizes the chance of the peer being able to answer.  It reports false
// when one of our tips already is last, i.e. there is nothing to request.
func (hs *headerSyncProtocol) requestMissingHeaders(last chainhash.Hash) bool {
	tips := hs.chain.LastKnownBlockHashes()
	hs.sp.server.logger.Debugf("found %d known tip(s)", len(tips))

	for i := range tips {
		if tips[i] == last {
			return false
		}

		request := wire.NewMsgGetHeaders()
		request.ProtocolVersion = hs.sp.ProtocolVersion()
		tip := tips[i]
		_ = request.AddBlockLocatorHash(&tip)
		request.HashStop = last
		hs.sp.QueueMessage(request, nil)
	}

	return true
}

// onInventory reacts to announced blocks by requesting the headers leading
// up to them.  Processing short-circuits as soon as one announced block
// turns out to be already known.
func (hs *headerSyncProtocol) onInventory(msg *wire.MsgInv) {
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeBlock {
			continue
		}

		hs.sp.server.logger.Debugf("new block announced by [%s]: %s",
			hs.sp, iv.Hash)
		if !hs.requestMissingHeaders(iv.Hash) {
			return
		}
	}
}

// onHeaders merges a received batch.  A merge failure is logged and keeps
// the channel open: the peer is merely unhelpful, not necessarily
// hostile.  A full batch means more headers are
// waiting, so the next request is pipelined immediately.
func (hs *headerSyncProtocol) onHeaders(msg *wire.MsgHeaders) {
	if err := hs.chain.Merge(msg.Headers); err != nil {
		hs.sp.server.logger.Warnf("failure merging headers from [%s]: %v",
			hs.sp, err)
		return
	}

	if len(msg.Headers) == wire.MaxBlockHeadersPerMsg {
		hs.requestMissingHeaders(chainhash.ZeroHash)
	}
}

// onGetHeaders serves a range of headers answering the remote's locator.
// The stop hash resolves to one of our tips when unknown; of the locator
// hashes we hold, the one of greatest height wins.  The response walks
// parent links from stop back to the chosen start and is capped at 2000
// headers.  Unresolvable requests are dropped silently.
func (hs *headerSyncProtocol) onGetHeaders(msg *wire.MsgGetHeaders) {
	logger := hs.sp.server.logger

	stop := msg.HashStop
	if _, ok := hs.chain.HeaderByHash(&stop); !ok {
		logger.Debugf("can't find stop header %s, assuming current tip", stop)

		stop = chainhash.ZeroHash
		for _, tip := range hs.chain.LastKnownBlockHashes() {
			if !tip.IsZero() {
				stop = tip
				break
			}
		}
		if stop.IsZero() {
			logger.Warnf("no usable chain tip to serve getheaders")
			return
		}
	}

	// Pick the highest locator hash we actually hold.
	var (
		knownStart chainhash.Hash
		maxHeight  int32 = -1
	)
	for _, locator := range msg.BlockLocatorHashes {
		height, ok := hs.chain.HeightByHash(locator)
		if !ok {
			logger.Debugf("can't find start header %s", locator)
			continue
		}
		if height > maxHeight {
			maxHeight = height
			knownStart = *locator
		}
	}
	if maxHeight < 0 {
		logger.Debugf("none of the requested start headers are known")
		return
	}

	// Walk back from stop to the chosen start, then reverse so the range
	// runs oldest first.
	missing := []chainhash.Hash{stop}
	for missing[len(missing)-1] != knownStart {
		prev, ok := hs.chain.PrevHashByHash(&missing[len(missing)-1])
		if !ok {
			// A broken parent link would make this loop spin
			// forever; abort instead.
			logger.Errorf("can't find prev hash for known header %s",
				missing[len(missing)-1])
			return
		}
		if prev == knownStart {
			break
		}
		missing = append(missing, prev)
	}
	for i, j := 0, len(missing)-1; i < j; i, j = i+1, j-1 {
		missing[i], missing[j] = missing[j], missing[i]
	}

	response := wire.NewMsgHeaders()
	for i := range missing {
		header, ok := hs.chain.HeaderByHash(&missing[i])
		if !ok {
			logger.Errorf("can't find header %s", missing[i])
			return
		}
		_ = response.AddBlockHeader(header.Copy())
		if len(response.Headers) == wire.MaxBlockHeadersPerMsg {
			break
		}
	}

	if len(response.Headers) > 0 {
		hs.sp.QueueMessage(response, nil)
	}
}
