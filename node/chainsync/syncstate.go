// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainsync tracks the lite header chain of the host blockchain: a
// concurrent in-memory index of headers rooted at a hard-coded checkpoint,
// validated by proof-of-work and timestamp, and organized by height so that
// competing forks coexist as sets at the same height.
package chainsync

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// maxOrphanHeaders bounds the number of headers queued while their parent is
// still missing.  Beyond the bound new orphans are dropped.
const maxOrphanHeaders = 2000

// syncedWindowSeconds is how recent the best header's timestamp must be for
// the tracker to consider itself caught up with the network.
const syncedWindowSeconds = 600

// Broadcaster fans a message out to every connected peer advertising the
// pin service bit.  The done callback fires exactly once after the last
// per-peer send has reported.
type Broadcaster interface {
	BroadcastToPinPeers(msg wire.Message, done func(error))
}

// SyncState is the header chain tracker.  A single lock guards both indexes:
// the hash index of every header ever merged and the height-ordered slots
// holding the hashes seen at each height.  The tips of competing forks are
// simply the members of the top slot.
type SyncState struct {
	broadcaster  Broadcaster
	powLimitBits uint32
	log          *zap.Logger
	now          func() time.Time

	mtx            sync.RWMutex
	startingHeight int32
	chain          []map[chainhash.Hash]struct{}
	known          map[chainhash.Hash]*wire.BlockHeader
	orphans        map[chainhash.Hash][]*wire.BlockHeader
	orphanCount    int
}

// New creates a tracker rooted at the given checkpoint header.  The
// checkpoint must carry its height annotation; it is the only header that
// enters the index without validation.
func New(checkpoint *wire.BlockHeader, powLimitBits uint32,
	broadcaster Broadcaster, logger *zap.Logger) *SyncState {

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SyncState{
		broadcaster:    broadcaster,
		powLimitBits:   powLimitBits,
		log:            logger.With(zap.String("unit", "chainsync")),
		now:            time.Now,
		startingHeight: checkpoint.Height,
		chain:          make([]map[chainhash.Hash]struct{}, 1),
		known:          make(map[chainhash.Hash]*wire.BlockHeader),
		orphans:        make(map[chainhash.Hash][]*wire.BlockHeader),
	}

	cpHash := checkpoint.BlockHash()
	s.chain[0] = map[chainhash.Hash]struct{}{cpHash: {}}
	s.known[cpHash] = checkpoint

	s.log.Info("header tracker initialized",
		zap.String("checkpoint", cpHash.String()),
		zap.Int32("height", checkpoint.Height))
	return s
}

// Merge validates and connects a batch of headers in order.  The first
// header failing proof-of-work or timestamp validation aborts the batch and
// its error is returned; headers whose parent is unknown are queued as
// orphans and connected when the parent arrives.  When the whole batch
// passes validation and at least one header connected, a block inventory
// advertising the last connected hash is handed to the broadcaster; an
// aborted batch keeps the headers connected before the failure but
// announces nothing.
func (s *SyncState) Merge(headers []*wire.BlockHeader) error {
	var (
		merged     int
		lastMerged chainhash.Hash
	)

	for _, header := range headers {
		if err := CheckHeader(header, s.powLimitBits, s.now()); err != nil {
			s.log.Warn("bad header in batch",
				zap.String("hash", header.BlockHash().String()),
				zap.Error(err))
			return err
		}

		s.mtx.Lock()
		connected := s.addHeaderLocked(header, &lastMerged)
		s.mtx.Unlock()

		merged += connected
	}

	if merged > 0 && s.broadcaster != nil {
		inv := wire.NewMsgInvSizeHint(1)
		hash := lastMerged
		_ = inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
		s.broadcaster.BroadcastToPinPeers(inv, func(err error) {
			if err != nil {
				s.log.Debug("inv broadcast finished with error", zap.Error(err))
			}
		})
	}

	return nil
}

// addHeaderLocked connects one header plus any orphans it unblocks and
// returns the number of headers that entered the index.
func (s *SyncState) addHeaderLocked(header *wire.BlockHeader, lastMerged *chainhash.Hash) int {
	hash := header.BlockHash()
	if _, ok := s.known[hash]; ok {
		return 0
	}

	parent, ok := s.known[header.PrevBlock]
	if !ok {
		s.queueOrphanLocked(header)
		return 0
	}

	connected := 0
	pending := []*wire.BlockHeader{header}
	parents := []*wire.BlockHeader{parent}

	for len(pending) > 0 {
		h := pending[len(pending)-1]
		p := parents[len(parents)-1]
		pending = pending[:len(pending)-1]
		parents = parents[:len(parents)-1]

		hh := h.BlockHash()
		if _, ok := s.known[hh]; ok {
			continue
		}

		s.connectLocked(h, p)
		connected++
		*lastMerged = hh

		// Flush any orphans waiting on the header just connected.
		for _, orphan := range s.orphans[hh] {
			pending = append(pending, orphan)
			parents = append(parents, h)
			s.orphanCount--
		}
		delete(s.orphans, hh)
	}

	return connected
}

// connectLocked inserts a checked header whose parent is present.
func (s *SyncState) connectLocked(header, parent *wire.BlockHeader) {
	header.Height = parent.Height + 1
	header.MedianTimePast = s.medianTimePastLocked(parent)

	idx := int(header.Height - s.startingHeight)
	for len(s.chain) <= idx {
		s.chain = append(s.chain, make(map[chainhash.Hash]struct{}))
	}

	hash := header.BlockHash()
	s.chain[idx][hash] = struct{}{}
	s.known[hash] = header
}

// queueOrphanLocked remembers a header whose parent is missing, keyed by the
// missing hash so arrival of the parent can flush it.
func (s *SyncState) queueOrphanLocked(header *wire.BlockHeader) {
	if s.orphanCount >= maxOrphanHeaders {
		s.log.Debug("orphan queue full, dropping header",
			zap.String("hash", header.BlockHash().String()))
		return
	}

	prev := header.PrevBlock
	hash := header.BlockHash()
	for _, waiting := range s.orphans[prev] {
		if waiting.BlockHash() == hash {
			return
		}
	}

	s.orphans[prev] = append(s.orphans[prev], header)
	s.orphanCount++
}

// OrphanCount returns the number of queued orphan headers.
func (s *SyncState) OrphanCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.orphanCount
}

// LastKnownBlockHashes returns the hashes of the highest non-empty slot:
// the tips of every fork competing at the best height.  The result
// is sorted so callers get a stable ordering.
func (s *SyncState) LastKnownBlockHashes() []chainhash.Hash {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.hashesDownFromLocked(len(s.chain) - 1)
}

// KnownBlockHashes returns the hashes at the given absolute height, walking
// downward to the first non-empty slot.  Heights outside the tracked range
// are clamped to it.
func (s *SyncState) KnownBlockHashes(height int32) []chainhash.Hash {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	idx := int(height - s.startingHeight)
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.chain)-1 {
		idx = len(s.chain) - 1
	}
	return s.hashesDownFromLocked(idx)
}

// hashesDownFromLocked walks from idx toward the checkpoint and returns the
// members of the first non-empty slot.
func (s *SyncState) hashesDownFromLocked(idx int) []chainhash.Hash {
	for i := idx; i >= 0; i-- {
		if len(s.chain[i]) == 0 {
			continue
		}

		hashes := make([]chainhash.Hash, 0, len(s.chain[i]))
		for hash := range s.chain[i] {
			if !hash.IsZero() {
				hashes = append(hashes, hash)
			}
		}
		if len(hashes) == 0 {
			continue
		}

		sort.Slice(hashes, func(a, b int) bool {
			return bytes.Compare(hashes[a][:], hashes[b][:]) < 0
		})
		return hashes
	}

	// At least the checkpoint must be present; reaching here means the
	// index was corrupted.
	s.log.Error("no known block hashes; at least the checkpoint is required")
	return nil
}

// TopHeight returns the height of the best known header.
func (s *SyncState) TopHeight() int32 {
	var best int32
	for _, hash := range s.LastKnownBlockHashes() {
		if height, ok := s.HeightByHash(&hash); ok && height > best {
			best = height
		}
	}
	return best
}

// TopCheckpoint returns the hash and height of the best known header.  On a
// fork the header with the greatest height wins; ties resolve to the first
// hash in sorted order.
func (s *SyncState) TopCheckpoint() (chainhash.Hash, int32) {
	var (
		bestHash   chainhash.Hash
		bestHeight int32
	)
	for _, hash := range s.LastKnownBlockHashes() {
		if height, ok := s.HeightByHash(&hash); ok && height > bestHeight {
			bestHeight = height
			bestHash = hash
		}
	}
	return bestHash, bestHeight
}

// LatestTimestamp returns the newest timestamp among the tip headers.
func (s *SyncState) LatestTimestamp() uint32 {
	tips := s.LastKnownBlockHashes()

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var latest uint32
	for i := range tips {
		if header, ok := s.known[tips[i]]; ok && header.Timestamp > latest {
			latest = header.Timestamp
		}
	}
	return latest
}

// HeaderByHash looks a header up by its hash.  The returned header is shared
// and must be treated as read-only.
func (s *SyncState) HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	header, ok := s.known[*hash]
	return header, ok
}

// HeightByHash returns the height annotation of a known header.
func (s *SyncState) HeightByHash(hash *chainhash.Hash) (int32, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	header, ok := s.known[*hash]
	if !ok {
		return 0, false
	}
	return header.Height, true
}

// PrevHashByHash returns the parent hash of a known header.
func (s *SyncState) PrevHashByHash(hash *chainhash.Hash) (chainhash.Hash, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	header, ok := s.known[*hash]
	if !ok {
		return chainhash.ZeroHash, false
	}
	return header.PrevBlock, true
}

// StartingHeight returns the height of the installed checkpoint.
func (s *SyncState) StartingHeight() int32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.startingHeight
}

// IsSynchronized reports whether the best header beyond the checkpoint has
// a timestamp within the last ten minutes of wall-clock, i.e. whether the
// tracker has caught up with the live chain.
func (s *SyncState) IsSynchronized() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	now := uint32(s.now().Unix())

	for i := len(s.chain) - 1; i > 0; i-- {
		if len(s.chain[i]) == 0 {
			continue
		}

		for hash := range s.chain[i] {
			header, ok := s.known[hash]
			if !ok {
				continue
			}
			if now > header.Timestamp && now-syncedWindowSeconds < header.Timestamp {
				return true
			}
		}
		return false
	}

	return false
}

// medianTimePastLocked computes the median timestamp of up to the last
// medianTimeBlocks ancestors, starting at parent.
func (s *SyncState) medianTimePastLocked(parent *wire.BlockHeader) uint32 {
	timestamps := make([]uint32, 0, medianTimeBlocks)

	iter := parent
	for i := 0; i < medianTimeBlocks && iter != nil; i++ {
		timestamps = append(timestamps, iter.Timestamp)
		next, ok := s.known[iter.PrevBlock]
		if !ok {
			break
		}
		iter = next
	}

	sort.Slice(timestamps, func(a, b int) bool {
		return timestamps[a] < timestamps[b]
	})
	return timestamps[len(timestamps)/2]
}

// SetClock overrides the wall-clock source.  Tests use it to pin time.
func (s *SyncState) SetClock(now func() time.Time) {
	s.now = now
}
