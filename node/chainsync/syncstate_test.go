// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chaincfg"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// testPowLimitBits is an easy target so test headers mine in a handful of
// scrypt attempts.
const testPowLimitBits = 0x207fffff

// spyBroadcaster records every broadcast and completes immediately.
type spyBroadcaster struct {
	mtx  sync.Mutex
	msgs []wire.Message
}

func (b *spyBroadcaster) BroadcastToPinPeers(msg wire.Message, done func(error)) {
	b.mtx.Lock()
	b.msgs = append(b.msgs, msg)
	b.mtx.Unlock()
	if done != nil {
		done(nil)
	}
}

func (b *spyBroadcaster) count() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.msgs)
}

func (b *spyBroadcaster) last() wire.Message {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	return b.msgs[len(b.msgs)-1]
}

// testCheckpoint returns the mainnet checkpoint header.
func testCheckpoint(t *testing.T) *wire.BlockHeader {
	t.Helper()
	checkpoint, err := chaincfg.MainNetParams.CheckpointHeader()
	require.NoError(t, err)
	return checkpoint
}

// mineHeader produces a header linked to prev that passes the context-free
// checks under the easy test target.
func mineHeader(t *testing.T, prev *wire.BlockHeader, timestamp uint32) *wire.BlockHeader {
	t.Helper()

	prevHash := prev.BlockHash()
	merkle := chainhash.DoubleHashH(prevHash[:])
	header := wire.NewBlockHeader(536870912, &prevHash, &merkle, timestamp,
		testPowLimitBits, 0)

	now := time.Unix(int64(timestamp), 0)
	for nonce := uint32(0); ; nonce++ {
		header.SetNonce(nonce)
		if CheckHeader(header, testPowLimitBits, now) == nil {
			return header
		}
	}
}

// mineBadHeader produces a header whose proof-of-work fails the easy test
// target.
func mineBadHeader(t *testing.T, prev *wire.BlockHeader, timestamp uint32) *wire.BlockHeader {
	t.Helper()

	prevHash := prev.BlockHash()
	merkle := chainhash.DoubleHashH(prevHash[:])
	header := wire.NewBlockHeader(536870912, &prevHash, &merkle, timestamp,
		testPowLimitBits, 0)

	now := time.Unix(int64(timestamp), 0)
	for nonce := uint32(0); ; nonce++ {
		header.SetNonce(nonce)
		err := CheckHeader(header, testPowLimitBits, now)
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidProofOfWork)
			return header
		}
	}
}

// mineChain extends prev with n linked headers spaced a second apart.
func mineChain(t *testing.T, prev *wire.BlockHeader, n int, baseTime uint32) []*wire.BlockHeader {
	t.Helper()

	headers := make([]*wire.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		header := mineHeader(t, prev, baseTime+uint32(i))
		headers = append(headers, header)
		prev = header
	}
	return headers
}

func newTestState(t *testing.T, spy *spyBroadcaster) *SyncState {
	t.Helper()
	var b Broadcaster
	if spy != nil {
		b = spy
	}
	return New(testCheckpoint(t), testPowLimitBits, b, nil)
}

// TestNewInstallsCheckpoint covers the construction invariant: the tracker
// starts with exactly the checkpoint.
func TestNewInstallsCheckpoint(t *testing.T) {
	checkpoint := testCheckpoint(t)
	s := newTestState(t, nil)

	require.Equal(t, int32(1341188), s.TopHeight())
	require.Equal(t, int32(1341188), s.StartingHeight())

	tips := s.LastKnownBlockHashes()
	require.Len(t, tips, 1)
	require.Equal(t, checkpoint.BlockHash(), tips[0])

	hash, height := s.TopCheckpoint()
	require.Equal(t, checkpoint.BlockHash(), hash)
	require.Equal(t, int32(1341188), height)
	require.Equal(t, checkpoint.Timestamp, s.LatestTimestamp())
}

// TestMergeChain merges three linked headers and checks heights, tips and
// the inventory broadcast.
func TestMergeChain(t *testing.T) {
	spy := &spyBroadcaster{}
	s := newTestState(t, spy)

	baseTime := uint32(time.Now().Unix()) - 1000
	headers := mineChain(t, testCheckpoint(t), 3, baseTime)

	require.NoError(t, s.Merge(headers))

	require.Equal(t, int32(1341191), s.TopHeight())
	tips := s.LastKnownBlockHashes()
	require.Len(t, tips, 1)
	require.Equal(t, headers[2].BlockHash(), tips[0])

	// Every merged header links parent+1.
	for _, header := range headers {
		hash := header.BlockHash()
		height, ok := s.HeightByHash(&hash)
		require.True(t, ok)
		parentHeight, ok := s.HeightByHash(&header.PrevBlock)
		require.True(t, ok)
		require.Equal(t, parentHeight+1, height)

		prev, ok := s.PrevHashByHash(&hash)
		require.True(t, ok)
		require.Equal(t, header.PrevBlock, prev)
	}

	// One inventory advertising the last merged hash.
	require.Equal(t, 1, spy.count())
	inv, ok := spy.last().(*wire.MsgInv)
	require.True(t, ok)
	require.Len(t, inv.InvList, 1)
	require.Equal(t, wire.InvTypeBlock, inv.InvList[0].Type)
	require.Equal(t, headers[2].BlockHash(), inv.InvList[0].Hash)
}

// TestMergeRejectsBadPow covers the abort-on-first-failure contract.
func TestMergeRejectsBadPow(t *testing.T) {
	spy := &spyBroadcaster{}
	s := newTestState(t, spy)

	baseTime := uint32(time.Now().Unix()) - 1000
	bad := mineBadHeader(t, testCheckpoint(t), baseTime)

	err := s.Merge([]*wire.BlockHeader{bad})
	require.ErrorIs(t, err, ErrInvalidProofOfWork)
	require.Equal(t, int32(1341188), s.TopHeight())
	require.Zero(t, spy.count())

	// A failure mid-batch keeps earlier headers but drops the rest, and
	// nothing is announced.
	good := mineChain(t, testCheckpoint(t), 2, baseTime)
	err = s.Merge([]*wire.BlockHeader{good[0], bad, good[1]})
	require.ErrorIs(t, err, ErrInvalidProofOfWork)

	hash := good[0].BlockHash()
	_, ok := s.HeightByHash(&hash)
	require.True(t, ok)

	hash = good[1].BlockHash()
	_, ok = s.HeightByHash(&hash)
	require.False(t, ok)

	require.Zero(t, spy.count())
}

// TestMergeIdempotent ensures re-merging known headers neither grows the
// index nor re-announces.
func TestMergeIdempotent(t *testing.T) {
	spy := &spyBroadcaster{}
	s := newTestState(t, spy)

	baseTime := uint32(time.Now().Unix()) - 1000
	headers := mineChain(t, testCheckpoint(t), 3, baseTime)

	require.NoError(t, s.Merge(headers))
	require.Equal(t, 1, spy.count())

	require.NoError(t, s.Merge(headers))
	require.Equal(t, int32(1341191), s.TopHeight())
	require.Equal(t, 1, spy.count())
}

// TestMergeForks keeps competing headers at the same height as a set.
func TestMergeForks(t *testing.T) {
	s := newTestState(t, nil)

	baseTime := uint32(time.Now().Unix()) - 1000
	forkA := mineHeader(t, testCheckpoint(t), baseTime)
	forkB := mineHeader(t, testCheckpoint(t), baseTime+5)

	require.NoError(t, s.Merge([]*wire.BlockHeader{forkA, forkB}))

	tips := s.LastKnownBlockHashes()
	require.Len(t, tips, 2)
	require.Equal(t, int32(1341189), s.TopHeight())

	// The newest timestamp among the tips wins.
	require.Equal(t, baseTime+5, s.LatestTimestamp())

	// Extending one fork leaves a single tip again.
	child := mineHeader(t, forkA, baseTime+10)
	require.NoError(t, s.Merge([]*wire.BlockHeader{child}))
	tips = s.LastKnownBlockHashes()
	require.Len(t, tips, 1)
	require.Equal(t, child.BlockHash(), tips[0])
}

// TestOrphanFlush queues headers arriving before their parent and connects
// them once the parent shows up.
func TestOrphanFlush(t *testing.T) {
	s := newTestState(t, nil)

	baseTime := uint32(time.Now().Unix()) - 1000
	headers := mineChain(t, testCheckpoint(t), 3, baseTime)

	// Children first: both park in the orphan queue.
	require.NoError(t, s.Merge([]*wire.BlockHeader{headers[2], headers[1]}))
	require.Equal(t, int32(1341188), s.TopHeight())
	require.Equal(t, 2, s.OrphanCount())

	// The parent arrives and drags the whole branch in.
	require.NoError(t, s.Merge([]*wire.BlockHeader{headers[0]}))
	require.Equal(t, int32(1341191), s.TopHeight())
	require.Zero(t, s.OrphanCount())
}

// TestKnownBlockHashesClamp covers the height clamping of the lookup.
func TestKnownBlockHashesClamp(t *testing.T) {
	s := newTestState(t, nil)
	checkpointHash := testCheckpoint(t).BlockHash()

	baseTime := uint32(time.Now().Unix()) - 1000
	headers := mineChain(t, testCheckpoint(t), 2, baseTime)
	require.NoError(t, s.Merge(headers))

	// Below the checkpoint clamps to the checkpoint.
	hashes := s.KnownBlockHashes(100)
	require.Len(t, hashes, 1)
	require.Equal(t, checkpointHash, hashes[0])

	// Above the top clamps to the top.
	hashes = s.KnownBlockHashes(99999999)
	require.Len(t, hashes, 1)
	require.Equal(t, headers[1].BlockHash(), hashes[0])

	// An exact height hits its slot.
	hashes = s.KnownBlockHashes(1341189)
	require.Len(t, hashes, 1)
	require.Equal(t, headers[0].BlockHash(), hashes[0])
}

// TestIsSynchronized requires a recent header above the checkpoint.
func TestIsSynchronized(t *testing.T) {
	s := newTestState(t, nil)

	now := uint32(time.Now().Unix())
	s.SetClock(func() time.Time { return time.Unix(int64(now), 0) })

	// Checkpoint only: not synchronized.
	require.False(t, s.IsSynchronized())

	// A stale tip does not count.
	stale := mineHeader(t, testCheckpoint(t), now-10000)
	require.NoError(t, s.Merge([]*wire.BlockHeader{stale}))
	require.False(t, s.IsSynchronized())

	// A tip within the last ten minutes does.
	fresh := mineHeader(t, stale, now-100)
	require.NoError(t, s.Merge([]*wire.BlockHeader{fresh}))
	require.True(t, s.IsSynchronized())
}

// TestMergeFuturisticTimestamp rejects headers too far in the future.
func TestMergeFuturisticTimestamp(t *testing.T) {
	s := newTestState(t, nil)

	now := uint32(time.Now().Unix())
	s.SetClock(func() time.Time { return time.Unix(int64(now), 0) })

	future := mineHeader(t, testCheckpoint(t), now+3*60*60)
	err := s.Merge([]*wire.BlockHeader{future})
	require.ErrorIs(t, err, ErrFuturisticTimestamp)
	require.Equal(t, int32(1341188), s.TopHeight())
}

// TestAcceptHeader covers the contextual acceptance rules and their
// precedence.
func TestAcceptHeader(t *testing.T) {
	baseTime := uint32(time.Now().Unix()) - 1000
	header := mineHeader(t, testCheckpoint(t), baseTime)

	ctx := &HeaderContext{
		WorkRequiredBits: testPowLimitBits,
		MedianTimePast:   baseTime - 600,
		MinVersion:       4,
	}
	require.NoError(t, AcceptHeader(header, ctx))

	// Wrong required bits.
	badBits := *ctx
	badBits.WorkRequiredBits = 0x1a04865f
	require.ErrorIs(t, AcceptHeader(header, &badBits), ErrIncorrectProofOfWork)

	// Checkpoint conflict.
	conflict := *ctx
	var other [32]byte
	other[0] = 0xff
	conflict.CheckpointHash = &other
	require.ErrorIs(t, AcceptHeader(header, &conflict), ErrCheckpointsFailed)

	// Version below the floor.
	oldVersion := *ctx
	oldVersion.MinVersion = 1 << 30
	require.ErrorIs(t, AcceptHeader(header, &oldVersion), ErrOldVersionBlock)

	// Timestamp not past the median.
	early := *ctx
	early.MedianTimePast = header.Timestamp
	require.ErrorIs(t, AcceptHeader(header, &early), ErrTimestampTooEarly)

	// Under the checkpoint the version and timestamp rules are waived.
	waived := *ctx
	waived.UnderCheckpoint = true
	waived.MinVersion = 1 << 30
	waived.MedianTimePast = header.Timestamp
	require.NoError(t, AcceptHeader(header, &waived))
}
