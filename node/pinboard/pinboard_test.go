// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pinboard

import (
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// fakeChain is a HeaderSource over a fixed header set.
type fakeChain struct {
	headers map[chainhash.Hash]*wire.BlockHeader
}

func newFakeChain() *fakeChain {
	return &fakeChain{headers: make(map[chainhash.Hash]*wire.BlockHeader)}
}

func (c *fakeChain) add(height int32, timestamp uint32) chainhash.Hash {
	header := &wire.BlockHeader{
		Version:   536870912,
		Timestamp: timestamp,
		Bits:      0x207fffff,
		Nonce:     uint32(height),
		Height:    height,
	}
	hash := header.BlockHash()
	c.headers[hash] = header
	return hash
}

func (c *fakeChain) HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, bool) {
	header, ok := c.headers[*hash]
	return header, ok
}

func (c *fakeChain) HeightByHash(hash *chainhash.Hash) (int32, bool) {
	header, ok := c.headers[*hash]
	if !ok {
		return 0, false
	}
	return header.Height, true
}

// spyBroadcaster counts fan-outs.
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

// permissiveTarget admits any proof-of-work value, so the first nonce wins.
func permissiveTarget() *uint256.Int {
	return new(uint256.Int).Not(new(uint256.Int))
}

// testObject builds a pin anchored at the given hash with the given nonce.
func testObject(body []byte, anchor chainhash.Hash, nonce uint64) *wire.MsgObject {
	payload := wire.NewObjectPayload(body)
	payload.Pow = *wire.NewPowCertificate(pow.DefaultType,
		pow.TagLitecoinMain, anchor, nonce)
	return wire.NewMsgObject(payload)
}

// mineObject searches nonces until the certificate buys at least minTTL
// seconds of lifetime.
func mineObject(t *testing.T, body []byte, anchor chainhash.Hash,
	minTTL uint32) *wire.MsgObject {
	t.Helper()

	for nonce := uint64(0); ; nonce++ {
		obj := testObject(body, anchor, nonce)
		work, err := obj.Payload.WorkDone()
		require.NoError(t, err)
		if calcTTL(work, obj.Payload.SerializeSize()) >= minTTL {
			return obj
		}
	}
}

func newTestBoard(spy *spyBroadcaster, chain HeaderSource, target *uint256.Int,
	now uint32) *Pinboard {

	pb := New(spy, chain, target, nil)
	pb.SetClock(func() uint32 { return now })
	return pb
}

// TestProcessAccept covers the happy admission path.
func TestProcessAccept(t *testing.T) {
	chain := newFakeChain()
	anchorTime := uint32(1000000)
	anchor := chain.add(100, anchorTime)

	spy := &spyBroadcaster{}
	pb := newTestBoard(spy, chain, permissiveTarget(), anchorTime+10)

	obj := mineObject(t, []byte("hello"), anchor, 16)
	require.NoError(t, pb.Process(obj))
	require.Equal(t, 1, pb.Count())
	require.Equal(t, 1, spy.count())

	// Exactly one pin comes back out, with the expected body id.
	var seen []*wire.ObjectPayload
	pb.ForEach(func(payload *wire.ObjectPayload) {
		seen = append(seen, payload)
	})
	require.Len(t, seen, 1)

	bodyID, err := seen[0].GetBodyID()
	require.NoError(t, err)

	wantSum, err := mh.Sum([]byte("hello"), mh.SHA2_256, -1)
	require.NoError(t, err)
	require.Equal(t, base58.Encode(wantSum), bodyID.Base58())
}

// TestProcessRejectsWrongPowType only accepts the default algorithm.
func TestProcessRejectsWrongPowType(t *testing.T) {
	chain := newFakeChain()
	anchor := chain.add(100, 1000000)

	pb := newTestBoard(&spyBroadcaster{}, chain, permissiveTarget(), 1000010)

	obj := testObject([]byte("hello"), anchor, 1)
	obj.Payload.Pow.Type = pow.Scrypt_10_1_1
	require.ErrorIs(t, pb.Process(obj), chainsync.ErrInvalidProofOfWork)
	require.Zero(t, pb.Count())
}

// TestProcessRejectsWeakPow rejects certificates above the minimum target.
func TestProcessRejectsWeakPow(t *testing.T) {
	chain := newFakeChain()
	anchor := chain.add(100, 1000000)

	// A zero target rejects every real proof-of-work value.
	pb := newTestBoard(&spyBroadcaster{}, chain, new(uint256.Int), 1000010)

	obj := testObject([]byte("hello"), anchor, 1)
	require.ErrorIs(t, pb.Process(obj), chainsync.ErrInvalidProofOfWork)
	require.Zero(t, pb.Count())
}

// TestProcessUnknownAnchor tolerates a missing anchor: it may arrive later.
func TestProcessUnknownAnchor(t *testing.T) {
	chain := newFakeChain()
	chain.add(100, 1000000)

	pb := newTestBoard(&spyBroadcaster{}, chain, permissiveTarget(), 1000010)

	var unknown chainhash.Hash
	unknown[0] = 0xab
	obj := testObject([]byte("hello"), unknown, 1)
	require.ErrorIs(t, pb.Process(obj), chainsync.ErrUnknown)
	require.Zero(t, pb.Count())
}

// TestProcessExpired rejects pins that are dead on arrival.
func TestProcessExpired(t *testing.T) {
	chain := newFakeChain()
	anchorTime := uint32(1000000)
	anchor := chain.add(100, anchorTime)

	// The clock is far past any TTL the work could have bought: the cap
	// is one day, the clock is two days and a bit past the anchor.
	pb := newTestBoard(&spyBroadcaster{}, chain, permissiveTarget(),
		anchorTime+200000)

	obj := testObject([]byte("hello"), anchor, 1)
	require.ErrorIs(t, pb.Process(obj), chainsync.ErrUnknown)
	require.Zero(t, pb.Count())
}

// TestProcessIdempotent covers the duplicate suppression contract: the
// second call succeeds without mutating the store or re-broadcasting.
func TestProcessIdempotent(t *testing.T) {
	chain := newFakeChain()
	anchorTime := uint32(1000000)
	anchor := chain.add(100, anchorTime)

	spy := &spyBroadcaster{}
	pb := newTestBoard(spy, chain, permissiveTarget(), anchorTime+10)

	obj := mineObject(t, []byte("hello"), anchor, 16)
	require.NoError(t, pb.Process(obj))
	require.Equal(t, 1, pb.Count())
	require.Equal(t, 1, spy.count())

	dup := testObject([]byte("hello"), anchor, obj.Payload.Pow.Nonce)
	require.NoError(t, pb.Process(dup))
	require.Equal(t, 1, pb.Count())
	require.Equal(t, 1, spy.count())
}

// TestBucketInvariant checks the bucket id arithmetic: a 256-second bucket
// whose key strictly bounds the expiry.
func TestBucketInvariant(t *testing.T) {
	for _, expiry := range []uint32{0, 1, 255, 256, 257, 1000000, 0xfffffe} {
		bucketID := calcBucketID(expiry)
		require.Greater(t, bucketID, expiry)
		require.Zero(t, bucketID%256)
		require.LessOrEqual(t, bucketID-expiry, uint32(256))
	}
}

// TestStoredBucketInvariant verifies the invariant on a stored pin.
func TestStoredBucketInvariant(t *testing.T) {
	chain := newFakeChain()
	anchorTime := uint32(1000000)
	anchor := chain.add(100, anchorTime)

	pb := newTestBoard(&spyBroadcaster{}, chain, permissiveTarget(), anchorTime+10)
	obj := mineObject(t, []byte("hello"), anchor, 16)
	require.NoError(t, pb.Process(obj))

	pb.mtx.RLock()
	defer pb.mtx.RUnlock()
	for _, entry := range pb.objects {
		expiry := entry.anchorTime + entry.ttl
		require.Equal(t, calcBucketID(expiry), entry.bucketID)
		require.Greater(t, entry.bucketID, expiry)
	}
}

// TestCleanup covers eviction liveness: once the clock passes a bucket's
// key, its pins are gone.
func TestCleanup(t *testing.T) {
	chain := newFakeChain()
	anchorTime := uint32(1000000)
	anchor := chain.add(100, anchorTime)

	clock := anchorTime + 10
	pb := New(&spyBroadcaster{}, chain, permissiveTarget(), nil)
	pb.SetClock(func() uint32 { return clock })

	obj := mineObject(t, []byte("hello"), anchor, 16)
	require.NoError(t, pb.Process(obj))
	require.Equal(t, 1, pb.Count())

	// Before the bucket key passes, nothing is swept.
	pb.Cleanup()
	require.Equal(t, 1, pb.Count())

	// Jump past expiry plus the bucket width: the pin must be gone.
	var bucketID uint32
	pb.mtx.RLock()
	for _, entry := range pb.objects {
		bucketID = entry.bucketID
	}
	pb.mtx.RUnlock()

	clock = bucketID + 60
	pb.Cleanup()
	require.Zero(t, pb.Count())

	// The bucket index is empty too.
	pb.mtx.RLock()
	require.Empty(t, pb.buckets)
	pb.mtx.RUnlock()
}

// TestCalcTTLCap caps any amount of work at one day.
func TestCalcTTLCap(t *testing.T) {
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	require.Equal(t, uint32(86400), calcTTL(huge, 100))

	// mul * work / size for small numbers.
	require.Equal(t, uint32(pow.DefaultType.Mul()), calcTTL(uint256.NewInt(10), 10))
	require.Equal(t, uint32(0), calcTTL(uint256.NewInt(0), 10))
}

// TestProcessBadPayload rejects pins that fail revalidation.
func TestProcessBadPayload(t *testing.T) {
	pb := newTestBoard(&spyBroadcaster{}, newFakeChain(), permissiveTarget(), 0)

	msg := &wire.MsgObject{}
	require.ErrorIs(t, pb.Process(msg), ErrBadStream)
}
