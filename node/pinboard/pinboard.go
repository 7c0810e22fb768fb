// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pinboard implements the expiring pin store.  Pins are grouped
// into buckets by time intervals; a bucket id is the upper bound of the
// interval, so the periodic sweep only ever inspects bucket keys and never
// individual pins.  A pin is stored in the bucket covering the earliest
// moment it has to be deleted.
package pinboard

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

const (
	// cleanupInterval is how often the expiry sweep runs.
	cleanupInterval = 60 * time.Second

	// maxTTLSeconds caps the lifetime any amount of work can buy.
	maxTTLSeconds = 60 * 60 * 24

	// bucketShift is the width of an eviction bucket: 256 seconds.
	bucketShift = 8
)

// ErrBadStream is returned when a pin fails to revalidate as a wire
// payload.
var ErrBadStream = errors.New("bad stream")

// HeaderSource resolves anchors against the header tracker.
type HeaderSource interface {
	HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, bool)
	HeightByHash(hash *chainhash.Hash) (int32, bool)
}

// Broadcaster fans an accepted pin back out to every pin-capable peer.
type Broadcaster interface {
	BroadcastToPinPeers(msg wire.Message, done func(error))
}

// pinEntry is a stored pin together with its eviction bookkeeping.
type pinEntry struct {
	payload    *wire.ObjectPayload
	bucketID   uint32
	anchorTime uint32
	ttl        uint32
}

// Pinboard is the pin store.  A single lock guards the pin index and the
// bucket index together.
type Pinboard struct {
	broadcaster Broadcaster
	chain       HeaderSource
	minTarget   *uint256.Int
	log         *zap.Logger
	now         func() uint32

	started  int32
	shutdown int32
	quit     chan struct{}
	wg       sync.WaitGroup

	mtx     sync.RWMutex
	objects map[chainhash.Hash]*pinEntry
	buckets map[uint32]map[chainhash.Hash]struct{}
}

// New creates a pin store.  minTarget is the upper bound on a pin's
// proof-of-work value; anything above it is rejected as too little work.
func New(broadcaster Broadcaster, chain HeaderSource, minTarget *uint256.Int,
	logger *zap.Logger) *Pinboard {

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pinboard{
		broadcaster: broadcaster,
		chain:       chain,
		minTarget:   new(uint256.Int).Set(minTarget),
		log:         logger.With(zap.String("unit", "pinboard")),
		now:         func() uint32 { return uint32(time.Now().Unix()) },
		quit:        make(chan struct{}),
		objects:     make(map[chainhash.Hash]*pinEntry),
		buckets:     make(map[uint32]map[chainhash.Hash]struct{}),
	}
}

// Start launches the periodic expiry sweep.
func (pb *Pinboard) Start() {
	if atomic.AddInt32(&pb.started, 1) != 1 {
		return
	}

	pb.wg.Add(1)
	go pb.sweepHandler()
}

// Stop signals the sweep to halt and waits for it.  A second call is a
// no-op.
func (pb *Pinboard) Stop() {
	if atomic.AddInt32(&pb.shutdown, 1) != 1 {
		return
	}

	close(pb.quit)
	pb.wg.Wait()
}

func (pb *Pinboard) sweepHandler() {
	defer pb.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pb.Cleanup()
		case <-pb.quit:
			return
		}
	}
}

// Process runs the admission path for an incoming pin.  nil means the pin
// is stored (or already was); the error kinds distinguish malformed bytes,
// insufficient work and missing or expired anchors.
func (pb *Pinboard) Process(obj *wire.MsgObject) error {
	payload := &obj.Payload

	if !payload.IsValid() {
		pb.log.Warn("object payload is not valid")
		return ErrBadStream
	}

	id := payload.ID()

	if payload.Pow.Type != pow.DefaultType {
		pb.log.Error("incorrect pow type, rejecting",
			zap.Uint32("type", uint32(payload.Pow.Type)),
			zap.String("id", id.String()))
		return chainsync.ErrInvalidProofOfWork
	}

	workDone, err := payload.WorkDone()
	if err != nil {
		return ErrBadStream
	}
	size := payload.SerializeSize()

	pb.log.Info("incoming object",
		zap.String("id", id.String()),
		zap.Int("size", size),
		zap.String("work", workDone.String()))

	powValue, err := payload.PowValue()
	if err != nil {
		return ErrBadStream
	}
	if powValue.Gt(pb.minTarget) {
		pb.log.Error("pow above min target, rejecting",
			zap.String("id", id.String()))
		return chainsync.ErrInvalidProofOfWork
	}

	anchor := payload.Pow.Anchor
	header, ok := pb.chain.HeaderByHash(&anchor)
	if !ok {
		pb.log.Warn("anchor is not known",
			zap.String("anchor", anchor.String()))
		return chainsync.ErrUnknown
	}

	ttl := calcTTL(workDone, size)
	now := pb.now()
	expiry := uint64(header.Timestamp) + uint64(ttl)

	if uint64(now) >= expiry {
		pb.log.Warn("object expired on arrival, rejecting",
			zap.String("id", id.String()),
			zap.Uint64("late by", uint64(now)-expiry))
		return chainsync.ErrUnknown
	}

	entry := &pinEntry{
		payload:    payload,
		bucketID:   calcBucketID(uint32(expiry)),
		anchorTime: header.Timestamp,
		ttl:        ttl,
	}

	pb.mtx.Lock()
	if _, ok := pb.objects[id]; ok {
		pb.mtx.Unlock()
		pb.log.Info("object already known, doing nothing",
			zap.String("id", id.String()))
		return nil
	}

	bucket, ok := pb.buckets[entry.bucketID]
	if !ok {
		bucket = make(map[chainhash.Hash]struct{})
		pb.buckets[entry.bucketID] = bucket
	}
	bucket[id] = struct{}{}
	pb.objects[id] = entry
	pb.mtx.Unlock()

	pb.log.Info("object accepted",
		zap.String("id", id.String()),
		zap.Uint32("ttl", ttl),
		zap.Uint32("bucket", entry.bucketID))

	if pb.broadcaster != nil {
		pb.broadcaster.BroadcastToPinPeers(obj, func(err error) {
			if err != nil {
				pb.log.Debug("object broadcast finished with error",
					zap.Error(err))
			}
		})
	}

	return nil
}

// Cleanup removes every bucket whose upper bound has passed, and every pin
// in it.  Bucket keys are monotone upper bounds on expiry, so no per-pin
// check is needed.
func (pb *Pinboard) Cleanup() {
	now := pb.now()

	pb.mtx.Lock()
	defer pb.mtx.Unlock()

	keys := pb.sortedBucketIDsLocked()
	for _, bucketID := range keys {
		if bucketID > now {
			break
		}

		for id := range pb.buckets[bucketID] {
			if _, ok := pb.objects[id]; ok {
				delete(pb.objects, id)
			} else {
				pb.log.Error("pin missing from index during sweep",
					zap.String("id", id.String()))
			}
		}
		delete(pb.buckets, bucketID)

		pb.log.Debug("deleted bucket", zap.Uint32("bucket", bucketID))
	}
}

// ForEach calls the visitor with every stored pin, in bucket order.
func (pb *Pinboard) ForEach(visitor func(*wire.ObjectPayload)) {
	pb.mtx.RLock()
	defer pb.mtx.RUnlock()

	for _, bucketID := range pb.sortedBucketIDsLocked() {
		for _, id := range sortedHashes(pb.buckets[bucketID]) {
			entry, ok := pb.objects[id]
			if !ok {
				pb.log.Error("pin missing from index",
					zap.String("id", id.String()))
				continue
			}
			visitor(entry.payload)
		}
	}
}

// Count returns the number of stored pins.
func (pb *Pinboard) Count() int {
	pb.mtx.RLock()
	defer pb.mtx.RUnlock()
	return len(pb.objects)
}

// String renders the store grouped by bucket, with body identifiers in
// base58.
func (pb *Pinboard) String() string {
	pb.mtx.RLock()
	defer pb.mtx.RUnlock()

	var buf bytes.Buffer
	for _, bucketID := range pb.sortedBucketIDsLocked() {
		fmt.Fprintf(&buf, "%d\n", bucketID)

		for _, id := range sortedHashes(pb.buckets[bucketID]) {
			entry, ok := pb.objects[id]
			if !ok {
				fmt.Fprintf(&buf, "\t%s\tERROR: pin not found\n", id)
				continue
			}

			bodyID, err := entry.payload.GetBodyID()
			if err != nil {
				fmt.Fprintf(&buf, "\t%s\tERROR: %v\n", id, err)
				continue
			}
			fmt.Fprintf(&buf, "\t%s\t%s\n", id, bodyID.Base58())
		}
	}
	return buf.String()
}

// SetClock overrides the wall-clock source.  Tests use it to pin time.
func (pb *Pinboard) SetClock(now func() uint32) {
	pb.now = now
}

// sortedBucketIDsLocked returns the bucket keys in ascending order.
func (pb *Pinboard) sortedBucketIDsLocked() []uint32 {
	keys := make([]uint32, 0, len(pb.buckets))
	for k := range pb.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	return keys
}

func sortedHashes(set map[chainhash.Hash]struct{}) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(a, b int) bool {
		return bytes.Compare(hashes[a][:], hashes[b][:]) < 0
	})
	return hashes
}

// calcTTL converts work into seconds of lifetime: mul * work / size,
// capped at one day.
func calcTTL(workDone *uint256.Int, size int) uint32 {
	mul := uint256.NewInt(uint64(pow.DefaultType.Mul()))
	ttl := new(uint256.Int).Mul(mul, workDone)
	ttl.Div(ttl, uint256.NewInt(uint64(size)))

	if ttl.GtUint64(maxTTLSeconds) {
		return maxTTLSeconds
	}
	return uint32(ttl.Uint64())
}

// calcBucketID maps an expiry moment to the upper bound of its 256-second
// bucket.  The result is strictly greater than the expiry.
func calcBucketID(expiry uint32) uint32 {
	return ((expiry >> bucketShift) + 1) << bucketShift
}
