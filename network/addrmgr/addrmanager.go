// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrmgr keeps the overlay's view of peer addresses: a fixed
// capacity ring where the oldest entries fall out, with storage subsampling
// that defends against a peer flooding its whole list and selection that
// can be biased toward pin-capable hosts.
package addrmgr

import (
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/types/wire"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// AddrManager provides a concurrency safe address cache.
type AddrManager struct {
	log       *zap.Logger
	hostsPath string

	mtx      sync.RWMutex
	capacity int
	peers    []*wire.NetAddress // ring buffer, peers[head] is the oldest
	head     int
}

// hostRecord is one line of the persisted hosts file.
type hostRecord struct {
	IP        string `csv:"ip"`
	Port      uint16 `csv:"port"`
	Services  uint64 `csv:"services"`
	Timestamp int64  `csv:"timestamp"`
}

// New returns a manager holding at most capacity addresses.  hostsPath may
// be empty to disable persistence.
func New(capacity int, hostsPath string, logger *zap.Logger) *AddrManager {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AddrManager{
		log:       logger.With(zap.String("unit", "addrmgr")),
		hostsPath: hostsPath,
		capacity:  capacity,
		peers:     make([]*wire.NetAddress, 0, capacity),
	}
}

// Start loads the persisted hosts file, when one is configured.
func (a *AddrManager) Start() {
	if a.hostsPath == "" {
		return
	}

	f, err := os.Open(a.hostsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("can't open hosts file", zap.Error(err))
		}
		return
	}
	defer f.Close()

	var records []*hostRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		a.log.Warn("can't parse hosts file", zap.Error(err))
		return
	}

	a.mtx.Lock()
	for _, rec := range records {
		ip := net.ParseIP(rec.IP)
		if ip == nil {
			continue
		}
		na := wire.NewNetAddressTimestamp(time.Unix(rec.Timestamp, 0),
			wire.ServiceFlag(rec.Services), ip, rec.Port)
		a.pushLocked(na)
	}
	count := a.lenLocked()
	a.mtx.Unlock()

	a.log.Info("hosts file loaded", zap.Int("addresses", count))
}

// Stop writes the current ring back to the hosts file, when one is
// configured.
func (a *AddrManager) Stop() {
	if a.hostsPath == "" {
		return
	}

	a.mtx.RLock()
	records := make([]*hostRecord, 0, a.lenLocked())
	a.forEachLocked(func(na *wire.NetAddress) {
		records = append(records, &hostRecord{
			IP:        na.IP.String(),
			Port:      na.Port,
			Services:  uint64(na.Services),
			Timestamp: na.Timestamp.Unix(),
		})
	})
	a.mtx.RUnlock()

	f, err := os.Create(a.hostsPath)
	if err != nil {
		a.log.Warn("can't write hosts file", zap.Error(err))
		return
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&records, f); err != nil {
		a.log.Warn("can't marshal hosts file", zap.Error(err))
	}
}

// Store accepts a subsample of an incoming address batch.  Between one and
// all of the peer's addresses are taken, but always at least the amount the
// ring is short of capacity.  The accepted amount is converted into an
// iteration stride, which keeps a flooding peer from displacing the whole
// ring while never starving an empty cache.
func (a *AddrManager) Store(addresses []*wire.NetAddress) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	usable := len(addresses)
	if usable > a.capacity {
		usable = a.capacity
	}
	if usable == 0 {
		return 0
	}

	random := 1 + rand.Intn(usable)
	gap := a.capacity - a.lenLocked()
	accept := random
	if gap > accept {
		accept = gap
	}

	step := usable / accept
	if step < 1 {
		step = 1
	}

	accepted := 0
	for index := 0; index < usable; index += step {
		host := addresses[index]

		// Do not treat an invalid address as an error, just skip it.
		if host.IP == nil || host.Port == 0 {
			a.log.Debug("invalid host address from peer")
			continue
		}

		// Do not allow duplicates in the host cache.  Duplicates
		// still count against the sampling stride.
		if a.findLocked(host) >= 0 {
			continue
		}

		a.pushLocked(host)
		accepted++
	}

	a.log.Debug("accepted host addresses",
		zap.Int("accepted", accepted),
		zap.Int("offered", len(addresses)))
	return accepted
}

// FetchAddress returns a uniformly random address from the ring.
func (a *AddrManager) FetchAddress() (*wire.NetAddress, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	n := a.lenLocked()
	if n == 0 {
		return nil, false
	}
	return a.atLocked(rand.Intn(n)), true
}

// FetchAddressWithServices returns a uniformly random address among those
// advertising all of the given service bits.
func (a *AddrManager) FetchAddressWithServices(services wire.ServiceFlag) (*wire.NetAddress, bool) {
	candidates := a.Addresses(services)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// Addresses returns every cached address advertising all of the given
// service bits.
func (a *AddrManager) Addresses(services wire.ServiceFlag) []*wire.NetAddress {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	var out []*wire.NetAddress
	a.forEachLocked(func(na *wire.NetAddress) {
		if na.Services&services == services {
			out = append(out, na)
		}
	})
	return out
}

// AddressCount returns the number of cached addresses advertising all of
// the given service bits.
func (a *AddrManager) AddressCount(services wire.ServiceFlag) int {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	count := 0
	a.forEachLocked(func(na *wire.NetAddress) {
		if na.Services&services == services {
			count++
		}
	})
	return count
}

// Capacity returns the maximum number of addresses kept.
func (a *AddrManager) Capacity() int {
	return a.capacity
}

// lenLocked returns the number of stored addresses.
func (a *AddrManager) lenLocked() int {
	return len(a.peers)
}

// pushLocked appends an address, displacing the oldest when full.
func (a *AddrManager) pushLocked(na *wire.NetAddress) {
	if len(a.peers) < a.capacity {
		a.peers = append(a.peers, na)
		return
	}

	a.peers[a.head] = na
	a.head = (a.head + 1) % a.capacity
}

// atLocked returns the i-th address in insertion order.
func (a *AddrManager) atLocked(i int) *wire.NetAddress {
	return a.peers[(a.head+i)%len(a.peers)]
}

// findLocked returns the index of an address with the same ip and port, or
// -1.
func (a *AddrManager) findLocked(host *wire.NetAddress) int {
	for i := 0; i < len(a.peers); i++ {
		if a.atLocked(i).Match(host) {
			return i
		}
	}
	return -1
}

// forEachLocked visits the stored addresses from oldest to newest.
func (a *AddrManager) forEachLocked(fn func(*wire.NetAddress)) {
	for i := 0; i < len(a.peers); i++ {
		fn(a.atLocked(i))
	}
}
