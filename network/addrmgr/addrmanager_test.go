// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/wire"
)

func testAddr(i int, services wire.ServiceFlag) *wire.NetAddress {
	ip := net.ParseIP(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	return wire.NewNetAddressTimestamp(time.Unix(1514572031, 0), services,
		ip, 9333)
}

func testAddrs(n int, services wire.ServiceFlag) []*wire.NetAddress {
	addrs := make([]*wire.NetAddress, n)
	for i := range addrs {
		addrs[i] = testAddr(i, services)
	}
	return addrs
}

// TestStoreBounds checks the subsampling contract: at least one address
// per batch, at least the capacity shortfall, never more than capacity.
func TestStoreBounds(t *testing.T) {
	a := New(64, "", nil)

	accepted := a.Store(testAddrs(10, wire.SFNodeNetwork))
	// The ring is 64 short, so every offered address is taken.
	require.Equal(t, 10, accepted)
	require.Equal(t, 10, a.AddressCount(0))

	// An overfull batch can never push past capacity.
	a.Store(testAddrs(500, wire.SFNodeNetwork))
	require.LessOrEqual(t, a.AddressCount(0), 64)

	// Storing nothing accepts nothing.
	require.Zero(t, a.Store(nil))
}

// TestStoreDeduplicates skips addresses already cached.
func TestStoreDeduplicates(t *testing.T) {
	a := New(8, "", nil)

	batch := testAddrs(4, wire.SFNodeNetwork)
	require.Equal(t, 4, a.Store(batch))
	require.Zero(t, a.Store(batch))
	require.Equal(t, 4, a.AddressCount(0))
}

// TestStoreSkipsInvalid ignores unusable addresses.
func TestStoreSkipsInvalid(t *testing.T) {
	a := New(8, "", nil)

	bad := &wire.NetAddress{Services: wire.SFNodeNetwork}
	require.Zero(t, a.Store([]*wire.NetAddress{bad}))
	require.Zero(t, a.AddressCount(0))
}

// TestRingEviction drops the oldest entries once full.
func TestRingEviction(t *testing.T) {
	a := New(4, "", nil)

	first := testAddrs(4, wire.SFNodeNetwork)
	require.Equal(t, 4, a.Store(first))

	// Push one more: the oldest must give way.
	extra := testAddr(100, wire.SFNodeNetwork)
	require.Equal(t, 1, a.Store([]*wire.NetAddress{extra}))
	require.Equal(t, 4, a.AddressCount(0))

	all := a.Addresses(0)
	require.Len(t, all, 4)
	for _, na := range all {
		require.False(t, na.Match(first[0]), "oldest entry should be gone")
	}
}

// TestServiceFiltering filters counts and fetches by service bits.
func TestServiceFiltering(t *testing.T) {
	a := New(32, "", nil)

	a.Store(testAddrs(5, wire.SFNodeNetwork))
	pinAddrs := make([]*wire.NetAddress, 3)
	for i := range pinAddrs {
		pinAddrs[i] = testAddr(100+i, wire.SFNodeNetwork|wire.SFNodePinboard)
	}
	a.Store(pinAddrs)

	require.Equal(t, 8, a.AddressCount(wire.SFNodeNetwork))
	require.Equal(t, 3, a.AddressCount(wire.SFNodePinboard))

	na, ok := a.FetchAddressWithServices(wire.SFNodePinboard)
	require.True(t, ok)
	require.True(t, na.HasService(wire.SFNodePinboard))

	_, ok = a.FetchAddressWithServices(wire.SFNodeBloom)
	require.False(t, ok)

	_, ok = a.FetchAddress()
	require.True(t, ok)
}

// TestFetchAddressEmpty reports absence on an empty ring.
func TestFetchAddressEmpty(t *testing.T) {
	a := New(4, "", nil)
	_, ok := a.FetchAddress()
	require.False(t, ok)
}

// TestHostsFileRoundTrip persists the ring and reloads it.
func TestHostsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.csv")

	a := New(16, path, nil)
	a.Start()
	a.Store(testAddrs(3, wire.SFNodeNetwork|wire.SFNodePinboard))
	a.Stop()

	b := New(16, path, nil)
	b.Start()
	require.Equal(t, 3, b.AddressCount(wire.SFNodePinboard))

	// IP and port survive the round trip.
	addrs := b.Addresses(0)
	require.Len(t, addrs, 3)
	for _, na := range addrs {
		require.Equal(t, uint16(9333), na.Port)
		require.NotNil(t, na.IP)
	}
}
