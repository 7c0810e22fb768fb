// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 70015

	// MultipleAddressVersion is the protocol version which added multiple
	// addresses per message (pver >= MultipleAddressVersion).
	MultipleAddressVersion uint32 = 209

	// NetAddressTimeVersion is the protocol version which added the
	// timestamp field (pver >= NetAddressTimeVersion).
	NetAddressTimeVersion uint32 = 31402

	// BIP0031Version is the protocol version AFTER which a pong message
	// and nonce field in ping were added (pver > BIP0031Version).
	BIP0031Version uint32 = 60000

	// RejectVersion is the protocol version which added a new reject
	// message.
	RejectVersion uint32 = 70002
)

// ServiceFlag identifies services supported by a peer.
type ServiceFlag uint64

const (
	// SFNodeNetwork is a flag used to indicate a peer is a full node.
	SFNodeNetwork ServiceFlag = 1 << iota

	// SFNodeGetUTXO is a flag used to indicate a peer supports the
	// getutxos and utxos commands (BIP0064).
	SFNodeGetUTXO

	// SFNodeBloom is a flag used to indicate a peer supports bloom
	// filtering.
	SFNodeBloom

	// SFNodeWitness is a flag used to indicate a peer supports blocks
	// and transactions including witness data (BIP0144).
	SFNodeWitness

	// SFNodeXthin is a flag used to indicate a peer supports xthin blocks.
	SFNodeXthin

	// SFNodePinboard is the claimed service bit (bit 5) indicating a peer
	// speaks the pinboard overlay: it stores pins and serves lite headers.
	SFNodePinboard
)

// Map of service flags back to their constant names for pretty printing.
var sfStrings = map[ServiceFlag]string{
	SFNodeNetwork:  "SFNodeNetwork",
	SFNodeGetUTXO:  "SFNodeGetUTXO",
	SFNodeBloom:    "SFNodeBloom",
	SFNodeWitness:  "SFNodeWitness",
	SFNodeXthin:    "SFNodeXthin",
	SFNodePinboard: "SFNodePinboard",
}

// orderedSFStrings is an ordered list of service flags from lowest to
// highest.
var orderedSFStrings = []ServiceFlag{
	SFNodeNetwork,
	SFNodeGetUTXO,
	SFNodeBloom,
	SFNodeWitness,
	SFNodeXthin,
	SFNodePinboard,
}

// HasFlag returns whether all of the provided desired flags are set.
func (f ServiceFlag) HasFlag(desired ServiceFlag) bool {
	return f&desired == desired
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	// No flags are set.
	if f == 0 {
		return "0x0"
	}

	// Add individual bit flags.
	s := ""
	for _, flag := range orderedSFStrings {
		if f&flag == flag {
			s += sfStrings[flag] + "|"
			f -= flag
		}
	}

	// Add any remaining flags which aren't accounted for as hex.
	s = strings.TrimRight(s, "|")
	if f != 0 {
		s += "|0x" + strconv.FormatUint(uint64(f), 16)
	}
	s = strings.TrimLeft(s, "|")
	return s
}

// PinNet represents which network a message belongs to.  The overlay rides
// the host chain's gossip topology, so these are the host chain magics.
type PinNet uint32

// Constants used to indicate the message network.  They can also be used to
// seek to the next message when a stream's state is unknown, but this
// package does not provide that functionality since it's generally a better
// idea to simply disconnect clients that are misbehaving over TCP.
const (
	// MainNet represents the Litecoin main network.
	MainNet PinNet = 0xDBB6C0FB

	// TestNet4 represents the Litecoin test network (version 4).
	TestNet4 PinNet = 0xF1C8D2FD

	// SimNet represents the simulation test network.
	SimNet PinNet = 0x12141C16
)

// pnStrings is a map of networks back to their constant names for pretty
// printing.
var pnStrings = map[PinNet]string{
	MainNet:  "MainNet",
	TestNet4: "TestNet4",
	SimNet:   "SimNet",
}

// String returns the PinNet in human-readable form.
func (n PinNet) String() string {
	if s, ok := pnStrings[n]; ok {
		return s
	}

	return fmt.Sprintf("Unknown PinNet (%d)", uint32(n))
}
