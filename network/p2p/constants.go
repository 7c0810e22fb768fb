// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"time"

	"gitlab.com/pinboard/pinboardd/types/wire"
)

const (
	// defaultTargetOutbound is the default number of outbound connections
	// to maintain.
	defaultTargetOutbound = 16

	// defaultMaxInbound is the default number of inbound connections to
	// allow.
	defaultMaxInbound = 16

	// connectionRetryInterval is the base amount of time to wait in
	// between retries when dialing persistent peers.
	connectionRetryInterval = time.Second * 5

	// dialTimeout is how long an outbound dial may take before it is
	// abandoned.
	dialTimeout = time.Second * 30

	// outboundScanInterval is how often the dialer looks for a slot to
	// fill.
	outboundScanInterval = time.Second * 2

	// addrRefreshInterval is how often the per-peer address protocol
	// re-requests addresses while short of pin-capable hosts.
	addrRefreshInterval = time.Minute
)

// defaultServices describes the services supported by the node.
const defaultServices = wire.SFNodeNetwork | wire.SFNodePinboard
