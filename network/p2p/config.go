// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"net"

	"github.com/btcsuite/go-socks/socks"
	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/types/chaincfg"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// Config carries everything the overlay server needs to run.
type Config struct {
	// ChainParams identifies the host chain network.
	ChainParams *chaincfg.Params

	// Listeners is the list of addresses to listen on for inbound
	// connections, e.g. ":29333".  Empty disables listening.
	Listeners []string

	// ConnectPeers is the list of peers to maintain persistent
	// connections to.
	ConnectPeers []string

	// MaxInbound limits simultaneous inbound connections.
	MaxInbound int

	// TargetOutbound is the number of outbound connections to maintain.
	TargetOutbound int

	// MaxAddresses bounds the address ring.
	MaxAddresses int

	// HostsFile is where the address ring is persisted between runs.
	// Empty disables persistence.
	HostsFile string

	// DisableDNSSeed turns off bootstrapping from the host chain's DNS
	// seeds.
	DisableDNSSeed bool

	// Proxy, when set, routes outbound dials through a SOCKS5 proxy.
	Proxy string

	// Self is the externally reachable address advertised to peers.  Nil
	// means none is advertised.
	Self *wire.NetAddress

	// UserAgentName and UserAgentVersion identify this node in version
	// messages.
	UserAgentName    string
	UserAgentVersion string

	// Logger is the parent logger.  Nil disables logging.
	Logger *zap.Logger

	// AllowSelfConns disables the self-connection nonce check.  It is
	// only set by tests running several nodes in one process.
	AllowSelfConns bool
}

// normalize fills zero fields with defaults.
func (cfg *Config) normalize() {
	if cfg.MaxInbound == 0 {
		cfg.MaxInbound = defaultMaxInbound
	}
	if cfg.TargetOutbound == 0 {
		cfg.TargetOutbound = defaultTargetOutbound
	}
	if cfg.MaxAddresses == 0 {
		cfg.MaxAddresses = 256000
	}
	if cfg.UserAgentName == "" {
		cfg.UserAgentName = "pinboardd"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// dial connects to addr using the configured proxy when present.
func (cfg *Config) dial(addr string) (net.Conn, error) {
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{Addr: cfg.Proxy}
		return proxy.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, dialTimeout)
}
