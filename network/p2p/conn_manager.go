// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"gitlab.com/pinboard/pinboardd/network/peer"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// listenHandler accepts incoming connections on a listener.  It must be run
// as a goroutine.
func (s *Server) listenHandler(listener net.Listener) {
	defer s.wg.Done()

	s.logger.Infof("server listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			// The listener is closed on shutdown.
			if s.Stopped() {
				return
			}
			s.logger.Debugf("accept failed: %v", err)
			continue
		}

		s.inboundPeerConnected(conn)
	}
}

// inboundPeerConnected is invoked when a new inbound connection is
// established.  It initializes a new inbound server peer instance,
// associates it with the connection, and starts a goroutine to wait for
// disconnection.
func (s *Server) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(s, false)
	sp.Peer = peer.NewInboundPeer(sp.newPeerConfig())
	sp.AssociateConnection(conn)
	go s.peerDoneHandler(sp)
}

// outboundPeerConnected is invoked when a new outbound connection is
// established.
func (s *Server) outboundPeerConnected(addr string, conn net.Conn, persistent bool) {
	sp := newServerPeer(s, persistent)
	p, err := peer.NewOutboundPeer(sp.newPeerConfig(), addr)
	if err != nil {
		s.logger.Debugf("cannot create outbound peer %s: %v", addr, err)
		conn.Close()
		return
	}
	sp.Peer = p
	sp.AssociateConnection(conn)
	go s.peerDoneHandler(sp)
}

// peerDoneHandler handles peer disconnects by notifying the server that
// it's done along with other performing other desirable cleanup.
func (s *Server) peerDoneHandler(sp *serverPeer) {
	sp.WaitForDisconnect()

	select {
	case s.donePeers <- sp:
	case <-s.quit:
	}
	close(sp.quit)
}

// persistentConnectHandler maintains a connection to one configured peer,
// redialing with a fixed backoff whenever the session ends.  It must be run
// as a goroutine.
func (s *Server) persistentConnectHandler(addr string) {
	defer s.wg.Done()

	for {
		conn, err := s.cfg.dial(addr)
		if err != nil {
			s.logger.Debugf("can't dial persistent peer %s: %v", addr, err)
		} else {
			sp := newServerPeer(s, true)
			p, err := peer.NewOutboundPeer(sp.newPeerConfig(), addr)
			if err != nil {
				s.logger.Debugf("cannot create outbound peer %s: %v", addr, err)
				conn.Close()
			} else {
				sp.Peer = p
				sp.AssociateConnection(conn)
				go s.peerDoneHandler(sp)

				// Block until this session ends before
				// reconnecting.
				select {
				case <-sp.quit:
				case <-s.quit:
					sp.Disconnect()
					<-sp.quit
				}
			}
		}

		select {
		case <-time.After(connectionRetryInterval):
		case <-s.quit:
			return
		}
	}
}

// outboundHandler keeps the outbound connection count at its target,
// picking candidates with a bias toward pin-capable hosts whenever the
// overlay is short of them.  It must be run as a goroutine.
func (s *Server) outboundHandler() {
	defer s.wg.Done()

	// Persistent-only mode: the configured peers are handled by their own
	// goroutines.
	if len(s.cfg.ConnectPeers) > 0 {
		return
	}

	ticker := time.NewTicker(outboundScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.ConnectionCount(0) >= s.cfg.TargetOutbound {
				continue
			}

			na, ok := s.pickOutboundAddress()
			if !ok {
				continue
			}

			if err := s.connectTo(na); err != nil {
				s.logger.Debugf("outbound connect to %s failed: %v",
					netAddressKey(na), err)
			}

		case <-s.quit:
			return
		}
	}
}

// pickOutboundAddress selects the next dialing candidate.  When we hold
// fewer than half the target in pin-capable connections - and a dice roll
// on top of the generic connection count says the overlay can spare the
// slot - selection is biased to a random pin-capable address.  Otherwise
// any cached address serves.
func (s *Server) pickOutboundAddress() (*wire.NetAddress, bool) {
	dice := rand.Intn(4)
	half := s.cfg.TargetOutbound / 2

	pinConns := s.ConnectionCount(wire.SFNodePinboard)
	netConns := s.ConnectionCount(wire.SFNodeNetwork)

	if pinConns < half && dice+netConns > half {
		if na, ok := s.addrManager.FetchAddressWithServices(wire.SFNodePinboard); ok {
			s.logger.Infof("trying pinboard node %s", netAddressKey(na))
			return na, true
		}
	}

	na, ok := s.addrManager.FetchAddress()
	if ok {
		s.logger.Debugf("trying generic node %s", netAddressKey(na))
	}
	return na, ok
}

// connectTo dials a candidate unless it is already connected or is our own
// advertised address.
func (s *Server) connectTo(na *wire.NetAddress) error {
	if s.Connected(na) {
		return ErrAddressInUse
	}
	if self := s.cfg.Self; self != nil && self.Match(na) {
		return ErrAddressInUse
	}

	addr := netAddressKey(na)
	conn, err := s.cfg.dial(addr)
	if err != nil {
		return err
	}

	s.outboundPeerConnected(addr, conn, false)
	return nil
}

// seedFromDNS resolves the host chain's DNS seeds and primes the address
// cache with the results.  Seeded hosts are assumed to serve the network;
// whether they also carry the pin bit is learned from later addr gossip.
func (s *Server) seedFromDNS() {
	defer s.wg.Done()

	port, err := strconv.ParseUint(s.cfg.ChainParams.DefaultPort, 10, 16)
	if err != nil {
		s.logger.Errorf("invalid default port %q", s.cfg.ChainParams.DefaultPort)
		return
	}

	for _, seed := range s.cfg.ChainParams.DNSSeeds {
		ips, err := net.LookupIP(seed.Host)
		if err != nil {
			s.logger.Debugf("DNS discovery on %s failed: %v", seed.Host, err)
			continue
		}

		addresses := make([]*wire.NetAddress, 0, len(ips))
		for _, ip := range ips {
			addresses = append(addresses, wire.NewNetAddressTimestamp(
				// Seed with addresses from a time randomly
				// selected between 3 and 7 days ago.
				time.Now().Add(-1*time.Second*time.Duration(
					secondsIn3Days+rand.Int31n(secondsIn4Days))),
				wire.SFNodeNetwork, ip, uint16(port)))
		}

		if len(addresses) > 0 {
			s.addrManager.Store(addresses)
			s.logger.Infof("%d addresses found from DNS seed %s",
				len(addresses), seed.Host)
		}

		if s.Stopped() {
			return
		}
	}
}

const (
	secondsIn3Days int32 = 24 * 60 * 60 * 3
	secondsIn4Days int32 = 24 * 60 * 60 * 4
)

// netAddressKey renders an address as host:port for dialing and logging.
func netAddressKey(na *wire.NetAddress) string {
	return net.JoinHostPort(na.IP.String(), fmt.Sprintf("%d", na.Port))
}
