// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package p2p runs the pinboard overlay node: it accepts and dials peers on
// the host chain's network, attaches the header-sync and pin-sync protocol
// state machines to each session, biases outbound dialing toward
// pin-capable hosts and fans accepted pins out to them.
package p2p

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gitlab.com/pinboard/pinboardd/corelog"
	"gitlab.com/pinboard/pinboardd/network/addrmgr"
	"gitlab.com/pinboard/pinboardd/node/chainsync"
	"gitlab.com/pinboard/pinboardd/node/pinboard"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

var (
	// ErrServiceStopped is returned by operations attempted after the
	// server shut down.
	ErrServiceStopped = errors.New("service stopped")

	// ErrAddressInUse is returned when an outbound candidate is already
	// connected or is our own advertised address.
	ErrAddressInUse = errors.New("address in use")
)

// broadcastMsg houses a message to be fanned out to pin-capable peers
// together with its completion callback.
type broadcastMsg struct {
	message wire.Message
	done    func(error)
}

// connCountQuery asks the peer handler for the number of fully negotiated
// connections carrying all of the given service bits.
type connCountQuery struct {
	services wire.ServiceFlag
	reply    chan int
}

// connectedQuery asks the peer handler whether a connection to the address
// already exists.
type connectedQuery struct {
	addr  *wire.NetAddress
	reply chan bool
}

// peersSnapshotQuery asks the peer handler for the current peer list.
type peersSnapshotQuery struct {
	reply chan []*serverPeer
}

// peerState maintains the server's view of connected peers.  It is owned by
// the peerHandler goroutine; all other goroutines reach it through the
// query channel.
type peerState struct {
	inboundPeers  map[int32]*serverPeer
	outboundPeers map[int32]*serverPeer
}

// Count returns the count of all known peers.
func (ps *peerState) Count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers)
}

// forAllPeers is a helper function that runs closure on all peers known to
// peerState.
func (ps *peerState) forAllPeers(closure func(sp *serverPeer)) {
	for _, sp := range ps.inboundPeers {
		closure(sp)
	}
	for _, sp := range ps.outboundPeers {
		closure(sp)
	}
}

// Server is the overlay node.
type Server struct {
	// The following variables must only be used atomically.
	bytesReceived uint64
	bytesSent     uint64
	started       int32
	shutdown      int32

	cfg         *Config
	addrManager *addrmgr.AddrManager
	chain       *chainsync.SyncState
	pins        *pinboard.Pinboard
	services    wire.ServiceFlag

	newPeers  chan *serverPeer
	donePeers chan *serverPeer
	broadcast chan broadcastMsg
	query     chan interface{}
	wg        sync.WaitGroup
	quit      chan struct{}

	listeners []net.Listener

	logger corelog.ILogger
	zlog   *zap.Logger
}

// NewServer returns a new overlay server.  Use Start to begin accepting
// connections from peers.
func NewServer(cfg *Config, chain *chainsync.SyncState, pins *pinboard.Pinboard) (*Server, error) {
	cfg.normalize()

	zlog := cfg.Logger.With(zap.String("unit", "p2p"))

	s := &Server{
		cfg:         cfg,
		addrManager: addrmgr.New(cfg.MaxAddresses, cfg.HostsFile, cfg.Logger),
		chain:       chain,
		pins:        pins,
		services:    defaultServices,
		newPeers:    make(chan *serverPeer, cfg.MaxInbound+cfg.TargetOutbound),
		donePeers:   make(chan *serverPeer, cfg.MaxInbound+cfg.TargetOutbound),
		broadcast:   make(chan broadcastMsg, cfg.MaxInbound+cfg.TargetOutbound),
		query:       make(chan interface{}),
		quit:        make(chan struct{}),
		logger:      corelog.Adapter(zlog),
		zlog:        zlog,
	}

	if len(cfg.Listeners) > 0 {
		for _, addr := range cfg.Listeners {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, errors.Wrapf(err, "can't listen on %s", addr)
			}
			s.listeners = append(s.listeners, listener)
		}
	}

	return s, nil
}

// Start begins accepting connections from peers and dialing outbound ones.
func (s *Server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	s.logger.Tracef("starting server")

	s.addrManager.Start()

	s.wg.Add(1)
	go s.peerHandler()

	for _, listener := range s.listeners {
		s.wg.Add(1)
		go s.listenHandler(listener)
	}

	if !s.cfg.DisableDNSSeed {
		s.wg.Add(1)
		go s.seedFromDNS()
	}

	for _, addr := range s.cfg.ConnectPeers {
		s.wg.Add(1)
		go s.persistentConnectHandler(addr)
	}

	s.wg.Add(1)
	go s.outboundHandler()
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.  A second call is a no-op.
func (s *Server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		s.logger.Infof("server is already in the process of shutting down")
		return nil
	}

	for _, listener := range s.listeners {
		_ = listener.Close()
	}

	s.addrManager.Stop()

	// Signal the remaining goroutines to quit.
	close(s.quit)
	return nil
}

// WaitForShutdown blocks until the main listener and peer handlers are
// stopped.  It must be called from the goroutine that created the server.
func (s *Server) WaitForShutdown() {
	s.wg.Wait()
}

// Stopped reports whether Stop was invoked.
func (s *Server) Stopped() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// AddrManager exposes the address cache.
func (s *Server) AddrManager() *addrmgr.AddrManager {
	return s.addrManager
}

// ListenAddrs returns the bound listener addresses.
func (s *Server) ListenAddrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, listener := range s.listeners {
		addrs = append(addrs, listener.Addr().String())
	}
	return addrs
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server and broadcasting messages to peers.  It must
// be run in a goroutine.
func (s *Server) peerHandler() {
	state := &peerState{
		inboundPeers:  make(map[int32]*serverPeer),
		outboundPeers: make(map[int32]*serverPeer),
	}

out:
	for {
		select {
		// New peers connected to the server.
		case sp := <-s.newPeers:
			s.handleAddPeerMsg(state, sp)

		// Disconnected peers.
		case sp := <-s.donePeers:
			s.handleDonePeerMsg(state, sp)

		// Message to fan out to pin-capable peers.
		case bmsg := <-s.broadcast:
			s.handleBroadcastMsg(state, &bmsg)

		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)

		case <-s.quit:
			// Disconnect all peers on server shutdown.
			state.forAllPeers(func(sp *serverPeer) {
				s.logger.Tracef("shutdown peer %s", sp)
				sp.Disconnect()
			})
			break out
		}
	}

	// Drain channels before exiting so nothing is left waiting around to
	// send.
cleanup:
	for {
		select {
		case <-s.newPeers:
		case <-s.donePeers:
		case bmsg := <-s.broadcast:
			if bmsg.done != nil {
				bmsg.done(ErrServiceStopped)
			}
		case qmsg := <-s.query:
			s.handleQuery(&peerState{
				inboundPeers:  map[int32]*serverPeer{},
				outboundPeers: map[int32]*serverPeer{},
			}, qmsg)
		default:
			break cleanup
		}
	}
	s.wg.Done()
	s.logger.Tracef("peer handler done")
}

// handleAddPeerMsg deals with adding new peers.
func (s *Server) handleAddPeerMsg(state *peerState, sp *serverPeer) {
	if sp == nil {
		return
	}

	// Ignore new peers if we're shutting down.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		sp.Disconnect()
		return
	}

	// Limit max number of inbound peers.
	if sp.Inbound() && len(state.inboundPeers) >= s.cfg.MaxInbound {
		s.logger.Infof("max inbound peers reached [%d] - disconnecting peer %s",
			s.cfg.MaxInbound, sp)
		sp.Disconnect()
		return
	}

	if sp.Inbound() {
		state.inboundPeers[sp.ID()] = sp
	} else {
		state.outboundPeers[sp.ID()] = sp
	}
	s.logger.Debugf("new peer %s, total %d", sp, state.Count())
}

// handleDonePeerMsg deals with peers that have signalled they are done.
func (s *Server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	var list map[int32]*serverPeer
	if sp.Inbound() {
		list = state.inboundPeers
	} else {
		list = state.outboundPeers
	}
	if _, ok := list[sp.ID()]; ok {
		delete(list, sp.ID())
		s.logger.Debugf("removed peer %s, total %d", sp, state.Count())
	}
}

// handleBroadcastMsg fans a message out to every fully negotiated peer that
// advertises the pin service bit.  Objects route through the pin-sync
// protocol so the receiving peer first gets any headers bridging from its
// last known block to the pin's anchor; other messages are queued directly.
// The completion callback fires exactly once after the last send reported.
func (s *Server) handleBroadcastMsg(state *peerState, bmsg *broadcastMsg) {
	objMsg, isObject := bmsg.message.(*wire.MsgObject)

	var targets []*serverPeer
	state.forAllPeers(func(sp *serverPeer) {
		if !sp.Connected() || !sp.VerAckReceived() {
			return
		}
		if !sp.Services().HasFlag(wire.SFNodePinboard) {
			return
		}
		if isObject && sp.IsKnownObject(objMsg.Payload.ID()) {
			return
		}
		targets = append(targets, sp)
	})

	if len(targets) == 0 {
		if bmsg.done != nil {
			go bmsg.done(nil)
		}
		return
	}

	remaining := int32(len(targets))
	for _, sp := range targets {
		sp := sp
		completed := func() {
			if atomic.AddInt32(&remaining, -1) == 0 && bmsg.done != nil {
				bmsg.done(nil)
			}
		}

		if isObject && sp.pinSync != nil {
			sp.AddKnownObject(objMsg.Payload.ID())
			go func() {
				sp.pinSync.sendObject(&objMsg.Payload)
				completed()
			}()
			continue
		}

		doneChan := make(chan struct{}, 1)
		sp.QueueMessage(bmsg.message, doneChan)
		go func() {
			<-doneChan
			completed()
		}()
	}
}

// handleQuery is the central handler for all queries from other goroutines
// related to peer state.
func (s *Server) handleQuery(state *peerState, querymsg interface{}) {
	switch msg := querymsg.(type) {
	case connCountQuery:
		count := 0
		state.forAllPeers(func(sp *serverPeer) {
			if sp.Connected() && sp.VerAckReceived() &&
				sp.Services().HasFlag(msg.services) {
				count++
			}
		})
		msg.reply <- count

	case connectedQuery:
		found := false
		state.forAllPeers(func(sp *serverPeer) {
			na := sp.NA()
			if na != nil && na.Match(msg.addr) {
				found = true
			}
		})
		msg.reply <- found

	case peersSnapshotQuery:
		peers := make([]*serverPeer, 0, state.Count())
		state.forAllPeers(func(sp *serverPeer) {
			if sp.Connected() {
				peers = append(peers, sp)
			}
		})
		msg.reply <- peers
	}
}

// BroadcastToPinPeers sends msg to all connected peers advertising the pin
// service bit.  done, when non-nil, fires exactly once after the last
// per-peer send has reported.  There is no ordering between peers.
func (s *Server) BroadcastToPinPeers(msg wire.Message, done func(error)) {
	if atomic.LoadInt32(&s.shutdown) != 0 {
		if done != nil {
			done(ErrServiceStopped)
		}
		return
	}

	select {
	case s.broadcast <- broadcastMsg{message: msg, done: done}:
	case <-s.quit:
		if done != nil {
			done(ErrServiceStopped)
		}
	}
}

// ConnectionCount returns the number of fully negotiated connections
// advertising all of the given service bits.
func (s *Server) ConnectionCount(services wire.ServiceFlag) int {
	reply := make(chan int, 1)
	select {
	case s.query <- connCountQuery{services: services, reply: reply}:
		return <-reply
	case <-s.quit:
		return 0
	}
}

// Connected reports whether a connection to the given address exists.
func (s *Server) Connected(addr *wire.NetAddress) bool {
	reply := make(chan bool, 1)
	select {
	case s.query <- connectedQuery{addr: addr, reply: reply}:
		return <-reply
	case <-s.quit:
		return false
	}
}

// Peers returns a snapshot of the currently connected peers.
func (s *Server) Peers() []*serverPeer {
	reply := make(chan []*serverPeer, 1)
	select {
	case s.query <- peersSnapshotQuery{reply: reply}:
		return <-reply
	case <-s.quit:
		return nil
	}
}

// AddressCount returns the number of cached addresses advertising all of
// the given service bits.
func (s *Server) AddressCount(services wire.ServiceFlag) int {
	return s.addrManager.AddressCount(services)
}

// AddBytesSent adds the passed number of bytes to the total bytes sent
// counter for the server.  It is safe for concurrent access.
func (s *Server) AddBytesSent(bytesSent uint64) {
	atomic.AddUint64(&s.bytesSent, bytesSent)
}

// AddBytesReceived adds the passed number of bytes to the total bytes
// received counter for the server.  It is safe for concurrent access.
func (s *Server) AddBytesReceived(bytesReceived uint64) {
	atomic.AddUint64(&s.bytesReceived, bytesReceived)
}

// NetTotals returns the sum of all bytes received and sent across the
// network for all peers.  It is safe for concurrent access.
func (s *Server) NetTotals() (uint64, uint64) {
	return atomic.LoadUint64(&s.bytesReceived),
		atomic.LoadUint64(&s.bytesSent)
}
