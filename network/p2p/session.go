// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"sync"
	"time"

	"gitlab.com/pinboard/pinboardd/network/peer"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// serverPeer extends the peer to maintain state shared by the server and
// the per-session protocol instances attached to it.
type serverPeer struct {
	*peer.Peer

	server     *Server
	persistent bool
	quit       chan struct{}

	protoMtx   sync.Mutex
	addrProto  *addressProtocol
	headerSync *headerSyncProtocol
	pinSync    *pinSyncProtocol
}

// newServerPeer returns a new serverPeer instance.  The peer needs to be
// set by the caller.
func newServerPeer(s *Server, isPersistent bool) *serverPeer {
	return &serverPeer{
		server:     s,
		persistent: isPersistent,
		quit:       make(chan struct{}),
	}
}

// newPeerConfig returns the configuration for the given serverPeer.
func (sp *serverPeer) newPeerConfig() *peer.Config {
	cfg := sp.server.cfg
	return &peer.Config{
		NewestBlock:      sp.server.chain.TopHeight,
		Proxy:            cfg.Proxy,
		UserAgentName:    cfg.UserAgentName,
		UserAgentVersion: cfg.UserAgentVersion,
		PinNet:           cfg.ChainParams.Net,
		Services:         sp.server.services,
		ProtocolVersion:  peer.MaxProtocolVersion,
		DisableRelayTx:   true,
		AllowSelfConns:   cfg.AllowSelfConns,
		Listeners: peer.MessageListeners{
			OnVersion:    sp.OnVersion,
			OnVerAck:     sp.OnVerAck,
			OnGetAddr:    sp.OnGetAddr,
			OnAddr:       sp.OnAddr,
			OnInv:        sp.OnInv,
			OnHeaders:    sp.OnHeaders,
			OnGetHeaders: sp.OnGetHeaders,
			OnObject:     sp.OnObject,
			OnReject:     sp.OnReject,
			OnRead:       sp.onRead,
			OnWrite:      sp.onWrite,
		},
		Logger: cfg.Logger,
	}
}

// pinSyncProto returns the attached pin-sync protocol instance, when the
// session negotiated one.
func (sp *serverPeer) pinSyncProto() *pinSyncProtocol {
	sp.protoMtx.Lock()
	defer sp.protoMtx.Unlock()
	return sp.pinSync
}

// headerSyncProto returns the attached header-sync protocol instance.
func (sp *serverPeer) headerSyncProto() *headerSyncProtocol {
	sp.protoMtx.Lock()
	defer sp.protoMtx.Unlock()
	return sp.headerSync
}

// OnVersion is invoked when a peer receives a version message and is used
// to negotiate the protocol version details as well as kick start the
// communications.
func (sp *serverPeer) OnVersion(_ *peer.Peer, msg *wire.MsgVersion) *wire.MsgReject {
	// Outbound connections must serve the host chain network; otherwise
	// neither headers nor pins can be synced over them.
	if !sp.Inbound() && !msg.HasService(wire.SFNodeNetwork) {
		reason := "peer does not serve the network"
		return wire.NewMsgReject(msg.Command(), wire.RejectNonstandard, reason)
	}

	return nil
}

// OnVerAck is invoked when a peer receives a verack message: the handshake
// is complete, so the session's protocols are attached, in the order the
// framework protocols (ping, reject) come first, then the address
// exchange, header-sync and - when the remote carries the pin service bit -
// pin-sync.
func (sp *serverPeer) OnVerAck(_ *peer.Peer, _ *wire.MsgVerAck) {
	sp.attachProtocols()

	select {
	case sp.server.newPeers <- sp:
	case <-sp.server.quit:
		sp.Disconnect()
	}
}

// attachProtocols instantiates the per-session protocol state machines.
// Ping and reject handling live inside the peer itself; what is attached
// here is the overlay-specific machinery.
func (sp *serverPeer) attachProtocols() {
	sp.protoMtx.Lock()
	sp.addrProto = newAddressProtocol(sp)
	sp.headerSync = newHeaderSyncProtocol(sp)
	if sp.Services().HasFlag(wire.SFNodePinboard) {
		sp.pinSync = newPinSyncProtocol(sp)
	}
	addrProto := sp.addrProto
	headerSync := sp.headerSync
	pinSync := sp.pinSync
	sp.protoMtx.Unlock()

	addrProto.start()
	headerSync.start()
	if pinSync != nil {
		pinSync.start()
	} else {
		sp.server.logger.Infof("no pin service bit detected on [%s]", sp)
	}
}

// OnGetAddr is invoked when a peer receives a getaddr message and is used
// to provide the peer with the pin-capable addresses from the address
// manager, plus our own advertised address.
func (sp *serverPeer) OnGetAddr(_ *peer.Peer, _ *wire.MsgGetAddr) {
	proto := sp.addressProto()
	if proto != nil {
		proto.onGetAddr()
	}
}

// OnAddr is invoked when a peer receives an addr message and is used to
// store the advertised addresses.
func (sp *serverPeer) OnAddr(_ *peer.Peer, msg *wire.MsgAddr) {
	proto := sp.addressProto()
	if proto != nil {
		proto.onAddr(msg)
	}
}

// OnInv is invoked when a peer receives an inv message.  Block inventory
// drives both the header-sync and the pin-sync protocols.
func (sp *serverPeer) OnInv(_ *peer.Peer, msg *wire.MsgInv) {
	if hs := sp.headerSyncProto(); hs != nil {
		hs.onInventory(msg)
	}
	if ps := sp.pinSyncProto(); ps != nil {
		ps.onInventory(msg)
	}
}

// OnHeaders is invoked when a peer receives a headers message.
func (sp *serverPeer) OnHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	if hs := sp.headerSyncProto(); hs != nil {
		hs.onHeaders(msg)
	}
}

// OnGetHeaders is invoked when a peer receives a getheaders message.
func (sp *serverPeer) OnGetHeaders(_ *peer.Peer, msg *wire.MsgGetHeaders) {
	if hs := sp.headerSyncProto(); hs != nil {
		hs.onGetHeaders(msg)
	}
}

// OnObject is invoked when a peer receives an object message.
func (sp *serverPeer) OnObject(_ *peer.Peer, msg *wire.MsgObject) {
	ps := sp.pinSyncProto()
	if ps == nil {
		sp.server.logger.Debugf("object from peer %s without pin session, ignoring", sp)
		return
	}
	ps.onObject(msg)
}

// OnReject is invoked when a peer receives a reject message.
func (sp *serverPeer) OnReject(_ *peer.Peer, msg *wire.MsgReject) {
	sp.server.logger.Debugf("peer %s rejected %s: %s [%s]",
		sp, msg.Cmd, msg.Reason, msg.Code)
}

// onRead is invoked when a peer receives a message and updates the
// server-wide byte counters.
func (sp *serverPeer) onRead(_ *peer.Peer, bytesRead int, _ wire.Message, _ error) {
	sp.server.AddBytesReceived(uint64(bytesRead))
}

// onWrite is invoked when we write a message to a peer and updates the
// server-wide byte counters.
func (sp *serverPeer) onWrite(_ *peer.Peer, bytesWritten int, _ wire.Message, _ error) {
	sp.server.AddBytesSent(uint64(bytesWritten))
}

// addressProto returns the attached address protocol instance.
func (sp *serverPeer) addressProto() *addressProtocol {
	sp.protoMtx.Lock()
	defer sp.protoMtx.Unlock()
	return sp.addrProto
}

// addressProtocol is the per-session address exchange: it advertises our
// own address, requests more peers and keeps re-requesting while the cache
// is short of pin-capable hosts.
type addressProtocol struct {
	sp *serverPeer
}

func newAddressProtocol(sp *serverPeer) *addressProtocol {
	return &addressProtocol{sp: sp}
}

func (ap *addressProtocol) start() {
	sp := ap.sp
	cfg := sp.server.cfg

	if cfg.Self != nil {
		self := *cfg.Self
		self.Timestamp = time.Now()
		self.Services = sp.server.services
		_, _ = sp.PushAddrMsg([]*wire.NetAddress{&self})
	}

	// If we can't store addresses we don't ask for or handle them.
	if cfg.MaxAddresses == 0 {
		return
	}

	sp.QueueMessage(wire.NewMsgGetAddr(), nil)

	go ap.refreshHandler()
}

// refreshHandler periodically asks for more addresses while we know fewer
// pin-capable hosts than outbound slots.
func (ap *addressProtocol) refreshHandler() {
	sp := ap.sp
	ticker := time.NewTicker(addrRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			short := sp.server.AddressCount(wire.SFNodePinboard) <
				sp.server.cfg.TargetOutbound
			if short {
				sp.server.logger.Infof(
					"not enough pinboard addresses known, requesting more from [%s]", sp)
				sp.QueueMessage(wire.NewMsgGetAddr(), nil)
			}
		case <-sp.quit:
			return
		case <-sp.server.quit:
			return
		}
	}
}

func (ap *addressProtocol) onAddr(msg *wire.MsgAddr) {
	sp := ap.sp
	if sp.server.cfg.MaxAddresses == 0 {
		return
	}
	if len(msg.AddrList) == 0 {
		return
	}

	sp.server.logger.Debugf("storing addresses from [%s] (%d)",
		sp, len(msg.AddrList))
	sp.server.addrManager.Store(msg.AddrList)
}

func (ap *addressProtocol) onGetAddr() {
	sp := ap.sp

	// Only pin-capable hosts go into the response; our own address is
	// always appended when configured.
	addresses := sp.server.addrManager.Addresses(wire.SFNodePinboard)
	if self := sp.server.cfg.Self; self != nil {
		advertised := *self
		advertised.Timestamp = time.Now()
		advertised.Services = sp.server.services
		addresses = append(addresses, &advertised)
	}

	if len(addresses) == 0 {
		// Nothing to send; the peer may try again later.
		return
	}

	sp.server.logger.Debugf("sending addresses to [%s] (%d)",
		sp, len(addresses))
	_, _ = sp.PushAddrMsg(addresses)
}
