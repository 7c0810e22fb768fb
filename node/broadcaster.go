// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node glues the overlay subsystems together.  The header tracker
// and the pin store both need the broadcaster before the network server
// exists, so the broadcaster is an indirection that gets linked to the
// server once it is constructed.
package node

import (
	"sync"

	"gitlab.com/pinboard/pinboardd/network/p2p"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

// MessageBroadcaster fans messages out to pin-capable peers.  Before
// LinkToNode is called, broadcasts complete immediately with
// p2p.ErrServiceStopped.
type MessageBroadcaster struct {
	mtx    sync.RWMutex
	server *p2p.Server
}

// NewMessageBroadcaster returns an unlinked broadcaster.
func NewMessageBroadcaster() *MessageBroadcaster {
	return &MessageBroadcaster{}
}

// LinkToNode attaches the broadcaster to the running server.
func (b *MessageBroadcaster) LinkToNode(server *p2p.Server) {
	b.mtx.Lock()
	b.server = server
	b.mtx.Unlock()
}

// BroadcastToPinPeers sends msg to all peers advertising the pin service
// bit.  done, when non-nil, fires exactly once.
func (b *MessageBroadcaster) BroadcastToPinPeers(msg wire.Message, done func(error)) {
	b.mtx.RLock()
	server := b.server
	b.mtx.RUnlock()

	if server == nil {
		if done != nil {
			done(p2p.ErrServiceStopped)
		}
		return
	}

	server.BroadcastToPinPeers(msg, done)
}
