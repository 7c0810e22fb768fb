// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"net"

	"github.com/pkg/errors"
)

// GuessExternalIP discovers the local end the operating system would route
// packets to a public resolver from.  Opening a UDP socket toward
// 8.8.8.8:53 and reading the socket's local address is a pure routing
// query: no packet is sent.
func GuessExternalIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return nil, errors.Wrap(err, "can't open probe socket")
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}

	if localAddr.IP.IsLoopback() || localAddr.IP.IsUnspecified() {
		return nil, errors.Errorf("local address %s is not routable", localAddr.IP)
	}

	return localAddr.IP, nil
}
