// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
)

// TestMessageRoundTrip frames and unframes one message of every command
// the overlay speaks.
func TestMessageRoundTrip(t *testing.T) {
	na := NewNetAddressIPPort(net.ParseIP("10.1.2.3"), 9333,
		SFNodeNetwork|SFNodePinboard)
	you := NewNetAddressIPPort(net.ParseIP("192.168.1.1"), 9333, SFNodeNetwork)

	addrMsg := NewMsgAddr()
	require.NoError(t, addrMsg.AddAddress(na))

	invMsg := NewMsgInv()
	hash := chainhash.DoubleHashH([]byte("block"))
	require.NoError(t, invMsg.AddInvVect(NewInvVect(InvTypeBlock, &hash)))

	getHeadersMsg := NewMsgGetHeaders()
	getHeadersMsg.ProtocolVersion = ProtocolVersion
	locator := chainhash.DoubleHashH([]byte("locator"))
	require.NoError(t, getHeadersMsg.AddBlockLocatorHash(&locator))
	getHeadersMsg.HashStop = hash

	headersMsg := NewMsgHeaders()
	prev := chainhash.DoubleHashH([]byte("prev"))
	merkle := chainhash.DoubleHashH([]byte("merkle"))
	require.NoError(t, headersMsg.AddBlockHeader(NewBlockHeader(2, &prev,
		&merkle, uint32(time.Now().Unix()), 0x207fffff, 12345)))

	objPayload := NewObjectPayload([]byte("framed pin"))
	objPayload.Pow = *NewPowCertificate(pow.Scrypt_14_1_8,
		pow.TagLitecoinMain, chainhash.DoubleHashH([]byte("anchor")), 5)

	messages := []Message{
		NewMsgVersion(&NetAddress{Services: SFNodePinboard}, you, 0x1234, 100),
		NewMsgVerAck(),
		NewMsgGetAddr(),
		addrMsg,
		invMsg,
		getHeadersMsg,
		headersMsg,
		NewMsgPing(0xcafe),
		NewMsgPong(0xcafe),
		NewMsgReject(CmdObject, RejectInvalid, "testing"),
		NewMsgObject(objPayload),
	}

	for _, msg := range messages {
		t.Run(msg.Command(), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := WriteMessageN(&buf, msg, ProtocolVersion, MainNet)
			require.NoError(t, err)
			require.Equal(t, buf.Len(), n)

			readN, decoded, _, err := ReadMessageN(&buf, ProtocolVersion, MainNet)
			require.NoError(t, err)
			require.Equal(t, n, readN)
			require.Equal(t, msg.Command(), decoded.Command())
		})
	}
}

// TestMessageWrongNetwork ensures messages from another network are
// rejected.
func TestMessageWrongNetwork(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessageN(&buf, NewMsgPing(1), ProtocolVersion, MainNet)
	require.NoError(t, err)

	_, _, _, err = ReadMessageN(&buf, ProtocolVersion, TestNet4)
	require.Error(t, err)
	require.Contains(t, err.Error(), "other network")
}

// TestMessageBadChecksum ensures payload corruption is caught.
func TestMessageBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessageN(&buf, NewMsgPing(7), ProtocolVersion, MainNet)
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // corrupt the payload

	_, _, _, err = ReadMessageN(bytes.NewReader(raw), ProtocolVersion, MainNet)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

// TestMessageUnknownCommand ensures unknown commands error out.
func TestMessageUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessageN(&buf, NewMsgPing(7), ProtocolVersion, MainNet)
	require.NoError(t, err)

	raw := buf.Bytes()
	copy(raw[4:16], append([]byte("bogus"), make([]byte, 7)...))

	_, _, _, err = ReadMessageN(bytes.NewReader(raw), ProtocolVersion, MainNet)
	require.Error(t, err)
}
