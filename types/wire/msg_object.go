// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"
)

// MsgObject implements the Message interface and carries a single pin.  It
// is the one command the overlay adds on top of the host chain's protocol.
type MsgObject struct {
	Payload ObjectPayload
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgObject) BtcDecode(r io.Reader, pver uint32, enc MessageEncoding) error {
	return msg.Payload.Decode(r, pver)
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgObject) BtcEncode(w io.Writer, pver uint32, enc MessageEncoding) error {
	return msg.Payload.Encode(w, pver)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgObject) Command() string {
	return CmdObject
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgObject) MaxPayloadLength(pver uint32) uint32 {
	// Body length (varInt) + max body + worst-case multihash + varint
	// pow type and tag + anchor + nonce.
	return MaxVarIntPayload + MaxObjectBodyLen + 3 + maxMultihashDigest +
		(2 * MaxVarIntPayload) + 32 + 8
}

// NewMsgObject returns a new object message carrying the given payload.
func NewMsgObject(payload *ObjectPayload) *MsgObject {
	msg := &MsgObject{}
	msg.Payload.Body = payload.Body
	msg.Payload.BodyID = payload.BodyID
	msg.Payload.Pow = payload.Pow
	return msg
}
