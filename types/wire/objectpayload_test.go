// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	sha256 "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
)

func testAnchor() chainhash.Hash {
	var anchor chainhash.Hash
	for i := range anchor {
		anchor[i] = byte(i + 1)
	}
	return anchor
}

func TestMultihashRoundTrip(t *testing.T) {
	id, err := NewBodyID([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(mh.SHA2_256), id.FnCode)
	require.Len(t, id.Digest, 32)
	require.True(t, id.IsValid())

	// The digest must be the single sha256 of the body.
	sum := sha256.Sum256([]byte("hello"))
	require.Equal(t, sum[:], id.Digest)

	var buf bytes.Buffer
	require.NoError(t, id.Encode(&buf, ProtocolVersion))
	require.Equal(t, id.SerializeSize(), buf.Len())

	// Canonical multihash framing: fn code, length, digest.
	require.Equal(t, byte(0x12), buf.Bytes()[0])
	require.Equal(t, byte(0x20), buf.Bytes()[1])

	var decoded Multihash
	require.NoError(t, decoded.Decode(&buf, ProtocolVersion))
	require.True(t, id.Equal(&decoded))

	require.NoError(t, decoded.Verify([]byte("hello")))
	require.Error(t, decoded.Verify([]byte("goodbye")))
}

func TestPowCertificateRoundTrip(t *testing.T) {
	cert := NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 0xdeadbeefcafef00d)
	require.True(t, cert.IsValid())

	var buf bytes.Buffer
	require.NoError(t, cert.Encode(&buf, ProtocolVersion))
	require.Equal(t, cert.SerializeSize(), buf.Len())

	// Two one-byte varints, the anchor, the 8-byte nonce.
	require.Equal(t, 1+1+32+8, buf.Len())

	var decoded PowCertificate
	require.NoError(t, decoded.Decode(&buf, ProtocolVersion))
	require.Equal(t, *cert, decoded)
}

func TestPowCertificateValidity(t *testing.T) {
	cert := NewPowCertificate(pow.Plain, pow.TagUnknown, testAnchor(), 0)
	require.True(t, cert.IsValid())

	// A null anchor is never valid.
	cert.Anchor = chainhash.ZeroHash
	require.False(t, cert.IsValid())

	// Out of range type and tag are rejected.
	cert = NewPowCertificate(pow.MaxType, pow.TagUnknown, testAnchor(), 0)
	require.False(t, cert.IsValid())
	cert = NewPowCertificate(pow.Plain, pow.MaxChainTag, testAnchor(), 0)
	require.False(t, cert.IsValid())
}

func TestObjectPayloadRoundTripInlineBody(t *testing.T) {
	payload := NewObjectPayload([]byte("hello pinboard"))
	payload.Pow = *NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 42)
	require.True(t, payload.IsValid())

	var buf bytes.Buffer
	require.NoError(t, payload.Encode(&buf, ProtocolVersion))
	require.Equal(t, payload.SerializeSize(), buf.Len())

	var decoded ObjectPayload
	require.NoError(t, decoded.Decode(&buf, ProtocolVersion))
	require.True(t, payload.Equal(&decoded))

	// Identifiers agree between the original and the decoded copy.
	require.Equal(t, payload.ID(), decoded.ID())

	wantID, err := payload.GetBodyID()
	require.NoError(t, err)
	gotID, err := decoded.GetBodyID()
	require.NoError(t, err)
	require.True(t, wantID.Equal(&gotID))
}

func TestObjectPayloadRoundTripBodyIDOnly(t *testing.T) {
	// A peer that already holds a pin may advertise it by id alone: the
	// body is elided and the multihash travels instead.
	id, err := NewBodyID([]byte("elided body"))
	require.NoError(t, err)

	payload := &ObjectPayload{BodyID: id}
	payload.Pow = *NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 7)
	require.True(t, payload.IsValid())

	var buf bytes.Buffer
	require.NoError(t, payload.Encode(&buf, ProtocolVersion))
	require.Equal(t, payload.SerializeSize(), buf.Len())

	var decoded ObjectPayload
	require.NoError(t, decoded.Decode(&buf, ProtocolVersion))
	require.True(t, payload.Equal(&decoded))
	require.Empty(t, decoded.Body)
	require.True(t, decoded.BodyID.Equal(&id))
}

func TestObjectPayloadValidity(t *testing.T) {
	// Neither body nor body id.
	empty := &ObjectPayload{}
	empty.Pow = *NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 0)
	require.False(t, empty.IsValid())

	// Null anchor fails through the certificate.
	payload := NewObjectPayload([]byte("x"))
	require.False(t, payload.IsValid())
}

func TestObjectPayloadDecodeFailureResets(t *testing.T) {
	payload := &ObjectPayload{}

	// A truncated stream must leave the payload in its zero state.
	broken := []byte{0x05, 0x01, 0x02} // claims 5 body bytes, delivers 2
	err := payload.Decode(bytes.NewReader(broken), ProtocolVersion)
	require.Error(t, err)
	require.Empty(t, payload.Body)
	require.True(t, payload.BodyID.Empty())
	require.Equal(t, chainhash.ZeroHash, payload.Pow.Anchor)
}

func TestObjectPayloadWorkDone(t *testing.T) {
	payload := NewObjectPayload([]byte("work vector"))
	payload.Pow = *NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 1)

	value, err := payload.PowValue()
	require.NoError(t, err)
	work, err := payload.WorkDone()
	require.NoError(t, err)
	require.False(t, work.IsZero())

	// The derivation is deterministic and cached.
	value2, err := payload.PowValue()
	require.NoError(t, err)
	require.Zero(t, value.Cmp(value2))

	// Same bytes, fresh payload: same work.
	clone := NewObjectPayload([]byte("work vector"))
	clone.Pow = payload.Pow
	cloneWork, err := clone.WorkDone()
	require.NoError(t, err)
	require.Zero(t, work.Cmp(cloneWork))
}

func TestMsgObject(t *testing.T) {
	payload := NewObjectPayload([]byte("message body"))
	payload.Pow = *NewPowCertificate(pow.Scrypt_14_1_8, pow.TagLitecoinMain,
		testAnchor(), 99)

	msg := NewMsgObject(payload)
	require.Equal(t, CmdObject, msg.Command())

	var buf bytes.Buffer
	require.NoError(t, msg.BtcEncode(&buf, ProtocolVersion, BaseEncoding))

	var decoded MsgObject
	require.NoError(t, decoded.BtcDecode(&buf, ProtocolVersion, BaseEncoding))
	require.True(t, msg.Payload.Equal(&decoded.Payload))
}
