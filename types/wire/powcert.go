// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
)

// powCertNonceLen is the fixed length of the nonce field on the wire.
const powCertNonceLen = 8

// PowCertificate carries the proof-of-work that buys a pin its lifetime.
// The anchor is the hash of a block header on the host chain; the work is
// counted from that header's timestamp.
type PowCertificate struct {
	Type   pow.Type
	Tag    pow.ChainTag
	Anchor chainhash.Hash
	Nonce  uint64
}

// NewPowCertificate returns a certificate over the provided fields.
func NewPowCertificate(typ pow.Type, tag pow.ChainTag, anchor chainhash.Hash,
	nonce uint64) *PowCertificate {

	return &PowCertificate{
		Type:   typ,
		Tag:    tag,
		Anchor: anchor,
		Nonce:  nonce,
	}
}

// IsValid reports whether the certificate fields are in range and an anchor
// is present.
func (c *PowCertificate) IsValid() bool {
	return c.Type < pow.MaxType && c.Tag < pow.MaxChainTag && !c.Anchor.IsZero()
}

// Reset clears the certificate back to its zero state.
func (c *PowCertificate) Reset() {
	c.Type = pow.Plain
	c.Tag = pow.TagUnknown
	c.Anchor = chainhash.ZeroHash
	c.Nonce = 0
}

// Decode reads an encoded PowCertificate from r.
func (c *PowCertificate) Decode(r io.Reader, pver uint32) error {
	typ, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	tag, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	if err := ReadElement(r, &c.Anchor); err != nil {
		return err
	}

	nonce, err := BinarySerializer.Uint64(r, littleEndian)
	if err != nil {
		return err
	}

	c.Type = pow.Type(typ)
	c.Tag = pow.ChainTag(tag)
	c.Nonce = nonce
	return nil
}

// Encode writes the PowCertificate to w.
func (c *PowCertificate) Encode(w io.Writer, pver uint32) error {
	if err := WriteVarInt(w, uint64(c.Type)); err != nil {
		return err
	}
	if err := WriteVarInt(w, uint64(c.Tag)); err != nil {
		return err
	}
	if err := WriteElement(w, &c.Anchor); err != nil {
		return err
	}
	return BinarySerializer.PutUint64(w, littleEndian, c.Nonce)
}

// SerializeSize returns the number of bytes the encoded certificate
// occupies.
func (c *PowCertificate) SerializeSize() int {
	return VarIntSerializeSize(uint64(c.Type)) +
		VarIntSerializeSize(uint64(c.Tag)) +
		chainhash.HashSize + powCertNonceLen
}

// Bytes returns the wire encoding of the certificate.
func (c *PowCertificate) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, c.SerializeSize()))
	_ = c.Encode(buf, 0)
	return buf.Bytes()
}

// PowBlob builds the byte string the proof-of-work digest is computed over:
// the multihash identifier of the pin body followed by the certificate
// itself (nonce included).
func (c *PowCertificate) PowBlob(bodyID []byte) []byte {
	blob := make([]byte, 0, len(bodyID)+c.SerializeSize())
	blob = append(blob, bodyID...)
	return append(blob, c.Bytes()...)
}

// String returns a debug representation of the certificate.
func (c *PowCertificate) String() string {
	return fmt.Sprintf("{type=%s tag=%d anchor=%s nonce=%d}",
		c.Type, uint32(c.Tag), c.Anchor, c.Nonce)
}
