// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// maxMultihashDigest is the largest digest accepted inside a multihash.
// Every function table entry we care about is 64 bytes or less.
const maxMultihashDigest = 128

// Multihash is a self-describing digest: an IANA function code followed by
// the digest length and the digest itself.  Codes follow the multiformats
// registry (identity=0x00, sha1=0x11, sha2-256=0x12, ...).  On the wire both
// the code and the length are CompactSize varints, which coincides with the
// canonical multihash encoding for every code and length below 0x80.
type Multihash struct {
	FnCode uint64
	Digest []byte
}

// NewMultihash returns a Multihash over the given function code and digest.
func NewMultihash(fnCode uint64, digest []byte) Multihash {
	return Multihash{FnCode: fnCode, Digest: digest}
}

// NewBodyID digests body with sha2-256 and wraps the result.  This is the
// identifier form used for pin bodies.
func NewBodyID(body []byte) (Multihash, error) {
	sum, err := mh.Sum(body, mh.SHA2_256, -1)
	if err != nil {
		return Multihash{}, err
	}

	decoded, err := mh.Decode(sum)
	if err != nil {
		return Multihash{}, err
	}

	return Multihash{FnCode: decoded.Code, Digest: decoded.Digest}, nil
}

// Empty reports whether no digest is present.
func (m *Multihash) Empty() bool {
	return len(m.Digest) == 0
}

// IsValid reports whether the function code is a registered multihash code
// and the digest is within bounds.  An all-default Multihash is valid; it
// stands for "not present".
func (m *Multihash) IsValid() bool {
	if m.Empty() {
		return m.FnCode == 0
	}
	if len(m.Digest) > maxMultihashDigest {
		return false
	}
	_, known := mh.Codes[m.FnCode]
	return known
}

// Reset clears the multihash back to its zero state.
func (m *Multihash) Reset() {
	m.FnCode = 0
	m.Digest = nil
}

// Decode reads an encoded Multihash from r.
func (m *Multihash) Decode(r io.Reader, pver uint32) error {
	fnCode, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	digest, err := ReadVarBytes(r, pver, maxMultihashDigest, "multihash digest")
	if err != nil {
		return err
	}

	m.FnCode = fnCode
	m.Digest = digest
	return nil
}

// Encode writes the Multihash to w.
func (m *Multihash) Encode(w io.Writer, pver uint32) error {
	if err := WriteVarInt(w, m.FnCode); err != nil {
		return err
	}
	return WriteVarBytes(w, pver, m.Digest)
}

// SerializeSize returns the number of bytes the encoded multihash occupies.
func (m *Multihash) SerializeSize() int {
	return VarIntSerializeSize(m.FnCode) +
		VarIntSerializeSize(uint64(len(m.Digest))) + len(m.Digest)
}

// Bytes returns the canonical multihash encoding.
func (m *Multihash) Bytes() []byte {
	var buf bytes.Buffer
	_ = m.Encode(&buf, 0)
	return buf.Bytes()
}

// Verify recomputes the digest of data under the multihash function code and
// compares it to the stored digest.
func (m *Multihash) Verify(data []byte) error {
	sum, err := mh.Sum(data, m.FnCode, len(m.Digest))
	if err != nil {
		return err
	}

	decoded, err := mh.Decode(sum)
	if err != nil {
		return err
	}

	if !bytes.Equal(decoded.Digest, m.Digest) {
		return fmt.Errorf("multihash mismatch for code 0x%x", m.FnCode)
	}
	return nil
}

// Equal reports whether both multihashes carry the same code and digest.
func (m *Multihash) Equal(other *Multihash) bool {
	return m.FnCode == other.FnCode && bytes.Equal(m.Digest, other.Digest)
}

// Base58 renders the canonical encoding in base58, the conventional display
// form for multihashes.
func (m *Multihash) Base58() string {
	return base58.Encode(m.Bytes())
}

// String returns a debug representation of the multihash.
func (m *Multihash) String() string {
	return fmt.Sprintf("{fn=0x%x digest=%s}", m.FnCode, hex.EncodeToString(m.Digest))
}
