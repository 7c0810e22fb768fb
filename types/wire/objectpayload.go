// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/holiman/uint256"

	"gitlab.com/pinboard/pinboardd/types/chainhash"
	"gitlab.com/pinboard/pinboardd/types/pow"
)

// MaxObjectBodyLen bounds the pin body.  Anything larger would never earn a
// useful lifetime anyway since TTL is divided by serialized size.
const MaxObjectBodyLen = 1024 * 64

// ObjectPayload is a pin: an arbitrary body (possibly elided down to its
// multihash identifier) plus the proof-of-work certificate that buys its
// storage lifetime.
//
// The derived values - the gossip identifier, the body multihash and the
// proof-of-work value - are expensive and therefore computed lazily and
// cached.  The caches are safe for concurrent use; do not copy a payload
// once any of them may have been populated.
type ObjectPayload struct {
	// Body is the pin content.  It may be empty, in which case BodyID
	// identifies content the sender chose not to inline.
	Body []byte

	// BodyID is the multihash of Body.  It is only serialized when Body
	// is empty; otherwise receivers recompute it.
	BodyID Multihash

	// Pow is the certificate binding the pin to an anchor header.
	Pow PowCertificate

	cacheMtx      sync.Mutex
	idCache       *chainhash.Hash
	powHashCache  *chainhash.Hash
	powValueCache *uint256.Int
	workDoneCache *uint256.Int
}

// NewObjectPayload returns a payload carrying the given body and an empty
// certificate.
func NewObjectPayload(body []byte) *ObjectPayload {
	return &ObjectPayload{Body: body}
}

// IsValid reports whether the payload could ever be admitted: either a body
// or a body identifier is present, the identifier is well formed and the
// certificate references an anchor.
func (p *ObjectPayload) IsValid() bool {
	if len(p.Body) == 0 && p.BodyID.Empty() {
		return false
	}
	return p.BodyID.IsValid() && p.Pow.IsValid()
}

// Reset clears the payload and every cached derivation.
func (p *ObjectPayload) Reset() {
	p.Body = nil
	p.BodyID.Reset()
	p.Pow.Reset()
	p.InvalidateCache()
}

// InvalidateCache drops every cached derivation.
func (p *ObjectPayload) InvalidateCache() {
	p.cacheMtx.Lock()
	p.idCache = nil
	p.powHashCache = nil
	p.powValueCache = nil
	p.workDoneCache = nil
	p.cacheMtx.Unlock()
}

// Decode reads an encoded ObjectPayload from r.  On any parse failure the
// payload is reset to its zero state.
func (p *ObjectPayload) Decode(r io.Reader, pver uint32) error {
	p.Reset()

	body, err := ReadVarBytes(r, pver, MaxObjectBodyLen, "object body")
	if err != nil {
		p.Reset()
		return err
	}

	if len(body) > 0 {
		p.Body = body
	} else if err := p.BodyID.Decode(r, pver); err != nil {
		p.Reset()
		return err
	}

	if err := p.Pow.Decode(r, pver); err != nil {
		p.Reset()
		return err
	}

	return nil
}

// Encode writes the ObjectPayload to w.
func (p *ObjectPayload) Encode(w io.Writer, pver uint32) error {
	if err := WriteVarBytes(w, pver, p.Body); err != nil {
		return err
	}

	if len(p.Body) == 0 {
		if err := p.BodyID.Encode(w, pver); err != nil {
			return err
		}
	}

	return p.Pow.Encode(w, pver)
}

// SerializeSize returns the number of bytes the encoded payload occupies.
func (p *ObjectPayload) SerializeSize() int {
	size := VarIntSerializeSize(uint64(len(p.Body))) + len(p.Body)
	if len(p.Body) == 0 {
		size += p.BodyID.SerializeSize()
	}
	return size + p.Pow.SerializeSize()
}

// Bytes returns the wire encoding of the payload.
func (p *ObjectPayload) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, p.SerializeSize()))
	_ = p.Encode(buf, 0)
	return buf.Bytes()
}

// ID returns the gossip identifier of the pin: the sha256 of its wire
// encoding.  The result is cached.
func (p *ObjectPayload) ID() chainhash.Hash {
	p.cacheMtx.Lock()
	defer p.cacheMtx.Unlock()

	if p.idCache == nil {
		id := chainhash.HashH(p.Bytes())
		p.idCache = &id
	}
	return *p.idCache
}

// GetBodyID returns the multihash identifier of the body, computing and
// caching it when the payload was built from an inline body.
func (p *ObjectPayload) GetBodyID() (Multihash, error) {
	p.cacheMtx.Lock()
	defer p.cacheMtx.Unlock()
	return p.bodyID()
}

// bodyID must be called with cacheMtx held.
func (p *ObjectPayload) bodyID() (Multihash, error) {
	if p.BodyID.Empty() {
		id, err := NewBodyID(p.Body)
		if err != nil {
			return Multihash{}, err
		}
		p.BodyID = id
	}
	return p.BodyID, nil
}

// PowHash returns the proof-of-work digest of the pin: the default
// algorithm applied to the body identifier concatenated with the
// certificate.  The result is cached.
func (p *ObjectPayload) PowHash() (chainhash.Hash, error) {
	p.cacheMtx.Lock()
	defer p.cacheMtx.Unlock()

	if p.powHashCache == nil {
		id, err := p.bodyID()
		if err != nil {
			return chainhash.Hash{}, err
		}
		h := pow.Sum(pow.DefaultType, p.Pow.PowBlob(id.Bytes()))
		p.powHashCache = &h
	}
	return *p.powHashCache, nil
}

// PowValue returns the proof-of-work digest interpreted as a 256-bit
// unsigned integer.  Smaller is more work.  The result is cached.
func (p *ObjectPayload) PowValue() (*uint256.Int, error) {
	h, err := p.PowHash()
	if err != nil {
		return nil, err
	}

	p.cacheMtx.Lock()
	defer p.cacheMtx.Unlock()
	if p.powValueCache == nil {
		p.powValueCache = pow.HashToValue(&h)
	}
	return new(uint256.Int).Set(p.powValueCache), nil
}

// WorkDone returns the expected number of attempts the certificate
// represents.  The result is cached.
func (p *ObjectPayload) WorkDone() (*uint256.Int, error) {
	value, err := p.PowValue()
	if err != nil {
		return nil, err
	}

	p.cacheMtx.Lock()
	defer p.cacheMtx.Unlock()
	if p.workDoneCache == nil {
		p.workDoneCache = pow.WorkFromValue(value)
	}
	return new(uint256.Int).Set(p.workDoneCache), nil
}

// Equal reports whether both payloads carry the same wire fields.  Cached
// derivations are ignored.
func (p *ObjectPayload) Equal(other *ObjectPayload) bool {
	return bytes.Equal(p.Body, other.Body) &&
		p.BodyID.Equal(&other.BodyID) &&
		p.Pow == other.Pow
}

// String returns a debug representation of the payload.
func (p *ObjectPayload) String() string {
	return fmt.Sprintf("{body=%s id=%s pow=%s}",
		hex.EncodeToString(p.Body), p.BodyID.String(), p.Pow.String())
}
