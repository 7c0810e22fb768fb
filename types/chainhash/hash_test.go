// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainhash

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestHashString ensures the byte-reversed hex convention round trips.
func TestHashString(t *testing.T) {
	wantStr := "2dd9a6d0d30ded8925c303b8228713e72c345e0e3aed488897643d6d35b9d6ee"

	hash, err := NewHashFromStr(wantStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	if hash.String() != wantStr {
		t.Errorf("String: got %v, want %v", hash.String(), wantStr)
	}

	// The in-memory order must be the reverse of the display order.
	rawHex := make([]byte, HashSize)
	if _, err := hex.Decode(rawHex, []byte(wantStr)); err != nil {
		t.Fatalf("hex decode: %v", err)
	}
	for i := 0; i < HashSize; i++ {
		if hash[i] != rawHex[HashSize-1-i] {
			t.Fatalf("byte %d not reversed", i)
		}
	}
}

// TestHashSetBytes ensures SetBytes enforces the length.
func TestHashSetBytes(t *testing.T) {
	var hash Hash
	if err := hash.SetBytes(bytes.Repeat([]byte{0x01}, HashSize)); err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	if err := hash.SetBytes([]byte{0x01}); err == nil {
		t.Fatal("SetBytes accepted short input")
	}
}

// TestHashIsZero ensures the null sentinel is recognized.
func TestHashIsZero(t *testing.T) {
	var hash Hash
	if !hash.IsZero() {
		t.Error("zero hash not reported as zero")
	}
	hash[0] = 1
	if hash.IsZero() {
		t.Error("non-zero hash reported as zero")
	}
}

// TestDoubleHash checks the double sha256 against a known vector.
func TestDoubleHash(t *testing.T) {
	// sha256(sha256("hello"))
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"

	got := DoubleHashH([]byte("hello"))
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("DoubleHashH: got %x, want %s", got[:], want)
	}

	if !bytes.Equal(DoubleHashB([]byte("hello")), got[:]) {
		t.Error("DoubleHashB and DoubleHashH disagree")
	}
}
