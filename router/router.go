// router.go - Router identities and contacts.
// Copyright (C) 2018  LLARP developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package router defines router identities, signed router contacts and the
// XOR distance metric used for DHT-style nearest selection.
package router

import (
	"bytes"
	"encoding/base32"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// IDSize is the size of a router identity in bytes.
const IDSize = 32

// RouterID names a router on the overlay, it is the hash of the router's
// identity key.
type RouterID [IDSize]byte

var zeroID RouterID

// IsZero returns true if the id is unset.
func (id RouterID) IsZero() bool {
	return id == zeroID
}

// String returns the base32 rendering of the id.
func (id RouterID) String() string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])
}

// Distance returns the XOR metric distance between two ids.
func Distance(a, b RouterID) RouterID {
	var d RouterID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less compares two distances (or ids) as big endian integers.
func Less(a, b RouterID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

var ccbor cbor.EncMode

func init() {
	var err error
	ccbor, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// ErrInvalidSignature is returned when a router contact fails signature
// verification.
var ErrInvalidSignature = errors.New("router: invalid contact signature")

// RouterContact describes a reachable router: its identity key, transport
// addresses and a self signature.  Transport address semantics belong to
// the link layer, they are carried opaquely here.
type RouterContact struct {
	// PublicKey is the router's identity signing key.
	PublicKey []byte

	// Addrs is the opaque list of link layer addresses.
	Addrs [][]byte

	// LastUpdated is the signing time in milliseconds since the epoch.
	LastUpdated uint64

	// Signature is the self signature over the contact.
	Signature []byte `cbor:",omitempty"`
}

// ID derives the RouterID from the contact's identity key.
func (rc *RouterContact) ID() RouterID {
	var pk ed25519.PublicKey
	if err := pk.FromBytes(rc.PublicKey); err != nil {
		return zeroID
	}
	return RouterID(pk.Sum256())
}

func (rc *RouterContact) sigPreimage() ([]byte, error) {
	clone := *rc
	clone.Signature = nil
	return ccbor.Marshal(&clone)
}

// Sign self signs the contact.
func (rc *RouterContact) Sign(k *ed25519.PrivateKey) error {
	rc.Signature = nil
	blob, err := rc.sigPreimage()
	if err != nil {
		return err
	}
	rc.Signature = k.SignMessage(blob)
	return nil
}

// Verify checks the self signature.
func (rc *RouterContact) Verify() error {
	if len(rc.Signature) == 0 {
		return ErrInvalidSignature
	}
	var pk ed25519.PublicKey
	if err := pk.FromBytes(rc.PublicKey); err != nil {
		return ErrInvalidSignature
	}
	blob, err := rc.sigPreimage()
	if err != nil {
		return err
	}
	if !pk.Verify(rc.Signature, blob) {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal serializes the contact.
func (rc *RouterContact) Marshal() ([]byte, error) {
	return ccbor.Marshal(rc)
}

// Unmarshal deserializes the contact.
func (rc *RouterContact) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, rc)
}
