// crypto.go - Crypto context for the hidden service layer.
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

// Package crypto bundles the cryptographic primitives used by the hidden
// service layer.  The context is created at process start and passed to
// every component that needs it, nothing in here is a global.
package crypto

import (
	"errors"
	"io"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
)

const (
	// SharedKeySize is the size of a derived session key.
	SharedKeySize = 32

	// NonceSize is the size of a protocol frame nonce.
	NonceSize = 24
)

// SharedSecret is a derived symmetric session key.
type SharedSecret [SharedKeySize]byte

// ErrKeyExchange is returned when a DH exchange yields no usable secret.
var ErrKeyExchange = errors.New("crypto: key exchange failed")

// Context holds the primitive suite.  PQE is the KEM leg of the hybrid
// handshake, DH the classical leg.
type Context struct {
	// PQE is the post quantum KEM used for the receiver leg of the
	// asynchronous handshake.
	PQE kem.Scheme

	// Rand is the CSPRNG used for tags, nonces and transaction ids.
	Rand io.Reader
}

// New creates a crypto context with the default suite.
func New() *Context {
	return &Context{
		PQE:  mlkem768.Scheme(),
		Rand: rand.Reader,
	}
}

// Shorthash computes the 32 byte hash used for session key derivation and
// address computation.
func Shorthash(data []byte) [SharedKeySize]byte {
	return hash.Sum256(data)
}

// DH computes the classical key exchange leg keyed by a nonce.  Both sides
// obtain the same value: the x25519 shared group element is computed from
// (local private, remote public) and then hashed under the nonce.
func DH(local *x25519.PrivateKey, remote *x25519.PublicKey, nonce [NonceSize]byte) ([SharedKeySize]byte, error) {
	var out [SharedKeySize]byte
	secret := local.Exp(remote)
	h, err := blake2b.New256(nonce[:])
	if err != nil {
		return out, err
	}
	h.Write(secret)
	sum := h.Sum(nil)
	if len(sum) != SharedKeySize {
		return out, ErrKeyExchange
	}
	copy(out[:], sum)
	return out, nil
}

// Randomize fills b with random bytes from the context's CSPRNG.
func (c *Context) Randomize(b []byte) {
	if _, err := io.ReadFull(c.Rand, b); err != nil {
		panic("crypto: rng failure: " + err.Error())
	}
}

// RandUint64 returns a uniform random 64 bit integer.
func (c *Context) RandUint64() uint64 {
	var b [8]byte
	c.Randomize(b[:])
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 |
		uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 |
		uint64(b[6])<<8 | uint64(b[7])
}
