// crypto_test.go - Crypto context tests.
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

package crypto

import (
	"testing"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestDHIsSymmetric(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alicePriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err)
	bobPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err)

	alicePub := new(x25519.PublicKey)
	require.NoError(alicePub.FromBytes(alicePriv.Public().Bytes()))
	bobPub := new(x25519.PublicKey)
	require.NoError(bobPub.FromBytes(bobPriv.Public().Bytes()))

	var nonce [NonceSize]byte
	c := New()
	c.Randomize(nonce[:])

	aliceSide, err := DH(alicePriv, bobPub, nonce)
	require.NoError(err)
	bobSide, err := DH(bobPriv, alicePub, nonce)
	require.NoError(err)
	require.Equal(aliceSide, bobSide)

	// a different nonce yields a different key
	var other [NonceSize]byte
	c.Randomize(other[:])
	rekeyed, err := DH(alicePriv, bobPub, other)
	require.NoError(err)
	require.NotEqual(aliceSide, rekeyed)
}

func TestKEMRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := New()
	pub, priv, err := c.PQE.GenerateKeyPair()
	require.NoError(err)

	ct, ss, err := c.PQE.Encapsulate(pub)
	require.NoError(err)
	require.Len(ss, SharedKeySize)

	got, err := c.PQE.Decapsulate(priv, ct)
	require.NoError(err)
	require.Equal(ss, got)
}

func TestRandUint64(t *testing.T) {
	t.Parallel()
	c := New()
	a := c.RandUint64()
	b := c.RandUint64()
	// collisions over a 64 bit space mean a broken rng
	require.NotEqual(t, a, b)
}
