// introset_test.go - Introset signing tests.
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

package service

import (
	"io"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/router"
)

func testIdentity(t *testing.T) *Identity {
	id := new(Identity)
	require.NoError(t, id.RegenerateKeys(crypto.New()))
	return id
}

func testIntro(t *testing.T, expiresAt time.Time) path.Introduction {
	var r router.RouterID
	var p path.PathID
	_, err := io.ReadFull(rand.Reader, r[:])
	require.NoError(t, err)
	_, err = io.ReadFull(rand.Reader, p[:])
	require.NoError(t, err)
	return path.Introduction{Router: r, PathID: p, ExpiresAt: expiresAt}
}

func TestIntroSetSignVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := testIdentity(t)
	now := time.Now()

	is := new(IntroSet)
	is.I = []path.Introduction{testIntro(t, now.Add(15*time.Minute))}
	is.Topic = NewTag("test")
	require.NoError(id.SignIntroSet(is, now))
	require.NoError(is.VerifySignature())

	// any mutation invalidates the signature
	is.I[0].PathID[0] ^= 0xff
	require.ErrorIs(is.VerifySignature(), ErrInvalidSignature)
}

func TestIntroSetVerifySurvivesTransport(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := testIdentity(t)
	now := time.Now()

	is := new(IntroSet)
	is.I = []path.Introduction{testIntro(t, now.Add(15*time.Minute))}
	require.NoError(id.SignIntroSet(is, now))

	blob, err := is.Marshal()
	require.NoError(err)
	decoded := new(IntroSet)
	require.NoError(decoded.Unmarshal(blob))
	require.NoError(decoded.VerifySignature())
	require.Equal(is.Addr(), decoded.Addr())
}

func TestIntroSetHasExpiredIntros(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	now := time.Now()
	is := new(IntroSet)
	is.I = []path.Introduction{
		testIntro(t, now.Add(10*time.Second)),
		testIntro(t, now.Add(40*time.Second)),
	}
	require.False(is.HasExpiredIntros(now))
	// one expired intro is enough
	require.True(is.HasExpiredIntros(now.Add(10*time.Second)))
	require.True(is.HasExpiredIntros(now.Add(time.Minute)))
}

func TestIntroSetIsNewerThan(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	older := &IntroSet{SignedAt: 1000}
	newer := &IntroSet{SignedAt: 1001}
	require.True(newer.IsNewerThan(older))
	require.False(older.IsNewerThan(newer))
	require.False(older.IsNewerThan(older))
}

func TestAddressPureFunctionOfKeys(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := testIdentity(t)
	info := id.Public()
	require.Equal(info.Addr(), id.Addr())

	// round trips through the string form
	var parsed Address
	require.NoError(parsed.FromString(id.Addr().String()))
	require.Equal(id.Addr(), parsed)
}
