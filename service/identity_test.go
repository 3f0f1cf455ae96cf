// identity_test.go - Identity persistence tests.
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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llarp/go-llarp/crypto"
)

func TestEnsureKeysCreatesAndReloads(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := crypto.New()
	keyfile := filepath.Join(t.TempDir(), "identity.key")

	first := new(Identity)
	require.NoError(first.EnsureKeys(keyfile, c))
	_, err := os.Stat(keyfile)
	require.NoError(err)

	second := new(Identity)
	require.NoError(second.EnsureKeys(keyfile, c))
	require.Equal(first.Addr(), second.Addr())
	require.Equal(first.PQPublicKey(), second.PQPublicKey())
}

func TestEnsureKeysRejectsGarbage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	keyfile := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(os.WriteFile(keyfile, []byte("not a keyfile"), 0600))

	id := new(Identity)
	require.ErrorIs(id.EnsureKeys(keyfile, crypto.New()), ErrBadKeyfile)
}

func TestRegenerateKeysAreDistinct(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := testIdentity(t)
	b := testIdentity(t)
	require.NotEqual(a.Addr(), b.Addr())
}
