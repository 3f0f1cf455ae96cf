// info.go - Public service identity.
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
	"bytes"
	"errors"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/router"
)

// ErrBadServiceInfo is returned when a ServiceInfo carries malformed keys.
var ErrBadServiceInfo = errors.New("service: bad service info")

// ServiceInfo is the public half of a hidden service identity: the signing
// key and the encryption key used for the classical handshake leg.
type ServiceInfo struct {
	SigningKey    []byte `cbor:"s"`
	EncryptionKey []byte `cbor:"e"`
}

// Addr derives the service address.  The address is a pure function of
// the public keys.
func (si *ServiceInfo) Addr() Address {
	var buf bytes.Buffer
	buf.Write(si.SigningKey)
	buf.Write(si.EncryptionKey)
	return Address(crypto.Shorthash(buf.Bytes()))
}

// Name returns the short printable form of the identity.
func (si *ServiceInfo) Name() string {
	return si.Addr().String()
}

// Equal compares two service infos by key material.
func (si *ServiceInfo) Equal(other *ServiceInfo) bool {
	return bytes.Equal(si.SigningKey, other.SigningKey) &&
		bytes.Equal(si.EncryptionKey, other.EncryptionKey)
}

// Verify checks sig over msg under the identity's signing key.
func (si *ServiceInfo) Verify(msg, sig []byte) bool {
	var pk ed25519.PublicKey
	if err := pk.FromBytes(si.SigningKey); err != nil {
		return false
	}
	return pk.Verify(sig, msg)
}

// EncPublic deserializes the encryption public key.
func (si *ServiceInfo) EncPublic() (*x25519.PublicKey, error) {
	pk := new(x25519.PublicKey)
	if err := pk.FromBytes(si.EncryptionKey); err != nil {
		return nil, ErrBadServiceInfo
	}
	return pk, nil
}

// ToRouter maps the service address into router keyspace.
func (si *ServiceInfo) ToRouter() router.RouterID {
	return si.Addr().ToRouter()
}
