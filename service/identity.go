// identity.go - Long lived hidden service identity keys.
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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/llarp/go-llarp/crypto"
)

// ErrBadKeyfile is returned when the identity keyfile cannot be decoded.
var ErrBadKeyfile = errors.New("service: bad keyfile")

// Identity is the long lived keypair set of one hidden service endpoint:
// the signing keypair, the encryption keypair for the classical handshake
// leg, and the KEM receiver keypair advertised in the introset.
type Identity struct {
	signKey *ed25519.PrivateKey
	signPub *ed25519.PublicKey
	encKey  *x25519.PrivateKey
	pqPriv  kem.PrivateKey
	pqPub   kem.PublicKey

	pub ServiceInfo
}

type keyfileBlob struct {
	Sign []byte `cbor:"sign"`
	Enc  []byte `cbor:"enc"`
	PQ   []byte `cbor:"pq"`
}

// Public returns the public service info.
func (id *Identity) Public() ServiceInfo {
	return id.pub
}

// Addr returns the service address.
func (id *Identity) Addr() Address {
	return id.pub.Addr()
}

// PQPublicKey returns the KEM receiver public key bytes advertised in the
// introset.
func (id *Identity) PQPublicKey() []byte {
	blob, err := id.pqPub.MarshalBinary()
	if err != nil {
		panic("service: kem public key marshal failure")
	}
	return blob
}

// RegenerateKeys generates a fresh identity.
func (id *Identity) RegenerateKeys(c *crypto.Context) error {
	signKey, signPub, err := ed25519.NewKeypair(c.Rand)
	if err != nil {
		return err
	}
	encKey, err := x25519.NewKeypair(c.Rand)
	if err != nil {
		return err
	}
	pqPub, pqPriv, err := c.PQE.GenerateKeyPair()
	if err != nil {
		return err
	}
	id.signKey = signKey
	id.signPub = signPub
	id.encKey = encKey
	id.pqPriv = pqPriv
	id.pqPub = pqPub
	id.buildPublic()
	return nil
}

// EnsureKeys loads the identity from path, creating and persisting a new
// one if the file does not exist.
func (id *Identity) EnsureKeys(path string, c *crypto.Context) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err = id.RegenerateKeys(c); err != nil {
			return err
		}
		return id.saveTo(path, c)
	}
	return id.loadFrom(raw, c)
}

func (id *Identity) saveTo(path string, c *crypto.Context) error {
	pqBlob, err := id.pqPriv.MarshalBinary()
	if err != nil {
		return err
	}
	blob := keyfileBlob{
		Sign: id.signKey.Bytes(),
		Enc:  id.encKey.Bytes(),
		PQ:   pqBlob,
	}
	raw, err := cbor.Marshal(&blob)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

func (id *Identity) loadFrom(raw []byte, c *crypto.Context) error {
	var blob keyfileBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("%w: %v", ErrBadKeyfile, err)
	}
	signKey := new(ed25519.PrivateKey)
	if err := signKey.FromBytes(blob.Sign); err != nil {
		return fmt.Errorf("%w: %v", ErrBadKeyfile, err)
	}
	encKey := new(x25519.PrivateKey)
	if err := encKey.FromBytes(blob.Enc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadKeyfile, err)
	}
	pqPriv, err := c.PQE.UnmarshalBinaryPrivateKey(blob.PQ)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadKeyfile, err)
	}
	id.signKey = signKey
	id.signPub = signKey.PublicKey()
	id.encKey = encKey
	id.pqPriv = pqPriv
	id.pqPub = pqPriv.Public()
	id.buildPublic()
	return nil
}

func (id *Identity) buildPublic() {
	var encPub x25519.PublicKey
	encPubBytes := id.encKey.Public().Bytes()
	if err := encPub.FromBytes(encPubBytes); err != nil {
		panic("service: invalid derived encryption key")
	}
	id.pub = ServiceInfo{
		SigningKey:    id.signPub.Bytes(),
		EncryptionKey: encPub.Bytes(),
	}
}

// Sign signs msg under the identity signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return id.signKey.SignMessage(msg)
}

// KeyExchange computes the classical handshake leg with remote, keyed by
// nonce.  Both sides of a conversation derive the same value.
func (id *Identity) KeyExchange(remote *ServiceInfo, nonce [crypto.NonceSize]byte) ([crypto.SharedKeySize]byte, error) {
	remotePub, err := remote.EncPublic()
	if err != nil {
		return [crypto.SharedKeySize]byte{}, err
	}
	return crypto.DH(id.encKey, remotePub, nonce)
}

// DecapsulateKEM recovers the KEM shared secret from a first frame
// ciphertext.
func (id *Identity) DecapsulateKEM(c *crypto.Context, ct []byte) ([]byte, error) {
	return c.PQE.Decapsulate(id.pqPriv, ct)
}

// SignIntroSet fills in the identity fields of the introset and signs it.
func (id *Identity) SignIntroSet(is *IntroSet, now time.Time) error {
	is.A = id.pub
	is.K = id.PQPublicKey()
	return is.Sign(id.signKey, now)
}
