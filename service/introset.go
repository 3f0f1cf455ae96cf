// introset.go - Signed reachability descriptors.
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
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/llarp/go-llarp/path"
)

var ccbor cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// ErrInvalidSignature is returned when introset signature verification
// fails.  No routing decision may use an unverified introset.
var ErrInvalidSignature = errors.New("service: invalid introset signature")

// IntroSet is the signed reachability descriptor of one hidden service:
// its identity, current introductions, KEM receiver key and optional
// topic tag.
type IntroSet struct {
	// A identifies the owner.
	A ServiceInfo `cbor:"a"`

	// I is the list of advertised introductions.
	I []path.Introduction `cbor:"i"`

	// K is the ephemeral receiver KEM public key for the handshake.
	K []byte `cbor:"k"`

	// Topic is the optional tag under which this introset is indexed.
	Topic Tag `cbor:"n"`

	// SignedAt is the signing time in milliseconds since the epoch.
	// Refreshes are accepted only when strictly newer.
	SignedAt uint64 `cbor:"t"`

	// Z is the signature over all other fields.
	Z []byte `cbor:"z"`
}

// Addr returns the owner's address.
func (is *IntroSet) Addr() Address {
	return is.A.Addr()
}

// HasExpiredIntros returns true if any advertised introduction is
// expired.  The publisher is expected to refresh before this happens.
func (is *IntroSet) HasExpiredIntros(now time.Time) bool {
	for _, intro := range is.I {
		if intro.Expired(now) {
			return true
		}
	}
	return false
}

// IsNewerThan returns true if this introset was signed strictly after
// other.
func (is *IntroSet) IsNewerThan(other *IntroSet) bool {
	return is.SignedAt > other.SignedAt
}

func (is *IntroSet) sigPreimage() ([]byte, error) {
	clone := *is
	clone.Z = nil
	return ccbor.Marshal(&clone)
}

// Sign stamps and signs the introset under k.
func (is *IntroSet) Sign(k *ed25519.PrivateKey, now time.Time) error {
	is.SignedAt = uint64(now.UnixMilli())
	is.Z = nil
	blob, err := is.sigPreimage()
	if err != nil {
		return err
	}
	is.Z = k.SignMessage(blob)
	return nil
}

// VerifySignature checks the signature under the owner's signing key.
func (is *IntroSet) VerifySignature() error {
	if len(is.Z) == 0 {
		return ErrInvalidSignature
	}
	blob, err := is.sigPreimage()
	if err != nil {
		return err
	}
	if !is.A.Verify(blob, is.Z) {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal serializes the introset.
func (is *IntroSet) Marshal() ([]byte, error) {
	return ccbor.Marshal(is)
}

// Unmarshal deserializes the introset.
func (is *IntroSet) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, is)
}
