// protocol.go - Encrypted and signed protocol frames.
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

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/path"
)

// ProtocolType discriminates payload kinds carried in a frame.
type ProtocolType byte

const (
	// ProtocolText is control / liveness traffic.
	ProtocolText ProtocolType = iota

	// ProtocolTraffic is application payload.
	ProtocolTraffic
)

var (
	// ErrDecrypt is returned when frame decryption fails.
	ErrDecrypt = errors.New("service: frame decrypt failed")

	// ErrFrameSignature is returned when the frame signature does not
	// verify against the advertised sender.
	ErrFrameSignature = errors.New("service: frame signature invalid")
)

// ProtocolMessage is the plaintext inner message of a frame.
type ProtocolMessage struct {
	// Tag names the conversation.
	Tag ConvoTag `cbor:"t"`

	// Proto is the payload discriminator.
	Proto ProtocolType `cbor:"p"`

	// Sender identifies the sending endpoint.
	Sender ServiceInfo `cbor:"s"`

	// IntroReply is the sender's introduction for reply addressing.
	IntroReply path.Introduction `cbor:"i"`

	// Payload is the application bytes.
	Payload []byte `cbor:"d"`
}

// ProtocolFrame is the encrypted and signed envelope carried on every
// message.  C is only present on the first frame of a conversation.
type ProtocolFrame struct {
	// N is the frame nonce.
	N [crypto.NonceSize]byte `cbor:"n"`

	// C is the KEM ciphertext, empty on subsequent frames.
	C []byte `cbor:"c,omitempty"`

	// T is the conversation tag.
	T ConvoTag `cbor:"t"`

	// S is the sequence number, monotone per conversation.
	S uint64 `cbor:"s"`

	// D is the AEAD sealed inner message.
	D []byte `cbor:"d"`

	// Z is the signature by the sender's identity key.
	Z []byte `cbor:"z,omitempty"`
}

// protocolFrameFields is a copy of ProtocolFrame's field layout without its
// MarshalBinary/UnmarshalBinary methods, used so cbor encodes the struct's
// fields directly instead of redispatching through those methods.
type protocolFrameFields ProtocolFrame

// MarshalBinary serializes the frame so it can ride a path as a routing
// message payload.
func (f *ProtocolFrame) MarshalBinary() ([]byte, error) {
	return ccbor.Marshal((*protocolFrameFields)(f))
}

// UnmarshalBinary deserializes the frame.
func (f *ProtocolFrame) UnmarshalBinary(b []byte) error {
	return cbor.Unmarshal(b, (*protocolFrameFields)(f))
}

func (f *ProtocolFrame) sigPreimage() ([]byte, error) {
	clone := protocolFrameFields(*f)
	clone.Z = nil
	return ccbor.Marshal(&clone)
}

// EncryptAndSign seals m into the frame under key and signs the frame
// with the local identity.  The caller must have set N, C, T and S.
func (f *ProtocolFrame) EncryptAndSign(m *ProtocolMessage, key [crypto.SharedKeySize]byte, ident *Identity) error {
	plain, err := ccbor.Marshal(m)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return err
	}
	f.D = aead.Seal(nil, f.N[:], plain, nil)
	f.Z = nil
	blob, err := f.sigPreimage()
	if err != nil {
		return err
	}
	f.Z = ident.Sign(blob)
	return nil
}

// Decrypt opens the sealed inner message under key.
func (f *ProtocolFrame) Decrypt(key [crypto.SharedKeySize]byte) (*ProtocolMessage, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, f.N[:], f.D, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	m := new(ProtocolMessage)
	if err := cbor.Unmarshal(plain, m); err != nil {
		return nil, ErrDecrypt
	}
	return m, nil
}

// VerifySignature checks the frame signature against sender.
func (f *ProtocolFrame) VerifySignature(sender *ServiceInfo) error {
	if len(f.Z) == 0 {
		return ErrFrameSignature
	}
	blob, err := f.sigPreimage()
	if err != nil {
		return err
	}
	if !sender.Verify(blob, f.Z) {
		return ErrFrameSignature
	}
	return nil
}
