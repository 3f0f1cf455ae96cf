// messages.go - Routing layer message envelopes.
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

// Package routing defines the envelopes carried end to end over paths:
// DHT message batches and path transfer frames.
package routing

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/llarp/go-llarp/crypto"
	"github.com/llarp/go-llarp/dht"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/service"
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

// ErrUnknownMessage is returned when decoding an unrecognized envelope
// kind.
var ErrUnknownMessage = errors.New("routing: unknown message kind")

const (
	kindFindIntro byte = iota + 1
	kindPublishIntro
	kindFindRouter
	kindGotIntro
	kindGotRouter
)

type envelope struct {
	Kind byte   `cbor:"k"`
	Body []byte `cbor:"b"`
}

func seal(m dht.Message) (envelope, error) {
	var kind byte
	switch m.(type) {
	case *dht.FindIntroMessage:
		kind = kindFindIntro
	case *dht.PublishIntroMessage:
		kind = kindPublishIntro
	case *dht.FindRouterMessage:
		kind = kindFindRouter
	case *dht.GotIntroMessage:
		kind = kindGotIntro
	case *dht.GotRouterMessage:
		kind = kindGotRouter
	default:
		return envelope{}, ErrUnknownMessage
	}
	body, err := ccbor.Marshal(m)
	if err != nil {
		return envelope{}, err
	}
	return envelope{Kind: kind, Body: body}, nil
}

func open(e envelope) (dht.Message, error) {
	var m dht.Message
	switch e.Kind {
	case kindFindIntro:
		m = new(dht.FindIntroMessage)
	case kindPublishIntro:
		m = new(dht.PublishIntroMessage)
	case kindFindRouter:
		m = new(dht.FindRouterMessage)
	case kindGotIntro:
		m = new(dht.GotIntroMessage)
	case kindGotRouter:
		m = new(dht.GotRouterMessage)
	default:
		return nil, ErrUnknownMessage
	}
	if err := cbor.Unmarshal(e.Body, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DHTMessage batches DHT messages for transport over a path.
type DHTMessage struct {
	// M is the batch.
	M []dht.Message
}

// MarshalBinary implements path.Message.
func (m *DHTMessage) MarshalBinary() ([]byte, error) {
	envs := make([]envelope, 0, len(m.M))
	for _, msg := range m.M {
		e, err := seal(msg)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return ccbor.Marshal(envs)
}

// UnmarshalBinary decodes a batch.
func (m *DHTMessage) UnmarshalBinary(b []byte) error {
	var envs []envelope
	if err := cbor.Unmarshal(b, &envs); err != nil {
		return err
	}
	m.M = m.M[:0]
	for _, e := range envs {
		msg, err := open(e)
		if err != nil {
			return err
		}
		m.M = append(m.M, msg)
	}
	return nil
}

// PathTransferMessage asks the terminal router of our path to transfer a
// protocol frame onto another path it carries.
type PathTransferMessage struct {
	// T is the frame to transfer.
	T service.ProtocolFrame `cbor:"t"`

	// P is the destination path id at the terminal router.
	P path.PathID `cbor:"p"`

	// Y is a random pad nonce.
	Y [crypto.NonceSize]byte `cbor:"y"`
}

// MarshalBinary implements path.Message.
func (m *PathTransferMessage) MarshalBinary() ([]byte, error) {
	return ccbor.Marshal(m)
}

// UnmarshalBinary decodes the transfer message.
func (m *PathTransferMessage) UnmarshalBinary(b []byte) error {
	return cbor.Unmarshal(b, m)
}
