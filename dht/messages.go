// messages.go - DHT message envelopes.
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

// Package dht defines the message envelopes the hidden service layer
// exchanges with the distributed hash table.  The DHT routing itself
// lives elsewhere, these are payloads only.
package dht

import (
	"github.com/llarp/go-llarp/router"
	"github.com/llarp/go-llarp/service"
)

const (
	// FindIntroRecursion is the recursion depth of address and tag
	// lookups.
	FindIntroRecursion = 5

	// PublishReplication is the replication factor of introset
	// publishes.
	PublishReplication = 4
)

// Message is one DHT message.
type Message interface {
	dhtMessage()
}

// FindIntroMessage looks up introsets by service address or by tag.
// Exactly one of Addr and Tag is set.
type FindIntroMessage struct {
	// Addr is the target service address.
	Addr service.Address `cbor:"s,omitempty"`

	// Tag is the target topic tag.
	Tag service.Tag `cbor:"n,omitempty"`

	// TXID correlates the eventual GotIntroMessage.
	TXID uint64 `cbor:"t"`

	// R is the lookup recursion depth.
	R uint64 `cbor:"r"`
}

func (*FindIntroMessage) dhtMessage() {}

// PublishIntroMessage stores an introset at its DHT location.
type PublishIntroMessage struct {
	// IntroSet is the signed descriptor to store.
	IntroSet service.IntroSet `cbor:"i"`

	// TXID correlates the publish confirmation.
	TXID uint64 `cbor:"t"`

	// R is the replication factor.
	R uint64 `cbor:"r"`
}

func (*PublishIntroMessage) dhtMessage() {}

// FindRouterMessage looks up a router contact by id.
type FindRouterMessage struct {
	// Key is the router being looked up.
	Key router.RouterID `cbor:"k"`

	// TXID correlates the eventual GotRouterMessage.
	TXID uint64 `cbor:"t"`
}

func (*FindRouterMessage) dhtMessage() {}

// GotIntroMessage answers a FindIntroMessage or confirms a publish.
type GotIntroMessage struct {
	// T echoes the transaction id.
	T uint64 `cbor:"t"`

	// I is the list of found introsets.
	I []service.IntroSet `cbor:"i"`
}

func (*GotIntroMessage) dhtMessage() {}

// GotRouterMessage answers a FindRouterMessage.
type GotRouterMessage struct {
	// T echoes the transaction id.
	T uint64 `cbor:"t"`

	// R is the list of found router contacts.
	R []router.RouterContact `cbor:"r"`
}

func (*GotRouterMessage) dhtMessage() {}
