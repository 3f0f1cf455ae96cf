// address.go - Hidden service addresses and tags.
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

// Package service implements the hidden service data model: identities,
// introductions, introsets and the encrypted protocol frames exchanged
// between endpoints.
package service

import (
	"encoding/base32"
	"errors"
	"strings"

	"github.com/llarp/go-llarp/router"
)

// AddressSize is the size of a hidden service address.
const AddressSize = 32

// Address is the public name of a hidden service, the hash of its public
// keys.
type Address [AddressSize]byte

var addrEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrBadAddress is returned when parsing a malformed address.
var ErrBadAddress = errors.New("service: bad address")

var zeroAddr Address

// IsZero returns true if the address is unset.
func (a Address) IsZero() bool {
	return a == zeroAddr
}

// String renders the address in base32.
func (a Address) String() string {
	return strings.ToLower(addrEncoding.EncodeToString(a[:]))
}

// FromString parses a base32 address.
func (a *Address) FromString(s string) error {
	raw, err := addrEncoding.DecodeString(strings.ToUpper(s))
	if err != nil || len(raw) != AddressSize {
		return ErrBadAddress
	}
	copy(a[:], raw)
	return nil
}

// ToRouter maps the address into router id keyspace for XOR-nearest
// selection.
func (a Address) ToRouter() router.RouterID {
	return router.RouterID(a)
}

// TagSize is the size of a topic tag.
const TagSize = 16

// Tag is a topic under which introsets may be indexed and looked up.
type Tag [TagSize]byte

var zeroTag Tag

// NewTag builds a tag from a string, truncating to TagSize.
func NewTag(s string) Tag {
	var t Tag
	copy(t[:], s)
	return t
}

// IsZero returns true if no tag is set.
func (t Tag) IsZero() bool {
	return t == zeroTag
}

// String renders the tag, trimming zero padding.
func (t Tag) String() string {
	return strings.TrimRight(string(t[:]), "\x00")
}

// ConvoTagSize is the size of a conversation tag.
const ConvoTagSize = 16

// ConvoTag names one bidirectional conversation between two endpoints.
type ConvoTag [ConvoTagSize]byte

var zeroConvoTag ConvoTag

// IsZero returns true if the tag is unset.
func (t ConvoTag) IsZero() bool {
	return t == zeroConvoTag
}
