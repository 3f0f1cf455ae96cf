// path.go - Multi hop overlay paths.
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

// Package path models multi hop circuits through the overlay and the
// bounded pools that own them.  Actual hop by hop construction is done by
// an external builder, this package tracks lifecycle and selection.
package path

import (
	"errors"
	"time"

	"github.com/llarp/go-llarp/router"
)

// PathIDSize is the size of a path identifier.
const PathIDSize = 16

// PathID identifies one direction of a path at a router.
type PathID [PathIDSize]byte

var zeroPathID PathID

// IsZero returns true if the id is unset.
func (p PathID) IsZero() bool {
	return p == zeroPathID
}

// Introduction advertises "to reach me, send through Router using PathID
// before ExpiresAt".
type Introduction struct {
	Router    router.RouterID
	PathID    PathID
	ExpiresAt time.Time
}

// Expired returns true when the introduction is no longer usable.
func (i Introduction) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Clear resets the introduction.
func (i *Introduction) Clear() {
	*i = Introduction{}
}

// Status is the lifecycle state of a path.  It is monotone, Timeout and
// Expired are terminal.
type Status int

const (
	StatusBuilding Status = iota
	StatusEstablished
	StatusTimeout
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusEstablished:
		return "established"
	case StatusTimeout:
		return "timeout"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal returns true for states that cause reaping.
func (s Status) Terminal() bool {
	return s == StatusTimeout || s == StatusExpired
}

// Message is a routing layer message that can be carried over a path.
type Message interface {
	MarshalBinary() ([]byte, error)
}

// DataHandler receives inbound routing messages delivered on a path.
type DataHandler func(Message) error

// ErrNoTransport is returned when a path has no link layer sender bound.
var ErrNoTransport = errors.New("path: no transport bound")

// Path is one multi hop circuit.  Upstream is our first hop, Endpoint the
// terminal hop.  RXID is the path id we receive on.
type Path struct {
	Upstream router.RouterID
	Endpoint router.RouterID
	RXID     PathID

	status       Status
	buildStarted time.Time
	builtAt      time.Time
	lifetime     time.Duration

	send    func(Message) error
	handler DataHandler
}

// NewPath creates a path in the Building state.
func NewPath(upstream, endpoint router.RouterID, rxid PathID, lifetime time.Duration, now time.Time) *Path {
	return &Path{
		Upstream:     upstream,
		Endpoint:     endpoint,
		RXID:         rxid,
		status:       StatusBuilding,
		buildStarted: now,
		lifetime:     lifetime,
	}
}

// Status returns the current lifecycle state.
func (p *Path) Status() Status {
	return p.status
}

// MarkEstablished transitions Building to Established.
func (p *Path) MarkEstablished(now time.Time) {
	if p.status != StatusBuilding {
		return
	}
	p.status = StatusEstablished
	p.builtAt = now
}

// ExpiresAt returns when an established path reaches end of life.
func (p *Path) ExpiresAt() time.Time {
	return p.builtAt.Add(p.lifetime)
}

// Intro returns the introduction exposing this path's far endpoint.
func (p *Path) Intro() Introduction {
	return Introduction{
		Router:    p.Endpoint,
		PathID:    p.RXID,
		ExpiresAt: p.ExpiresAt(),
	}
}

// BindTransport attaches the link layer sender.
func (p *Path) BindTransport(send func(Message) error) {
	p.send = send
}

// SetDataHandler attaches the inbound message handler.
func (p *Path) SetDataHandler(h DataHandler) {
	p.handler = h
}

// HandleInbound dispatches an inbound routing message to the data handler.
func (p *Path) HandleInbound(m Message) error {
	if p.handler == nil {
		return nil
	}
	return p.handler(m)
}

// SendRoutingMessage sends a routing message over the path.
func (p *Path) SendRoutingMessage(m Message) error {
	if p.send == nil {
		return ErrNoTransport
	}
	return p.send(m)
}
