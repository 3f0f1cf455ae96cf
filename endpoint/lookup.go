// lookup.go - Pending DHT lookups.
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

package endpoint

import (
	"time"

	"github.com/llarp/go-llarp/dht"
	"github.com/llarp/go-llarp/path"
	"github.com/llarp/go-llarp/router"
	"github.com/llarp/go-llarp/routing"
	"github.com/llarp/go-llarp/service"
)

type lookupKind int

const (
	lookupAddress lookupKind = iota
	lookupTag
	lookupRouter
)

// pendingLookup is one in flight DHT lookup.  The kind discriminates the
// request shape, onIntroSets handles address and tag responses.  An
// expired lookup is resolved with an empty result set, handlers must
// treat empty as "timed out", not as failure.
type pendingLookup struct {
	kind      lookupKind
	name      string
	txid      uint64
	startedAt time.Time
	timeoutAt time.Time

	addr     service.Address
	tag      service.Tag
	routerID router.RouterID

	onIntroSets func([]service.IntroSet)
}

func (l *pendingLookup) timedOut(now time.Time) bool {
	return !now.Before(l.timeoutAt)
}

func (l *pendingLookup) buildRequest() path.Message {
	var m dht.Message
	switch l.kind {
	case lookupAddress:
		m = &dht.FindIntroMessage{
			Addr: l.addr,
			TXID: l.txid,
			R:    dht.FindIntroRecursion,
		}
	case lookupTag:
		m = &dht.FindIntroMessage{
			Tag:  l.tag,
			TXID: l.txid,
			R:    dht.FindIntroRecursion,
		}
	case lookupRouter:
		m = &dht.FindRouterMessage{
			Key:  l.routerID,
			TXID: l.txid,
		}
	}
	return &routing.DHTMessage{M: []dht.Message{m}}
}

// routerLookupJob tracks one in flight router contact lookup.
type routerLookupJob struct {
	startedAt time.Time
	timeoutAt time.Time
}

func (j *routerLookupJob) expired(now time.Time) bool {
	return !now.Before(j.timeoutAt)
}

// tagRefreshInterval is how often a prefetched tag is re-queried.
const tagRefreshInterval = time.Minute

// cachedTagResult accumulates introsets found under a prefetched tag.
type cachedTagResult struct {
	tag          service.Tag
	result       map[service.Address]service.IntroSet
	lastRequest  time.Time
	lastModified time.Time
}

func newCachedTagResult(tag service.Tag) *cachedTagResult {
	return &cachedTagResult{
		tag:    tag,
		result: make(map[service.Address]service.IntroSet),
	}
}

// handleResponse folds lookup results into the cache.
func (c *cachedTagResult) handleResponse(sets []service.IntroSet, now time.Time) {
	for _, is := range sets {
		addr := is.Addr()
		if _, ok := c.result[addr]; !ok {
			c.lastModified = now
		}
		c.result[addr] = is
	}
}

// expire removes entries whose introductions have expired.
func (c *cachedTagResult) expire(now time.Time) {
	for addr, is := range c.result {
		if is.HasExpiredIntros(now) {
			delete(c.result, addr)
			c.lastModified = now
		}
	}
}

// shouldRefresh returns true when it is time to re-query the tag.
func (c *cachedTagResult) shouldRefresh(now time.Time) bool {
	return now.Sub(c.lastRequest) >= tagRefreshInterval
}
