// pathset.go - Bounded pools of paths.
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

package path

import (
	"errors"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/llarp/go-llarp/router"
)

const (
	// DefaultBuildTimeout is how long a path may stay in Building before
	// it transitions to Timeout.
	DefaultBuildTimeout = 30 * time.Second

	// PublishInterval is the steady state descriptor publish cadence.
	PublishInterval = 20 * time.Minute

	// PublishRetryInterval gates publish retries after a failure or when
	// the current descriptor carries expired introductions.
	PublishRetryInterval = time.Minute
)

// ErrDuplicatePath is returned when a path with the same (upstream, rxid)
// key is added twice.
var ErrDuplicatePath = errors.New("path: duplicate path")

// Builder constructs paths hop by hop.  It lives outside this package, a
// PathSet only signals it.
type Builder interface {
	// ManualRebuild requests n additional path builds.
	ManualRebuild(n int)

	// NumHops is the hop count of paths built for this set.
	NumHops() int
}

// HopSelector overrides per hop router selection during a build.
type HopSelector interface {
	// SelectHop chooses the router for hop index hop out of numHops.
	// prev is nil for the first hop.
	SelectHop(prev *router.RouterContact, hop, numHops int) (*router.RouterContact, error)
}

// PathInfo keys a live path.
type PathInfo struct {
	Upstream router.RouterID
	RXID     PathID
}

// PathSet is a bounded pool of paths owned by one entity.  It also tracks
// the introset publish transaction so that at most one publish is in
// flight at a time.
type PathSet struct {
	numPaths int
	paths    map[PathInfo]*Path
	builder  Builder
	rng      io.Reader

	onPathBuilt func(*Path)
	tickHook    func(time.Time)

	currentPublishTX   uint64
	lastPublish        time.Time
	lastPublishAttempt time.Time
}

// NewPathSet creates a pool that maintains numPaths live paths.
func NewPathSet(numPaths int) *PathSet {
	return &PathSet{
		numPaths: numPaths,
		paths:    make(map[PathInfo]*Path),
		rng:      rand.Reader,
	}
}

// SetBuilder binds the external path builder.
func (s *PathSet) SetBuilder(b Builder) {
	s.builder = b
}

// OnPathBuilt registers the hook invoked when a path becomes Established.
func (s *PathSet) OnPathBuilt(fn func(*Path)) {
	s.onPathBuilt = fn
}

// OnTick registers a hook run by Tick after expiry processing.
func (s *PathSet) OnTick(fn func(time.Time)) {
	s.tickHook = fn
}

// NumPaths returns the target path count.
func (s *PathSet) NumPaths() int {
	return s.numPaths
}

// AddPath inserts p, failing on a duplicate (upstream, rxid) key.
func (s *PathSet) AddPath(p *Path) error {
	k := PathInfo{Upstream: p.Upstream, RXID: p.RXID}
	if _, ok := s.paths[k]; ok {
		return ErrDuplicatePath
	}
	s.paths[k] = p
	return nil
}

// RemovePath deletes p from the pool.
func (s *PathSet) RemovePath(p *Path) {
	delete(s.paths, PathInfo{Upstream: p.Upstream, RXID: p.RXID})
}

// HandlePathBuilt is called by the builder when p transitions from
// Building to Established.
func (s *PathSet) HandlePathBuilt(p *Path, now time.Time) {
	p.MarkEstablished(now)
	if s.onPathBuilt != nil {
		s.onPathBuilt(p)
	}
}

// GetByUpstream looks up a path by its (upstream, rxid) key.
func (s *PathSet) GetByUpstream(remote router.RouterID, rxid PathID) *Path {
	return s.paths[PathInfo{Upstream: remote, RXID: rxid}]
}

// ExpirePaths transitions paths past end of life and reaps paths already
// in a terminal state.
func (s *PathSet) ExpirePaths(now time.Time) {
	for k, p := range s.paths {
		switch p.status {
		case StatusBuilding:
			if now.Sub(p.buildStarted) >= DefaultBuildTimeout {
				p.status = StatusTimeout
			}
		case StatusEstablished:
			if !now.Before(p.ExpiresAt()) {
				p.status = StatusExpired
			}
		case StatusTimeout, StatusExpired:
			delete(s.paths, k)
		}
	}
}

// NumInStatus counts paths in the given state.
func (s *PathSet) NumInStatus(st Status) int {
	n := 0
	for _, p := range s.paths {
		if p.status == st {
			n++
		}
	}
	return n
}

// ShouldBuildMore returns true while the pool is under target.
func (s *PathSet) ShouldBuildMore() bool {
	return s.NumInStatus(StatusEstablished)+s.NumInStatus(StatusBuilding) < s.numPaths
}

// GetCurrentIntroductions appends an introduction for every established
// path and reports whether any were found.
func (s *PathSet) GetCurrentIntroductions() ([]Introduction, bool) {
	var intros []Introduction
	for _, p := range s.paths {
		if p.status == StatusEstablished {
			intros = append(intros, p.Intro())
		}
	}
	return intros, len(intros) > 0
}

// PickRandomEstablishedPath selects uniformly over established paths,
// returning nil if there are none.
func (s *PathSet) PickRandomEstablishedPath() *Path {
	var established []*Path
	for _, p := range s.paths {
		if p.status == StatusEstablished {
			established = append(established, p)
		}
	}
	if len(established) == 0 {
		return nil
	}
	return established[rand.NewMath().Intn(len(established))]
}

// GetEstablishedPathClosestTo returns the established path whose terminal
// router is XOR closest to target.  Ties break on the lowest upstream
// router id.
func (s *PathSet) GetEstablishedPathClosestTo(target router.RouterID) *Path {
	var best *Path
	var bestDist router.RouterID
	for _, p := range s.paths {
		if p.status != StatusEstablished {
			continue
		}
		d := router.Distance(p.Endpoint, target)
		if best == nil || router.Less(d, bestDist) {
			best = p
			bestDist = d
			continue
		}
		if d == bestDist && router.Less(p.Upstream, best.Upstream) {
			best = p
		}
	}
	return best
}

// GetPathByRouter returns an established path terminating at remote.
func (s *PathSet) GetPathByRouter(remote router.RouterID) *Path {
	for _, p := range s.paths {
		if p.status == StatusEstablished && p.Endpoint == remote {
			return p
		}
	}
	return nil
}

// PublishIntroSet sends a publish message over the established path whose
// terminal router is closest to target.  build is invoked with the fresh
// publish transaction id.  Returns false when there is no usable path or
// the send is rejected.
func (s *PathSet) PublishIntroSet(target router.RouterID, now time.Time, build func(txid uint64) Message) bool {
	p := s.GetEstablishedPathClosestTo(target)
	if p == nil {
		return false
	}
	var b [8]byte
	if _, err := io.ReadFull(s.rng, b[:]); err != nil {
		return false
	}
	txid := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 |
		uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 |
		uint64(b[6])<<8 | uint64(b[7])
	if txid == 0 {
		txid = 1
	}
	s.currentPublishTX = txid
	if err := p.SendRoutingMessage(build(txid)); err != nil {
		s.currentPublishTX = 0
		return false
	}
	s.lastPublishAttempt = now
	return true
}

// ShouldPublishDescriptors gates descriptor publishes.  introsExpired is
// true when the currently advertised introset carries an expired intro.
func (s *PathSet) ShouldPublishDescriptors(now time.Time, introsExpired bool) bool {
	if introsExpired {
		return s.currentPublishTX == 0 &&
			now.Sub(s.lastPublishAttempt) >= PublishRetryInterval
	}
	return s.currentPublishTX == 0 &&
		now.Sub(s.lastPublish) >= PublishInterval
}

// CurrentPublishTX returns the in flight publish transaction id, 0 when
// no publish is outstanding.
func (s *PathSet) CurrentPublishTX() uint64 {
	return s.currentPublishTX
}

// ClearPublishTX permits a publish retry.
func (s *PathSet) ClearPublishTX() {
	s.currentPublishTX = 0
}

// LastPublishAttempt returns when a publish was last sent.
func (s *PathSet) LastPublishAttempt() time.Time {
	return s.lastPublishAttempt
}

// LastPublish returns when a publish was last confirmed.
func (s *PathSet) LastPublish() time.Time {
	return s.lastPublish
}

// IntroSetPublished records a confirmed publish.
func (s *PathSet) IntroSetPublished(now time.Time) {
	s.currentPublishTX = 0
	s.lastPublish = now
}

// IntroSetPublishFail records a failed publish.  The retry interval still
// applies from the last attempt.
func (s *PathSet) IntroSetPublishFail() {
	s.currentPublishTX = 0
}

// Tick drives expiry, the owner hook and build signaling.
func (s *PathSet) Tick(now time.Time) {
	s.ExpirePaths(now)
	if s.tickHook != nil {
		s.tickHook(now)
	}
	if s.builder != nil && s.ShouldBuildMore() {
		needed := s.numPaths - s.NumInStatus(StatusEstablished) - s.NumInStatus(StatusBuilding)
		s.builder.ManualRebuild(needed)
	}
}
